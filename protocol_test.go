package memcached

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skipor/flatcache/cache"
	"github.com/skipor/flatcache/cache/flat"
	"github.com/skipor/flatcache/log"
)

type testSettings struct{ oldestLive int64 }

func (s *testSettings) OldestLive() int64     { return s.oldestLive }
func (s *testSettings) SetOldestLive(t int64) { s.oldestLive = t }

// newTestServer wires a real cache.Cache behind a conn served over a
// net.Pipe, so protocol round-trips exercise the full read/dispatch/write
// path without a real socket.
func newTestServer(t *testing.T) (client *bufio.ReadWriter, closeServer func()) {
	t.Helper()
	cfg := flat.Config{
		LargeChunkSz:       1024,
		SmallChunkSz:       128,
		MaxBytes:           1 << 16,
		IncrementDelta:     1 << 12,
		LRUSearchDepth:     0,
		ItemUpdateInterval: 0,
		MaxItemSize:        3000,
		ItemCacheDumpLimit: 1 << 16,
	}
	c, err := cache.New(cfg, &testSettings{}, nil)
	require.NoError(t, err)

	meta := NewConnMeta(c, c.Pool(), int(cfg.MaxItemSize))

	clientSide, serverSide := net.Pipe()
	conn := newConn(log.NewNop(), meta, serverSide)
	go conn.serve()

	client = bufio.NewReadWriter(bufio.NewReader(clientSide), bufio.NewWriter(clientSide))
	return client, func() {
		clientSide.Close()
		c.Close()
	}
}

func sendLine(t *testing.T, rw *bufio.ReadWriter, line string) {
	t.Helper()
	_, err := rw.WriteString(line + Separator)
	require.NoError(t, err)
	require.NoError(t, rw.Flush())
}

func readLine(t *testing.T, rw *bufio.ReadWriter) string {
	t.Helper()
	rw.Flush()
	line, err := rw.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestSetGetRoundTripOverProtocol(t *testing.T) {
	rw, done := newTestServer(t)
	defer done()

	sendLine(t, rw, "set foo 0 0 3")
	sendLine(t, rw, "bar")
	require.Equal(t, StoredResponse+Separator, readLine(t, rw))

	sendLine(t, rw, "get foo")
	require.Equal(t, "VALUE foo 0 3"+Separator, readLine(t, rw))
	require.Equal(t, "bar"+Separator, readLine(t, rw))
	require.Equal(t, EndResponse+Separator, readLine(t, rw))
}

func TestGetMissReturnsEndOnly(t *testing.T) {
	rw, done := newTestServer(t)
	defer done()

	sendLine(t, rw, "get nope")
	require.Equal(t, EndResponse+Separator, readLine(t, rw))
}

func TestDeleteRespondsDeletedOrNotFound(t *testing.T) {
	rw, done := newTestServer(t)
	defer done()

	sendLine(t, rw, "set k 0 0 1")
	sendLine(t, rw, "v")
	require.Equal(t, StoredResponse+Separator, readLine(t, rw))

	sendLine(t, rw, "delete k")
	require.Equal(t, DeletedResponse+Separator, readLine(t, rw))

	sendLine(t, rw, "delete k")
	require.Equal(t, NotFoundResponse+Separator, readLine(t, rw))
}

func TestFlushAllRespondsOK(t *testing.T) {
	rw, done := newTestServer(t)
	defer done()

	sendLine(t, rw, "flush_all")
	require.Equal(t, OkResponse+Separator, readLine(t, rw))
}

func TestBadSetCommandReturnsClientError(t *testing.T) {
	rw, done := newTestServer(t)
	defer done()

	sendLine(t, rw, "set k notanumber 0 1")
	sendLine(t, rw, "x") // the malformed command line is parsed before the
	// data block would be read, but a real client still sends it.
	line := readLine(t, rw)
	require.Contains(t, line, ClientErrorResponse)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	rw, done := newTestServer(t)
	defer done()

	sendLine(t, rw, "frobnicate")
	require.Equal(t, ErrorResponse+Separator, readLine(t, rw))
}
