package memcached

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/flatcache/cache"
	"github.com/skipor/flatcache/cache/flat"
	"github.com/skipor/flatcache/internal/recycle"
)

const (
	GetCommand      = "get"
	GetsCommand     = "gets"
	SetCommand      = "set"
	DeleteCommand   = "delete"
	FlushAllCommand = "flush_all"
	StatsCommand    = "stats"

	Separator = "\r\n"

	ValueResponse       = "VALUE"
	EndResponse         = "END"
	StoredResponse      = "STORED"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	OkResponse          = "OK"
	ErrorResponse       = "ERROR"
	ServerErrorResponse = "SERVER_ERROR"
	ClientErrorResponse = "CLIENT_ERROR"

	// MaxCommandLength is the smallest recycle pool chunk size NewConnMeta
	// accepts. A connection's reader buffer is the pool's chunk size, and a
	// command line longer than that buffer is rejected with ErrCommandTooLong.
	MaxCommandLength = 1 << 10
	// OutBufferSize sizes the buffered socket writer.
	OutBufferSize = 1 << 16
)

var (
	ErrMoreFieldsRequired = errors.New("more fields required")
	ErrTooLargeItem       = errors.New("object too large for cache")
	ErrBadCommandLine     = errors.New("bad command line format")
	ErrCommandTooLong     = errors.New("command line too long")
)

// ConnMeta is shared, read-only state handed to every connection spawned
// from the same listener.
type ConnMeta struct {
	Pool        *recycle.Pool
	Cache       Handler
	MaxItemSize int
}

// NewConnMeta builds a ConnMeta around pool (shared with the Cache's own
// Get-response buffers, for one bounded pool of value-sized chunks instead
// of two) and panics if it's too small to zero-copy-read a full command
// line.
func NewConnMeta(c Handler, pool *recycle.Pool, maxItemSize int) *ConnMeta {
	if pool.MaxChunkSize() < MaxCommandLength {
		panic("flatcache: recycle pool chunk size smaller than MaxCommandLength")
	}
	return &ConnMeta{
		Pool:        pool,
		Cache:       c,
		MaxItemSize: maxItemSize,
	}
}

// reader reads commands and data blocks off a connection, handing out
// item-data buffers from pool so a "set" payload is read once, straight
// into the buffer the engine will later copy out of.
type reader struct {
	br   *bufio.Reader
	pool *recycle.Pool
}

func newReader(rwc io.Reader, pool *recycle.Pool) reader {
	return reader{br: bufio.NewReaderSize(rwc, pool.MaxChunkSize()), pool: pool}
}

// readCommand reads one command line and splits it on whitespace.
// clientErr is set, with err nil, on a malformed line the caller should
// report to the client and keep serving past; err signals an unrecoverable
// I/O failure.
func (r *reader) readCommand() (command []byte, fields [][]byte, clientErr, err error) {
	line, ioErr := r.br.ReadSlice('\n')
	if ioErr != nil {
		if ioErr == bufio.ErrBufferFull {
			r.discardLine()
			clientErr = stackerr.Wrap(ErrCommandTooLong)
			return
		}
		err = ioErr
		return
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	all := bytes.Fields(line)
	if len(all) == 0 {
		clientErr = stackerr.Wrap(ErrBadCommandLine)
		return
	}
	command, fields = all[0], all[1:]
	return
}

func (r *reader) discardLine() {
	for {
		_, err := r.br.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

// discardCommand drains input up through the next line terminator, used to
// skip the data block of a set whose command line failed to parse.
func (r *reader) discardCommand() error {
	r.discardLine()
	return nil
}

// Discard skips exactly n bytes of input.
func (r *reader) Discard(n int) (int, error) {
	return r.br.Discard(n)
}

// readDataBlock reads exactly n bytes of item data followed by the
// protocol's trailing separator, into a pool-backed buffer.
func (r *reader) readDataBlock(n int) (data *recycle.Data, clientErr, err error) {
	data = r.pool.NewData(n)
	if _, ioErr := io.ReadFull(r.br, data.Bytes()); ioErr != nil {
		data.Close()
		return nil, nil, stackerr.Wrap(ioErr)
	}
	var sep [len(Separator)]byte
	if _, ioErr := io.ReadFull(r.br, sep[:]); ioErr != nil {
		data.Close()
		return nil, nil, stackerr.Wrap(ioErr)
	}
	if string(sep[:]) != Separator {
		data.Close()
		return nil, stackerr.Wrap(ErrBadCommandLine), nil
	}
	return data, nil, nil
}

func parseInt64(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, stackerr.Wrap(ErrBadCommandLine)
	}
	return n, nil
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return stackerr.Wrap(errors.New("empty key"))
	}
	if len(key) > flat.KeyMaxLength {
		return stackerr.Wrap(errors.New("key too long"))
	}
	for _, b := range key {
		if b <= ' ' || b == 0x7f {
			return stackerr.Wrap(errors.New("bad key: contains control character or space"))
		}
	}
	return nil
}

// parseKeyFields parses "<key> [extra...] [noreply]", used by delete.
func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1+extraRequired {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	if cerr := checkKey(key); cerr != nil {
		err = cerr
		return
	}
	extra = fields[1 : 1+extraRequired]
	if rest := fields[1+extraRequired:]; len(rest) > 0 {
		noreply = string(rest[0]) == "noreply"
	}
	return
}

// parseSetFields parses "<key> <flags> <exptime> <bytes> [noreply]".
func parseSetFields(fields [][]byte) (meta cache.ItemMeta, noreply bool, err error) {
	if len(fields) < 4 {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key := fields[0]
	if cerr := checkKey(key); cerr != nil {
		err = cerr
		return
	}
	flags, ferr := strconv.ParseInt(string(fields[1]), 10, 32)
	if ferr != nil {
		err = stackerr.Wrap(ErrBadCommandLine)
		return
	}
	exptime, eerr := strconv.ParseInt(string(fields[2]), 10, 64)
	if eerr != nil {
		err = stackerr.Wrap(ErrBadCommandLine)
		return
	}
	nbytes, berr := strconv.ParseInt(string(fields[3]), 10, 64)
	if berr != nil || nbytes < 0 {
		err = stackerr.Wrap(ErrBadCommandLine)
		return
	}
	if len(fields) > 4 {
		noreply = string(fields[4]) == "noreply"
	}
	meta = cache.ItemMeta{
		Key:     string(key),
		Flags:   int32(flags),
		Exptime: exptime,
		Bytes:   int(nbytes),
	}
	return
}

// unwrap strips stackerr's stack-trace wrapping off err, returning the
// underlying message a client response should carry.
func unwrap(err error) error {
	type causer interface{ Underlying() error }
	for {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		u := c.Underlying()
		if u == nil {
			return err
		}
		err = u
	}
}
