package memcached

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/facebookgo/stackerr"
	"github.com/skipor/flatcache/cache"
	"github.com/skipor/flatcache/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer   io.Closer
	clientIP [4]byte
	*ConnMeta
	log log.Logger
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc, m.Pool),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		clientIP: remoteIPv4(rwc),
		ConnMeta: m,
		log:      l,
	}
}

// remoteIPv4 pulls rwc's remote address and reduces it to the stamp's
// IPv4 form, zero if rwc isn't a net.Conn or its peer isn't IPv4 (a
// net.Pipe in tests, or an IPv6 client).
func remoteIPv4(rwc io.ReadWriteCloser) (ip [4]byte) {
	nc, ok := rwc.(net.Conn)
	if !ok {
		return
	}
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return
	}
	v4 := net.ParseIP(host).To4()
	if v4 == nil {
		return
	}
	copy(ip[:], v4)
	return
}

func (c *conn) serve() {
	c.log.Info("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			panic(c)
		}
		c.Close()
		c.log.Info("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand, GetsCommand:
				clientErr, err = c.get(fields)
			case SetCommand:
				clientErr, err = c.set(fields)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			case FlushAllCommand:
				clientErr, err = c.flushAll(fields)
			case StatsCommand:
				clientErr, err = c.stats(fields)
			default:
				c.log.Error("Unexpected command: ", command)
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) get(fields [][]byte) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	for _, key := range fields {
		clientErr = checkKey(key)
		if clientErr != nil {
			return
		}
	}

	views := c.Cache.Get(fields...)

	err = c.sendGetResponse(views)
	return
}

func (c *conn) sendGetResponse(views []cache.ItemView) error {
	c.log.Debugf("Sending %v founded values.", len(views))
	var readerIndex int
	defer func() {
		// Close readers which was not successfully readed.
		for ; readerIndex < len(views); readerIndex++ {
			views[readerIndex].Reader.Close()
		}
	}()
	for ; readerIndex < len(views); readerIndex++ {
		view := views[readerIndex]
		c.log.Debugf("Sending value %v. Key %s.", readerIndex, view.Key)
		c.WriteString(ValueResponse)
		c.WriteByte(' ')
		c.WriteString(view.Key)
		fmt.Fprintf(c, " %v %v"+Separator, view.Flags, view.Bytes)
		view.Reader.WriteTo(c)
		_, err := c.WriteString(Separator)
		if err != nil {
			return stackerr.Wrap(err)
		}
		view.Reader.Close()
	}
	return c.sendResponse(EndResponse)
}

func (c *conn) set(fields [][]byte) (clientErr, err error) {
	var i cache.Item
	var noreply bool
	i.ItemMeta, noreply, clientErr = parseSetFields(fields)
	if clientErr != nil {
		err = c.discardCommand()
		return
	}
	c.log.Debugf("set %#v", i.ItemMeta)

	if i.Bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(i.Bytes + len(Separator))
		return
	}

	i.Data, clientErr, err = c.readDataBlock(i.Bytes)
	if err != nil || clientErr != nil {
		return
	}
	i.ClientIP = c.clientIP

	c.Cache.Set(i)

	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(StoredResponse)
	return
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	const extraRequired = 0
	var key []byte
	var noreply bool
	key, _, noreply, clientErr = parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	c.log.Debugf("delete %s; noreply: %v", key, noreply)

	deleted := c.Cache.Delete(key)

	if noreply {
		err = c.Flush()
		return
	}
	var response string
	if deleted {
		response = DeletedResponse
	} else {
		response = NotFoundResponse
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) flushAll(fields [][]byte) (clientErr, err error) {
	var delay int64
	var noreply bool
	if len(fields) > 0 {
		if fields[0][0] == 'n' { // flush_all noreply, no delay
			noreply = string(fields[0]) == "noreply"
		} else {
			delay, clientErr = parseInt64(fields[0])
			if clientErr != nil {
				return
			}
			if len(fields) > 1 {
				noreply = string(fields[1]) == "noreply"
			}
		}
	}
	c.log.Debugf("flush_all %v; noreply: %v", delay, noreply)

	c.Cache.FlushAll(delay)

	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(OkResponse)
	return
}

func (c *conn) stats(fields [][]byte) (clientErr, err error) {
	var out []byte
	switch {
	case len(fields) == 0:
		out = c.Cache.AllocatorStats()
	case string(fields[0]) == "sizes":
		out = c.Cache.StatsSizes()
	case string(fields[0]) == "cachedump":
		if len(fields) < 3 {
			clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
			return
		}
		limit, perr := parseInt64(fields[2])
		if perr != nil {
			clientErr = perr
			return
		}
		out = c.Cache.CacheDump(string(fields[1]), int(limit))
	default:
		c.log.Error("Unexpected stats subcommand: ", fields[0])
		err = c.sendResponse(ErrorResponse)
		return
	}
	_, err = c.Write(out)
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	err = c.Flush()
	return
}

func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	if err == io.ErrUnexpectedEOF {
		return
	}
	err = unwrap(err)
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, err))
}

func (c *conn) sendClientError(err error) error {
	c.log.Error("Client error: ", err)
	err = unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}
