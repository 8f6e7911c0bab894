// Package recycle pools fixed-size byte buffers so connection reads and
// item values can move through the server without an allocation per
// command or per GET response.
package recycle

import (
	"io"
	"sync"
)

// DefaultChunkSize bounds the largest value/command this pool hands out
// without falling back to a plain allocation.
const DefaultChunkSize = 1 << 16

// Pool is a sync.Pool of same-sized byte slices.
type Pool struct {
	chunkSize int
	pool      sync.Pool
}

// NewPool builds a Pool. chunkSize defaults to DefaultChunkSize.
func NewPool(chunkSize ...int) *Pool {
	sz := DefaultChunkSize
	if len(chunkSize) > 0 && chunkSize[0] > 0 {
		sz = chunkSize[0]
	}
	p := &Pool{chunkSize: sz}
	p.pool.New = func() interface{} {
		buf := make([]byte, sz)
		return &buf
	}
	return p
}

// MaxChunkSize is the size of every buffer this pool recycles.
func (p *Pool) MaxChunkSize() int { return p.chunkSize }

func (p *Pool) get() []byte {
	buf := p.pool.Get().(*[]byte)
	return (*buf)[:p.chunkSize]
}

func (p *Pool) put(buf []byte) {
	if cap(buf) != p.chunkSize {
		return
	}
	buf = buf[:p.chunkSize]
	p.pool.Put(&buf)
}

// Data is a pooled buffer holding exactly one item's value, sized to n
// bytes. Callers must Close it once they are done reading it, returning the
// backing chunk to the pool.
type Data struct {
	pool *Pool
	buf  []byte
}

// NewData carves a Data of length n out of the pool. An n larger than
// pool.MaxChunkSize() gets a plain, unpooled allocation instead.
func (p *Pool) NewData(n int) *Data {
	if n > p.chunkSize {
		return &Data{buf: make([]byte, n)}
	}
	return &Data{pool: p, buf: p.get()[:n]}
}

// Bytes exposes the buffer for in-place filling.
func (d *Data) Bytes() []byte { return d.buf }

func (d *Data) Len() int { return len(d.buf) }

// WriteTo writes the buffer's full contents to w, satisfying io.WriterTo so
// callers can stream a value straight to a connection.
func (d *Data) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(d.buf)
	return int64(n), err
}

// Close returns the backing chunk to its pool. Safe to call more than once.
func (d *Data) Close() error {
	if d.pool != nil {
		d.pool.put(d.buf[:cap(d.buf)])
		d.pool = nil
	}
	return nil
}
