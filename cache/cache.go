// Package cache is the top-level handler: it wires the flat storage engine,
// the assoc hash table and the relative clock together behind a single
// mutex (spec.md section 5's single logical cache lock) and exposes the
// memcached-shaped Set/Get/Delete/FlushAll API the connection layer drives.
package cache

import (
	"io"
	"sync"

	"github.com/skipor/flatcache/cache/assoc"
	"github.com/skipor/flatcache/cache/clock"
	"github.com/skipor/flatcache/cache/flat"
	"github.com/skipor/flatcache/internal/recycle"
)

// ItemMeta is the metadata parsed out of a "set" command line.
type ItemMeta struct {
	Key     string
	Flags   int32
	Exptime int64
	Bytes   int
}

// Item is a fully-read "set" command: metadata plus the value bytes,
// pool-backed so the connection layer can zero-copy hand it to the engine.
type Item struct {
	ItemMeta
	Data *recycle.Data
	// ClientIP is the storing connection's remote address, IPv4-mapped.
	// Zero when the transport has no notion of one (e.g. a pipe in tests)
	// or the peer is IPv6.
	ClientIP [4]byte
}

// ItemView is a "get" response: metadata plus a pool-backed reader the
// connection layer streams to the socket and must Close once done.
type ItemView struct {
	Key    string
	Flags  int32
	Bytes  int
	Reader interface {
		io.WriterTo
		io.Closer
	}
}

// settings is the subset of config.Settings the Cache needs.
type settings interface {
	flat.Settings
	SetOldestLive(t int64)
}

// Cache implements the Handler the connection layer drives.
type Cache struct {
	mu       sync.Mutex
	engine   *flat.Engine
	assoc    *assoc.Table
	clock    *clock.Clock
	settings settings
	pool     *recycle.Pool
}

// New builds a Cache: a flat.Engine sized by cfg, an assoc table threaded
// through the engine's own item storage, and a background relative clock.
func New(cfg flat.Config, set settings, pool *recycle.Pool) (*Cache, error) {
	if pool == nil {
		chunkSize := int(cfg.MaxItemSize)
		pool = recycle.NewPool(chunkSize)
	}
	c := &Cache{
		clock:    clock.New(),
		settings: set,
		pool:     pool,
	}
	engine, err := flat.New(cfg, nil, c.clock, set)
	if err != nil {
		c.clock.Close()
		return nil, err
	}
	c.engine = engine
	c.assoc = assoc.New(engine)
	// Assoc needed the engine to exist before it could be built, and Engine
	// needed an Assoc at construction -- break the cycle by patching it in.
	engine.SetAssoc(c.assoc)
	return c, nil
}

// Pool returns the recycle pool backing Get responses, so the connection
// layer can share it for reading commands and data blocks.
func (c *Cache) Pool() *recycle.Pool { return c.pool }

// Close releases the engine's mmap and stops the clock.
func (c *Cache) Close() error {
	c.clock.Close()
	return c.engine.Close()
}

// Set stores i, replacing any existing value for the same key. The caller
// gives up ownership of i.Data; Set closes it once copied.
func (c *Cache) Set(i Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer i.Data.Close()

	key := []byte(i.Key)
	exptime := normalizeExptime(i.Exptime, c.clock.Now())

	it, err := c.engine.Alloc(key, i.Flags, exptime, int64(i.Bytes), i.ClientIP)
	if err != nil {
		return
	}
	c.engine.MemcpyTo(it, 0, i.Data.Bytes())

	if old, ok := c.engine.GetNoCheck(key); ok {
		c.engine.Replace(old, it, key)
		c.engine.Deref(old)
	} else {
		c.engine.Link(it, key)
	}
	// Alloc's refcount is the caller's own construction-time hold; drop it
	// now that the item is stored, so it's evictable until a later Get
	// hands out a fresh reference.
	c.engine.Deref(it)
}

// normalizeExptime turns a protocol exptime (0 = never, >30 days = absolute
// unix time, else relative seconds) into the engine's absolute-relative-time
// representation, mirroring memcached's realtime().
func normalizeExptime(exptime int64, now int64) int64 {
	const thirtyDays = 60 * 60 * 24 * 30
	if exptime == 0 {
		return 0
	}
	if exptime > thirtyDays {
		return exptime
	}
	return now + exptime
}

// Get returns a view for each key found, skipping misses.
func (c *Cache) Get(keys ...[]byte) []ItemView {
	c.mu.Lock()
	defer c.mu.Unlock()

	views := make([]ItemView, 0, len(keys))
	for _, key := range keys {
		it, ok := c.engine.Get(key)
		if !ok {
			continue
		}
		f := c.engine.Fields(it)
		data := c.pool.NewData(int(f.Nbytes))
		c.engine.MemcpyFrom(data.Bytes(), it, 0)
		c.engine.Update(it)
		c.engine.Deref(it)

		views = append(views, ItemView{
			Key:    string(key),
			Flags:  f.Flags,
			Bytes:  int(f.Nbytes),
			Reader: data,
		})
	}
	return views
}

// Delete removes key's entry, if present.
func (c *Cache) Delete(key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.engine.GetNoCheck(key)
	if !ok {
		return false
	}
	c.engine.Unlink(it, flat.UnlinkNormal, key)
	c.engine.Deref(it)
	return true
}

// FlushAll invalidates every item touched before now+delaySeconds, applying
// it immediately against the current LRU contents.
func (c *Cache) FlushAll(delaySeconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings.SetOldestLive(c.clock.Now() + delaySeconds)
	c.engine.FlushExpired()
}

// AllocatorStats renders the flat storage "STAT ..." block.
func (c *Cache) AllocatorStats() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.AllocatorStats()
}

// StatsSizes renders the item-size histogram.
func (c *Cache) StatsSizes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.StatsSizes()
}

// CacheDump renders up to limit bytes of ITEM lines for the given size
// class ("1" for small, "2" for large, matching memcached's slab-class
// numbering convention).
func (c *Cache) CacheDump(class string, limit int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := flat.SmallChunk
	if class == "2" {
		cc = flat.LargeChunk
	}
	return c.engine.CacheDump(cc, limit)
}
