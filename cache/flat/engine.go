package flat

// Assoc is the external keyed lookup table collaborator (spec.md section
// 6). Engine never inspects hash internals; it only needs these four
// operations, each assumed to run under the same cache lock as Engine's own
// methods.
type Assoc interface {
	Insert(it ItemPtr, key []byte)
	Find(key []byte) (ItemPtr, bool)
	Delete(key []byte)
	// Update rewrites the hash-chain pointer in place when a coalesce
	// migrates a title chunk from oldPtr to newPtr for the same key.
	Update(oldPtr, newPtr ItemPtr)
}

// Clock is the wall/relative time collaborator (spec.md section 6).
type Clock interface {
	// Now returns relative seconds since the clock started.
	Now() int64
	// Started returns the wall-clock epoch the clock started at, used to
	// render absolute times in cachedump.
	Started() int64
}

// Settings is the subset of global settings the engine reads.
type Settings interface {
	// OldestLive is the flush_all barrier: items last touched at or
	// before this relative time are considered flushed. 0 means no
	// flush barrier is active.
	OldestLive() int64
}

// Engine is the flat storage engine: the hard core of a memcached-style
// cache. It is not safe for concurrent use -- every method call must be
// serialized by the caller under a single logical cache lock, per
// spec.md section 5.
type Engine struct {
	cfg    Config
	region *Region

	large []largeChunk

	largeFreeHead ChunkPtr
	largeFreeSz   int64
	smallFreeHead ChunkPtr
	smallFreeSz   int64

	lruHead, lruTail ItemPtr

	stats Stats

	assoc    Assoc
	clock    Clock
	settings Settings
}

// New builds an Engine, mmaps its region, and seeds the free lists with one
// increment's worth of large chunks -- mirroring flat_storage_init's single
// seeding call to flat_storage_alloc.
func New(cfg Config, assoc Assoc, clock Clock, settings Settings) (*Engine, error) {
	region, err := newRegion(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:           cfg,
		region:        region,
		largeFreeHead: NullChunkPtr,
		smallFreeHead: NullChunkPtr,
		lruHead:       NullItemPtr,
		lruTail:       NullItemPtr,
		assoc:         assoc,
		clock:         clock,
		settings:      settings,
	}
	e.stats.BrokenChunkHistogram = make([]int64, cfg.smallChunksPerLarge()+1)
	if !e.growRegion() {
		region.Close()
		return nil, ErrOutOfMemory
	}
	return e, nil
}

// SetAssoc wires the assoc table after construction, for the common case
// where Assoc itself needs a live Engine (for HNext/KeyCompare) before it
// can be built.
func (e *Engine) SetAssoc(assoc Assoc) { e.assoc = assoc }

// Close releases the underlying mmap.
func (e *Engine) Close() error {
	return e.region.Close()
}

func (e *Engine) smallPerLarge() int64 { return e.cfg.smallChunksPerLarge() }

func (e *Engine) chunkptr(largeIdx, slot int64) ChunkPtr {
	return ChunkPtr(largeIdx*e.smallPerLarge() + slot)
}

func (e *Engine) split(p ChunkPtr) (largeIdx, slot int64) {
	n := e.smallPerLarge()
	return int64(p) / n, int64(p) % n
}

func (e *Engine) largeAt(idx int64) *largeChunk { return &e.large[idx] }

func (e *Engine) smallAt(idx, slot int64) *smallChunk { return &e.large[idx].small[slot] }

// header returns the item header for an ItemPtr regardless of whether it
// addresses a large-title or small-title chunk -- the spec.md
// "empty_header" type-agnostic view.
func (e *Engine) header(p ItemPtr) *itemHeader {
	idx, slot := e.split(p)
	lc := e.largeAt(idx)
	if lc.isBroken() {
		return &lc.small[slot].title
	}
	return &lc.title
}

func (e *Engine) isItemLarge(p ItemPtr) bool {
	idx, _ := e.split(p)
	return !e.large[idx].isBroken()
}

// growRegion commits one more IncrementDelta of large chunks, grows the Go
// side chunk array to match, and free-list-pushes each newly committed
// large chunk. Returns true if it grew the region.
func (e *Engine) growRegion() bool {
	n := e.region.grow()
	if n == 0 {
		return false
	}
	start := int64(len(e.large))
	for i := int64(0); i < n; i++ {
		e.large = append(e.large, largeChunk{flags: flagInitialized})
	}
	for i := start; i < start+n; i++ {
		e.freeListPush(e.chunkptr(i, 0), LargeChunk, false)
	}
	return true
}
