package flat

import "math"

// ChunkPtr is a compact identifier addressing a chunk-sized slot within the
// region, expressed in small-chunk-sized units (spec.md's
// CHUNK_ADDRESSING_SZ == SmallChunkSz for this implementation -- see
// Config). The large chunk containing a slot is ptr / smallPerLarge; the
// slot's position inside that large chunk is ptr % smallPerLarge. Slot 0 of
// a large chunk is also that large chunk's title/body address, matching
// spec.md's "first small chunk of a broken large chunk shares the address
// of its large-title view" invariant.
type ChunkPtr uint32

// NullChunkPtr is the "none" sentinel. It is out of range of any real
// region (capacity is bounded well below 2^32 small-chunk units), so it
// never collides with a real address.
const NullChunkPtr ChunkPtr = ChunkPtr(math.MaxUint32)

// ItemPtr addresses an item by the ChunkPtr of its title chunk.
type ItemPtr = ChunkPtr

const NullItemPtr ItemPtr = NullChunkPtr

type chunkFlags uint16

const (
	flagInitialized chunkFlags = 1 << iota
	flagFree
	flagUsed
	flagBroken          // large chunk only
	flagTitle           // title chunk (large or small)
	flagCoalescePending // small chunk only
)

// ItemFlags are the it_flags bits on an item header.
type ItemFlags uint8

const (
	ItemValid ItemFlags = 1 << iota
	ItemLinked
	ItemDeleted
	ItemHasTimestamp
	ItemHasIPAddress
)

// itemHeader is the layout shared by large-title and small-title chunks.
// It corresponds to spec.md's "item header" / "empty_header" view: in the C
// source this is literally overlaid in memory so that type-agnostic code
// can touch it through either variant. Here it is a plain Go struct
// embedded in both titleChunk-ish views (chunk.go) instead of a raw memory
// overlay -- spec.md section 9 explicitly allows this ("a re-implementation
// may choose to drop [the overlay] so long as the chunkptr to variant
// decoding remains unambiguous").
type itemHeader struct {
	hNext ItemPtr // assoc hash-chain link; opaque to this package

	next, prev ItemPtr // LRU neighbours
	nextChunk  ChunkPtr // first body chunk of this item

	timeSec  int64
	exptime  int64
	nbytes   int64
	nkey     int64
	refcount int32
	itFlags  ItemFlags
	flags    int32 // client-supplied flags, opaque
}

// largeChunk is a tagged-variant view of one LARGE_CHUNK_SZ slot. Exactly
// one of the "variant" field groups is meaningful at a time, selected by
// flags -- see isFree/isBroken/isTitleChunk/isBodyChunk.
type largeChunk struct {
	flags chunkFlags

	// free-large variant: singly-linked LIFO.
	freeNext ChunkPtr

	// large-title variant.
	title itemHeader

	// large-body variant: forward chain only (no prev needed for large
	// class, per spec.md).
	bodyNext ChunkPtr

	// large-broken variant: subdivision into small chunks.
	small                []smallChunk
	smallChunksAllocated int
}

func (c *largeChunk) isFree() bool   { return c.flags&flagFree != 0 }
func (c *largeChunk) isUsed() bool   { return c.flags&flagUsed != 0 }
func (c *largeChunk) isBroken() bool { return c.flags&flagBroken != 0 }
func (c *largeChunk) isTitle() bool  { return c.flags&flagTitle != 0 }

// smallChunk is a tagged-variant view of one SMALL_CHUNK_SZ slot within a
// broken large chunk.
type smallChunk struct {
	flags chunkFlags

	// free-small variant: classic doubly-linked list (spec.md section 9
	// sanctions this as equivalent to the C source's back-pointer-to-slot
	// trick, and it removes arbitrarily in O(1) all the same).
	freePrev, freeNext ChunkPtr

	// small-title variant.
	title itemHeader

	// small-body variant.
	prevChunk ChunkPtr
	nextChunk ChunkPtr
}

func (c *smallChunk) isFree() bool             { return c.flags&flagFree != 0 }
func (c *smallChunk) isUsed() bool             { return c.flags&flagUsed != 0 }
func (c *smallChunk) isTitle() bool            { return c.flags&flagTitle != 0 }
func (c *smallChunk) isCoalescePending() bool  { return c.flags&flagCoalescePending != 0 }
