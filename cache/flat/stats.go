package flat

import (
	"bytes"
	"fmt"
)

// Stats accumulates the lifetime counters spec.md section 6 requires
// AllocatorStats to expose. BrokenChunkHistogram is sized
// SmallChunksPerLargeChunk+1 at Engine construction, since that count is a
// Config runtime value here rather than a compile-time constant.
type Stats struct {
	CurrItems  int64
	TotalItems int64

	ItemTotalSize int64 // sum of nkey+nbytes over all linked items

	Evictions   int64
	Expirations int64

	LargeTitleChunks int64
	LargeBodyChunks  int64
	SmallTitleChunks int64
	SmallBodyChunks  int64

	LargeBrokenChunks int64
	BreakEvents       int64
	UnbreakEvents     int64
	Migrates          int64

	// BrokenChunkHistogram[k] counts broken large chunks with exactly k
	// live small children, k in [0, SmallChunksPerLargeChunk].
	BrokenChunkHistogram []int64
}

// AllocatorStats renders the STAT <name> <value> block flat_allocator_stats
// produces, terminated by END.
func (e *Engine) AllocatorStats() []byte {
	var buf bytes.Buffer
	s := &e.stats

	stat := func(name string, v int64) {
		fmt.Fprintf(&buf, "STAT %s %d\r\n", name, v)
	}

	stat("large_chunk_sz", e.cfg.LargeChunkSz)
	stat("small_chunk_sz", e.cfg.SmallChunkSz)
	stat("total_large_chunks", e.region.totalLarge)
	stat("committed_large_chunks", e.region.committedLarge)
	stat("unused_memory", e.region.unusedMemory)
	stat("large_free_list_sz", e.largeFreeSz)
	stat("small_free_list_sz", e.smallFreeSz)
	stat("large_title_chunks", s.LargeTitleChunks)
	stat("large_body_chunks", s.LargeBodyChunks)
	stat("small_title_chunks", s.SmallTitleChunks)
	stat("small_body_chunks", s.SmallBodyChunks)
	stat("large_broken_chunks", s.LargeBrokenChunks)
	stat("break_events", s.BreakEvents)
	stat("unbreak_events", s.UnbreakEvents)
	stat("migrates", s.Migrates)
	stat("curr_items", s.CurrItems)
	stat("total_items", s.TotalItems)
	stat("evictions", s.Evictions)
	stat("expirations", s.Expirations)
	stat("oldest_item_lifetime", e.oldestItemLifetime())

	for k, count := range s.BrokenChunkHistogram {
		fmt.Fprintf(&buf, "STAT broken_chunk_histogram %d %d\r\n", k, count)
	}

	buf.WriteString("END\r\n")
	return buf.Bytes()
}

func (e *Engine) oldestItemLifetime() int64 {
	if e.lruTail == NullItemPtr {
		return 0
	}
	now := e.clock.Now()
	age := now - e.header(e.lruTail).timeSec
	if age < 0 {
		return 0
	}
	return age
}

// CacheDump renders up to ItemCacheDumpLimit bytes of ITEM lines for linked
// items of the given size class, most-recently-touched first, per
// do_item_cachedump. Each line carries the item's byte size and its absolute
// (wall-clock) expiration time, or 0 if it never expires.
func (e *Engine) CacheDump(class ChunkClass, limit int) []byte {
	if limit <= 0 || limit > e.cfg.ItemCacheDumpLimit {
		limit = e.cfg.ItemCacheDumpLimit
	}
	started := e.clock.Started()

	var buf bytes.Buffer
	var scratch [KeyMaxLength]byte

	for it := e.lruHead; it != NullItemPtr; {
		h := e.header(it)
		next := h.next

		large := e.isItemLarge(it)
		if (large && class == LargeChunk) || (!large && class == SmallChunk) {
			key := e.keyCopy(it, scratch[:])

			var abs int64
			if h.exptime != 0 {
				abs = started + h.exptime
			}
			line := fmt.Sprintf("ITEM %s [%d b; %d s]\r\n", key, h.nbytes, abs)
			if buf.Len()+len(line)+len("END\r\n") > limit {
				break
			}
			buf.WriteString(line)
		}
		it = next
	}

	buf.WriteString("END\r\n")
	return buf.Bytes()
}

// statsSizesBucket is 32 bytes, matching memcached's stats-sizes bucketing.
const statsSizesBucket = 32

// StatsSizes renders a histogram of linked item sizes (key plus value bytes)
// rounded down to a multiple of statsSizesBucket, in a single pass over the
// LRU.
//
// The original do_item_stats_sizes walks the shared LRU list once per size
// class header, but both large and small items are threaded through the
// same lruHead/lruTail in this engine (and were, in effect, in the source
// the histogram was modeled on too) -- so a second pass would recount every
// item. This renders the histogram with one pass.
func (e *Engine) StatsSizes() []byte {
	buckets := map[int64]int64{}

	for it := e.lruHead; it != NullItemPtr; {
		h := e.header(it)
		total := h.nkey + h.nbytes
		bucket := (total / statsSizesBucket) * statsSizesBucket
		buckets[bucket]++
		it = h.next
	}

	var buf bytes.Buffer
	for size := int64(0); size <= e.cfg.MaxItemSize+KeyMaxLength; size += statsSizesBucket {
		if count, ok := buckets[size]; ok {
			fmt.Fprintf(&buf, "STAT %d %d\r\n", size, count)
		}
	}
	buf.WriteString("END\r\n")
	return buf.Bytes()
}
