package flat

import "github.com/skipor/flatcache/internal/tag"

// freeListPush pushes chunk onto the free list for its class. chunk must be
// INITIALIZED but not USED. Afterwards its flags are INITIALIZED|FREE. When
// class is SmallChunk and tryMerge is true, a successful push may trigger
// an opportunistic (non-mandatory) unbreak of the chunk's parent large
// chunk once it has zero live children. Large-class pushes never merge.
func (e *Engine) freeListPush(p ChunkPtr, class ChunkClass, tryMerge bool) {
	if tryMerge && class == LargeChunk {
		panic("flat: tryMerge is only valid for small chunks")
	}

	switch class {
	case SmallChunk:
		idx, slot := e.split(p)
		parent := e.largeAt(idx)
		sc := &parent.small[slot]
		if sc.flags != flagInitialized {
			panic("flat: freeListPush(small): chunk not bare INITIALIZED")
		}

		e.stats.BrokenChunkHistogram[parent.smallChunksAllocated]--
		parent.smallChunksAllocated--
		e.stats.BrokenChunkHistogram[parent.smallChunksAllocated]++

		sc.freePrev = NullChunkPtr
		sc.freeNext = e.smallFreeHead
		if e.smallFreeHead != NullChunkPtr {
			oldHeadIdx, oldHeadSlot := e.split(e.smallFreeHead)
			e.smallAt(oldHeadIdx, oldHeadSlot).freePrev = p
		}
		e.smallFreeHead = p
		e.smallFreeSz++

		sc.flags = flagInitialized | flagFree
		if tag.Debug {
			poison(e.region.smallBytes(idx, slot))
		}

		if tryMerge {
			e.unbreakLargeChunk(idx, false)
		}

	case LargeChunk:
		idx, _ := e.split(p)
		lc := e.largeAt(idx)
		if lc.flags != flagInitialized {
			panic("flat: freeListPush(large): chunk not bare INITIALIZED")
		}
		lc.freeNext = e.largeFreeHead
		e.largeFreeHead = p
		e.largeFreeSz++
		lc.flags = flagInitialized | flagFree
		if tag.Debug {
			poison(e.region.largeBytes(idx))
		}
	}
}

// poison overwrites freed payload bytes so a use-after-free in a debug
// build reads obviously-wrong data instead of whatever the chunk's last
// occupant left behind.
func poison(b []byte) {
	for i := range b {
		b[i] = 0xde
	}
}

// freeListPop pops the head of the free list for class, or returns
// (NullChunkPtr, false) if empty.
func (e *Engine) freeListPop(class ChunkClass) (ChunkPtr, bool) {
	switch class {
	case SmallChunk:
		if e.smallFreeSz == 0 {
			return NullChunkPtr, false
		}
		p := e.smallFreeHead
		idx, slot := e.split(p)
		parent := e.largeAt(idx)
		sc := &parent.small[slot]

		e.stats.BrokenChunkHistogram[parent.smallChunksAllocated]--
		parent.smallChunksAllocated++
		e.stats.BrokenChunkHistogram[parent.smallChunksAllocated]++
		if parent.smallChunksAllocated > int(e.smallPerLarge()) {
			panic("flat: small_chunks_allocated overflow")
		}

		e.smallFreeHead = sc.freeNext
		if e.smallFreeHead != NullChunkPtr {
			nextIdx, nextSlot := e.split(e.smallFreeHead)
			e.smallAt(nextIdx, nextSlot).freePrev = NullChunkPtr
		}
		e.smallFreeSz--

		if sc.flags != flagInitialized|flagFree {
			panic("flat: freeListPop(small): unexpected flags")
		}
		sc.flags &^= flagFree
		return p, true

	case LargeChunk:
		if e.largeFreeSz == 0 {
			return NullChunkPtr, false
		}
		p := e.largeFreeHead
		idx, _ := e.split(p)
		lc := e.largeAt(idx)

		e.largeFreeHead = lc.freeNext
		e.largeFreeSz--

		if lc.flags != flagInitialized|flagFree {
			panic("flat: freeListPop(large): unexpected flags")
		}
		lc.flags &^= flagFree
		return p, true
	}
	return NullChunkPtr, false
}

// removeSmallFree splices a small chunk out of the small-free list given
// its own pointer. Caller must know the chunk is currently FREE.
func (e *Engine) removeSmallFree(p ChunkPtr) {
	idx, slot := e.split(p)
	sc := e.smallAt(idx, slot)
	if sc.freePrev == NullChunkPtr {
		e.smallFreeHead = sc.freeNext
	} else {
		pIdx, pSlot := e.split(sc.freePrev)
		e.smallAt(pIdx, pSlot).freeNext = sc.freeNext
	}
	if sc.freeNext != NullChunkPtr {
		nIdx, nSlot := e.split(sc.freeNext)
		e.smallAt(nIdx, nSlot).freePrev = sc.freePrev
	}
	e.smallFreeSz--
}
