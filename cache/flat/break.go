package flat

// breakLargeChunk converts an unused, bare INITIALIZED large chunk into
// SmallChunksPerLargeChunk small chunks and pushes each onto the small
// free list. The allocated counter is set to the max and reset to zero
// around the pushes purely to avoid transient histogram thrash (matching
// flat_storage.c's comment on the same trick).
func (e *Engine) breakLargeChunk(idx int64) {
	lc := e.largeAt(idx)
	if lc.flags != flagInitialized {
		panic("flat: breakLargeChunk: chunk not bare INITIALIZED")
	}
	lc.flags |= flagUsed | flagBroken

	n := int(e.smallPerLarge())
	lc.small = make([]smallChunk, n)
	lc.smallChunksAllocated = n
	e.stats.BrokenChunkHistogram[n]++

	for i := n - 1; i >= 0; i-- {
		lc.small[i].flags = flagInitialized
		e.freeListPush(e.chunkptr(idx, int64(i)), SmallChunk, false)
	}
	lc.smallChunksAllocated = 0

	e.stats.LargeBrokenChunks++
	e.stats.BreakEvents++
}

// unbreakLargeChunk reclaims a broken large chunk back into the large free
// list. If mandatory is false, it is a no-op unless every child is already
// unreferenced (small_chunks_allocated == 0). If mandatory is true, every
// child must be FREE or COALESCE_PENDING (the coalescer's job is to arrange
// that before calling with mandatory=true).
func (e *Engine) unbreakLargeChunk(idx int64, mandatory bool) {
	lc := e.largeAt(idx)
	if lc.flags != flagInitialized|flagUsed|flagBroken {
		panic("flat: unbreakLargeChunk: chunk is not a broken, used large chunk")
	}

	if !mandatory {
		if lc.smallChunksAllocated != 0 {
			return
		}
	} else if lc.smallChunksAllocated != 0 {
		panic("flat: unbreakLargeChunk(mandatory): children still allocated")
	}

	for i := range lc.small {
		sc := &lc.small[i]
		switch {
		case sc.isFree():
			e.removeSmallFree(e.chunkptr(idx, int64(i)))
			sc.flags = 0
		case sc.isCoalescePending():
			sc.flags = 0
		default:
			panic("flat: unbreakLargeChunk: child neither free nor coalesce-pending")
		}
	}

	lc.small = nil
	lc.flags = flagInitialized
	e.freeListPush(e.chunkptr(idx, 0), LargeChunk, false)

	e.stats.LargeBrokenChunks--
	e.stats.BrokenChunkHistogram[0]--
	e.stats.UnbreakEvents++
}
