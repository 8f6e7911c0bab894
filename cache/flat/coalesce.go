package flat

// CoalesceProgress reports whether coalesceFreeSmallChunks made progress.
type CoalesceProgress int

const (
	CoalesceNoProgress CoalesceProgress = iota
	CoalesceLargeChunkFormed
)

// smallChunkReferenced reports whether the small chunk at (idx, slot) is
// part of a live item: free chunks are unreferenced by definition,
// otherwise walk back through prevChunk links to the title and check its
// refcount.
func (e *Engine) smallChunkReferenced(idx, slot int64) bool {
	sc := e.smallAt(idx, slot)
	if sc.isFree() {
		return false
	}
	for !sc.isTitle() {
		idx, slot = e.split(sc.prevChunk)
		sc = e.smallAt(idx, slot)
	}
	return sc.title.refcount != 0
}

func (e *Engine) largeBrokenChunkReferenced(idx int64) bool {
	lc := e.largeAt(idx)
	for slot := range lc.small {
		if e.smallChunkReferenced(idx, int64(slot)) {
			return true
		}
	}
	return false
}

// findUnreferencedBrokenChunk walks the small-free list up to depth entries
// (0 = unlimited), returning the first broken parent all of whose children
// are unreferenced.
func (e *Engine) findUnreferencedBrokenChunk(depth int) (int64, bool) {
	counter := 0
	for p := e.smallFreeHead; p != NullChunkPtr && (depth == 0 || counter < depth); counter++ {
		idx, slot := e.split(p)
		parentIdx := idx
		if !e.largeBrokenChunkReferenced(parentIdx) {
			return parentIdx, true
		}
		p = e.smallAt(idx, slot).freeNext
	}
	return 0, false
}

// coalesceFreeSmallChunks migrates live small chunks off unreferenced
// broken large chunks until either no more donor can be found, or the small
// free list drops below a full large chunk's worth.
func (e *Engine) coalesceFreeSmallChunks() CoalesceProgress {
	progress := CoalesceNoProgress

	for e.smallFreeSz >= e.smallPerLarge() {
		idx, ok := e.findUnreferencedBrokenChunk(0)
		if !ok {
			return progress
		}
		lc := e.largeAt(idx)

		e.stats.BrokenChunkHistogram[lc.smallChunksAllocated]--
		e.stats.Migrates += int64(lc.smallChunksAllocated)

		if lc.smallChunksAllocated != 0 {
			n := int(e.smallPerLarge())

			// Reserve the donor's own free children so they can't be
			// picked as migration destinations on this pass.
			for i := 0; i < n; i++ {
				sc := &lc.small[i]
				if sc.isFree() {
					e.removeSmallFree(e.chunkptr(idx, int64(i)))
					sc.flags = flagInitialized | flagCoalescePending
				}
			}

			for i := 0; i < n; i++ {
				sc := &lc.small[i]
				if !sc.isUsed() {
					continue
				}

				replacementPtr, ok := e.freeListPop(SmallChunk)
				if !ok {
					panic("flat: coalesce: no replacement chunk available")
				}
				rIdx, rSlot := e.split(replacementPtr)
				replacement := e.smallAt(rIdx, rSlot)
				*replacement = *sc
				copy(e.region.smallBytes(rIdx, rSlot), e.region.smallBytes(idx, int64(i)))

				oldPtr := e.chunkptr(idx, int64(i))
				if sc.isTitle() {
					e.migrateSmallTitle(oldPtr, replacementPtr, replacement)
				} else {
					e.migrateSmallBody(oldPtr, replacementPtr, replacement)
				}

				sc.flags = flagInitialized | flagCoalescePending
				lc.smallChunksAllocated--
			}
		}

		e.stats.BrokenChunkHistogram[0]++
		e.unbreakLargeChunk(idx, true)

		progress = CoalesceLargeChunkFormed
	}

	return progress
}

func (e *Engine) migrateSmallTitle(oldPtr, newPtr ChunkPtr, replacement *smallChunk) {
	if replacement.title.next != NullItemPtr {
		e.header(replacement.title.next).prev = newPtr
	} else {
		e.lruTail = newPtr
	}
	if replacement.title.prev != NullItemPtr {
		e.header(replacement.title.prev).next = newPtr
	} else {
		e.lruHead = newPtr
	}
	if replacement.title.nextChunk != NullChunkPtr {
		nIdx, nSlot := e.split(replacement.title.nextChunk)
		e.smallAt(nIdx, nSlot).prevChunk = newPtr
	}
	replacement.flags |= flagUsed | flagTitle
	e.assoc.Update(oldPtr, newPtr)
}

func (e *Engine) migrateSmallBody(oldPtr, newPtr ChunkPtr, replacement *smallChunk) {
	prevIdx, prevSlot := e.split(replacement.prevChunk)
	prev := e.smallAt(prevIdx, prevSlot)
	if prev.isTitle() {
		prev.title.nextChunk = newPtr
	} else {
		prev.nextChunk = newPtr
	}
	if replacement.nextChunk != NullChunkPtr {
		nIdx, nSlot := e.split(replacement.nextChunk)
		e.smallAt(nIdx, nSlot).prevChunk = newPtr
	}
	replacement.flags |= flagUsed
	_ = oldPtr
}
