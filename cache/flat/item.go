package flat

// chunksNeededFor returns how many chunks of a class with the given title
// and body payload capacities are required to hold total bytes.
func chunksNeededFor(titleCap, bodyCap, total int64) int64 {
	if total <= titleCap {
		return 1
	}
	remaining := total - titleCap
	return 1 + (remaining+bodyCap-1)/bodyCap
}

// isLargeChunk selects the size class: an item is small-class as long as it
// fits within one large chunk's worth of small chunks; beyond that, the
// per-chunk chain overhead of small chunks isn't worth it and the item
// becomes large-class.
func (e *Engine) isLargeChunk(nkey, nbytes int64) bool {
	total := nkey + nbytes
	smallNeeded := chunksNeededFor(e.cfg.smallTitleDataSz(), e.cfg.smallBodyDataSz(), total)
	return smallNeeded > e.smallPerLarge()
}

func (e *Engine) chunksNeeded(nkey, nbytes int64) int64 {
	total := nkey + nbytes
	if e.isLargeChunk(nkey, nbytes) {
		return chunksNeededFor(e.cfg.largeTitleDataSz(), e.cfg.largeBodyDataSz(), total)
	}
	return chunksNeededFor(e.cfg.smallTitleDataSz(), e.cfg.smallBodyDataSz(), total)
}

// SizeOk reports whether nkey/nbytes are within the configured limits.
func (e *Engine) SizeOk(nkey, nbytes int64) bool {
	return nkey <= KeyMaxLength && nbytes <= e.cfg.MaxItemSize
}

// chunksInItem counts the chunks in it's chain, title included.
func (e *Engine) chunksInItem(it ItemPtr) int64 {
	large := e.isItemLarge(it)
	n := int64(1)
	next := e.header(it).nextChunk
	for next != NullChunkPtr {
		n++
		if large {
			idx, _ := e.split(next)
			next = e.largeAt(idx).bodyNext
		} else {
			idx, slot := e.split(next)
			next = e.smallAt(idx, slot).nextChunk
		}
	}
	return n
}

// NeedRealloc reports whether replacing it's key/flags/value with the given
// sizes would change size class or chunk count.
func (e *Engine) NeedRealloc(it ItemPtr, newNkey int64, newFlags int32, newNbytes int64) bool {
	_ = newFlags
	return e.isItemLarge(it) != e.isLargeChunk(newNkey, newNbytes) ||
		e.chunksInItem(it) != e.chunksNeeded(newNkey, newNbytes)
}

func (e *Engine) ensureLargeCapacity(needed int64) error {
	for e.largeFreeSz < needed {
		if e.growRegion() {
			continue
		}
		if e.largeFreeSz*e.smallPerLarge()+e.smallFreeSz >= needed*e.smallPerLarge() {
			if e.coalesceFreeSmallChunks() != CoalesceNoProgress {
				continue
			}
		}
		if e.lruEvict(LargeChunk, needed) {
			continue
		}
		return ErrOutOfMemory
	}
	return nil
}

func (e *Engine) ensureSmallCapacity(needed int64) error {
	for e.smallFreeSz < needed {
		if e.largeFreeSz > 0 {
			p, _ := e.freeListPop(LargeChunk)
			idx, _ := e.split(p)
			e.breakLargeChunk(idx)
			continue
		}
		if e.growRegion() {
			continue
		}
		if e.lruEvict(SmallChunk, needed) {
			continue
		}
		return ErrOutOfMemory
	}
	return nil
}

// lruEvict repeatedly evicts the oldest unreferenced item until the
// requested class has enough free capacity for nchunks, or there is
// nothing left to evict.
func (e *Engine) lruEvict(class ChunkClass, nchunks int64) bool {
	for {
		it, ok := e.getLRUItem()
		if !ok {
			return false
		}
		e.Unlink(it, UnlinkMaybeEvict, nil)

		switch class {
		case SmallChunk:
			if e.largeFreeSz*e.smallPerLarge()+e.smallFreeSz >= nchunks {
				return true
			}
		case LargeChunk:
			if e.largeFreeSz >= nchunks {
				return true
			}
			if e.largeFreeSz*e.smallPerLarge()+e.smallFreeSz >= nchunks*e.smallPerLarge() {
				if e.coalesceFreeSmallChunks() == CoalesceNoProgress {
					continue
				}
				if e.largeFreeSz >= nchunks {
					return true
				}
			}
		}
	}
}

// Alloc allocates one item capable of storing key and an nbytes-long value,
// choosing size class, running the class's acquisition strategy (growing
// the region, coalescing, evicting) and chaining the resulting chunks. The
// value itself is left uninitialized; the caller fills it with MemcpyTo
// before linking.
func (e *Engine) Alloc(key []byte, flags int32, exptime int64, nbytes int64, ip [4]byte) (ItemPtr, error) {
	nkey := int64(len(key))
	if !e.SizeOk(nkey, nbytes) {
		return NullItemPtr, ErrItemTooLarge
	}
	if e.isLargeChunk(nkey, nbytes) {
		return e.allocLarge(key, flags, exptime, nbytes, ip)
	}
	return e.allocSmall(key, flags, exptime, nbytes, ip)
}

func (e *Engine) allocLarge(key []byte, flags int32, exptime, nbytes int64, ip [4]byte) (ItemPtr, error) {
	nkey := int64(len(key))
	needed := e.chunksNeeded(nkey, nbytes)
	if err := e.ensureLargeCapacity(needed); err != nil {
		return NullItemPtr, err
	}

	writeOffset := nkey + nbytes
	rest := key

	titlePtr, _ := e.freeListPop(LargeChunk)
	titleIdx, _ := e.split(titlePtr)
	titleLC := e.largeAt(titleIdx)
	titleLC.flags |= flagUsed | flagTitle
	titleLC.title = itemHeader{
		hNext: NullItemPtr, next: NullItemPtr, prev: NullItemPtr, nextChunk: NullChunkPtr,
		exptime: exptime, nbytes: nbytes, nkey: nkey, refcount: 1, itFlags: ItemValid, flags: flags,
	}
	titleData := e.region.largeBytes(titleIdx)[:e.cfg.largeTitleDataSz()]
	n := copy(titleData, rest)
	rest = rest[n:]

	remaining := needed - 1
	if remaining == 0 {
		titleLC.title.itFlags |= stampSlack(titleData, writeOffset, e.clock.Now(), ip)
	}
	writeOffset -= int64(len(titleData))

	e.stats.LargeTitleChunks++
	e.stats.LargeBodyChunks += remaining

	prevIsTitle, prevIdx := true, titleIdx
	for remaining > 0 {
		bodyPtr, _ := e.freeListPop(LargeChunk)
		bodyIdx, _ := e.split(bodyPtr)
		bodyLC := e.largeAt(bodyIdx)
		bodyLC.flags |= flagUsed
		bodyLC.bodyNext = NullChunkPtr

		if prevIsTitle {
			e.largeAt(prevIdx).title.nextChunk = bodyPtr
		} else {
			e.largeAt(prevIdx).bodyNext = bodyPtr
		}

		bodyData := e.region.largeBytes(bodyIdx)[:e.cfg.largeBodyDataSz()]
		n := copy(bodyData, rest)
		rest = rest[n:]

		remaining--
		if remaining == 0 {
			titleLC.title.itFlags |= stampSlack(bodyData, writeOffset, e.clock.Now(), ip)
		}
		writeOffset -= int64(len(bodyData))

		prevIsTitle, prevIdx = false, bodyIdx
	}

	return titlePtr, nil
}

func (e *Engine) allocSmall(key []byte, flags int32, exptime, nbytes int64, ip [4]byte) (ItemPtr, error) {
	nkey := int64(len(key))
	needed := e.chunksNeeded(nkey, nbytes)
	if err := e.ensureSmallCapacity(needed); err != nil {
		return NullItemPtr, err
	}

	writeOffset := nkey + nbytes
	rest := key

	titlePtr, _ := e.freeListPop(SmallChunk)
	tIdx, tSlot := e.split(titlePtr)
	titleSC := e.smallAt(tIdx, tSlot)
	titleSC.flags |= flagUsed | flagTitle
	titleSC.title = itemHeader{
		hNext: NullItemPtr, next: NullItemPtr, prev: NullItemPtr, nextChunk: NullChunkPtr,
		exptime: exptime, nbytes: nbytes, nkey: nkey, refcount: 1, itFlags: ItemValid, flags: flags,
	}
	titleData := e.region.smallBytes(tIdx, tSlot)[:e.cfg.smallTitleDataSz()]
	n := copy(titleData, rest)
	rest = rest[n:]

	remaining := needed - 1
	if remaining == 0 {
		titleSC.title.itFlags |= stampSlack(titleData, writeOffset, e.clock.Now(), ip)
	}
	writeOffset -= int64(len(titleData))

	e.stats.SmallTitleChunks++
	e.stats.SmallBodyChunks += remaining

	prevPtr, prevIsTitle := titlePtr, true
	prevIdx, prevSlot := tIdx, tSlot
	for remaining > 0 {
		bodyPtr, _ := e.freeListPop(SmallChunk)
		bIdx, bSlot := e.split(bodyPtr)
		bodySC := e.smallAt(bIdx, bSlot)
		bodySC.flags |= flagUsed
		bodySC.nextChunk = NullChunkPtr
		bodySC.prevChunk = prevPtr

		if prevIsTitle {
			e.smallAt(prevIdx, prevSlot).title.nextChunk = bodyPtr
		} else {
			e.smallAt(prevIdx, prevSlot).nextChunk = bodyPtr
		}

		bodyData := e.region.smallBytes(bIdx, bSlot)[:e.cfg.smallBodyDataSz()]
		n := copy(bodyData, rest)
		rest = rest[n:]

		remaining--
		if remaining == 0 {
			titleSC.title.itFlags |= stampSlack(bodyData, writeOffset, e.clock.Now(), ip)
		}
		writeOffset -= int64(len(bodyData))

		prevPtr, prevIsTitle = bodyPtr, false
		prevIdx, prevSlot = bIdx, bSlot
	}

	return titlePtr, nil
}

// itemFree returns every chunk in it's chain to the free lists. it must
// already be refcount==0 and unlinked from both the assoc table and LRU.
func (e *Engine) itemFree(it ItemPtr) {
	h := e.header(it)
	if h.itFlags&^(ItemHasTimestamp|ItemHasIPAddress) != ItemValid {
		panic("flat: itemFree: unexpected it_flags")
	}
	if h.refcount != 0 || h.next != NullItemPtr || h.prev != NullItemPtr || h.hNext != NullItemPtr {
		panic("flat: itemFree: item not quiescent")
	}

	large := e.isItemLarge(it)
	next := h.nextChunk
	var freed int64

	if large {
		for next != NullChunkPtr {
			idx, _ := e.split(next)
			lc := e.largeAt(idx)
			n := lc.bodyNext
			if lc.flags != flagInitialized|flagUsed {
				panic("flat: itemFree: large body chunk flags")
			}
			lc.flags &^= flagUsed
			e.freeListPush(next, LargeChunk, false)
			freed++
			next = n
		}
		e.stats.LargeBodyChunks -= freed

		idx, _ := e.split(it)
		lc := e.largeAt(idx)
		if lc.flags != flagInitialized|flagUsed|flagTitle {
			panic("flat: itemFree: large title chunk flags")
		}
		lc.flags &^= flagUsed | flagTitle
		lc.title = itemHeader{}
		e.freeListPush(it, LargeChunk, false)
		e.stats.LargeTitleChunks--
	} else {
		for next != NullChunkPtr {
			idx, slot := e.split(next)
			sc := e.smallAt(idx, slot)
			n := sc.nextChunk
			if sc.flags != flagInitialized|flagUsed {
				panic("flat: itemFree: small body chunk flags")
			}
			sc.flags &^= flagUsed
			e.freeListPush(next, SmallChunk, true)
			freed++
			next = n
		}
		e.stats.SmallBodyChunks -= freed

		idx, slot := e.split(it)
		sc := e.smallAt(idx, slot)
		if sc.flags != flagInitialized|flagUsed|flagTitle {
			panic("flat: itemFree: small title chunk flags")
		}
		sc.flags &^= flagUsed | flagTitle
		sc.title = itemHeader{}
		e.freeListPush(it, SmallChunk, true)
		e.stats.SmallTitleChunks--
	}
}

// Link inserts a freshly-allocated item into the LRU and assoc table.
func (e *Engine) Link(it ItemPtr, key []byte) {
	h := e.header(it)
	if h.itFlags&ItemValid == 0 {
		panic("flat: Link: item not valid")
	}
	if h.itFlags&ItemLinked != 0 {
		panic("flat: Link: item already linked")
	}

	h.itFlags |= ItemLinked
	h.timeSec = e.clock.Now()
	e.assoc.Insert(it, key)

	e.stats.ItemTotalSize += h.nkey + h.nbytes
	e.stats.CurrItems++
	e.stats.TotalItems++

	e.itemLinkQ(it)
}

// Unlink removes it from the LRU and assoc table, freeing it once its
// refcount allows. It is idempotent on an already-unlinked item. key may be
// nil, in which case it is recovered from the item's own chunks -- needed
// because a racing get/unlink pair in the caller may not have the key handy
// (spec.md section 4.9).
func (e *Engine) Unlink(it ItemPtr, flags UnlinkFlags, key []byte) {
	h := e.header(it)
	var scratch [KeyMaxLength]byte
	if key == nil {
		key = e.keyCopy(it, scratch[:])
	}

	if h.itFlags&ItemValid == 0 {
		panic("flat: Unlink: item not valid")
	}
	if h.itFlags&ItemLinked == 0 {
		return
	}
	h.itFlags &^= ItemLinked

	if flags&UnlinkMaybeEvict != 0 {
		now := e.clock.Now()
		if h.exptime == 0 || h.exptime > now {
			flags = UnlinkIsEvict
		} else {
			flags = UnlinkIsExpired
		}
	}

	e.stats.ItemTotalSize -= h.nkey + h.nbytes
	e.stats.CurrItems--

	if flags&UnlinkIsEvict != 0 {
		e.stats.Evictions++
	} else if flags&UnlinkIsExpired != 0 {
		e.stats.Expirations++
	}

	e.assoc.Delete(key)
	h.hNext = NullItemPtr
	e.itemUnlinkQ(it)
	if h.refcount == 0 {
		e.itemFree(it)
	}
}

// Deref drops one outstanding reference, freeing the item if that was the
// last one and it is no longer linked.
func (e *Engine) Deref(it ItemPtr) {
	h := e.header(it)
	if h.itFlags&ItemValid == 0 {
		panic("flat: Deref: item not valid")
	}
	if h.refcount != 0 {
		h.refcount--
	}
	if h.refcount == 0 && h.itFlags&ItemLinked == 0 {
		e.itemFree(it)
	}
}

// Update repositions it to the LRU head if it hasn't been touched in the
// last ItemUpdateInterval seconds, rate-limiting LRU churn on hot keys.
func (e *Engine) Update(it ItemPtr) {
	h := e.header(it)
	now := e.clock.Now()
	if h.timeSec >= now-e.cfg.ItemUpdateInterval {
		return
	}
	if h.itFlags&ItemLinked != 0 {
		e.itemUnlinkQ(it)
		h.timeSec = now
		e.itemLinkQ(it)
	}
}

// Replace unlinks old and links new under the same key.
func (e *Engine) Replace(old, newIt ItemPtr, key []byte) {
	oh := e.header(old)
	if oh.itFlags&(ItemValid|ItemLinked) != ItemValid|ItemLinked {
		panic("flat: Replace: old item not valid+linked")
	}
	e.Unlink(old, UnlinkNormal, key)

	nh := e.header(newIt)
	if nh.itFlags&ItemValid == 0 {
		panic("flat: Replace: new item not valid")
	}
	e.Link(newIt, key)
}

func (e *Engine) deleteLockOver(it ItemPtr) bool {
	h := e.header(it)
	if h.itFlags&ItemDeleted == 0 {
		panic("flat: deleteLockOver: item not delete-locked")
	}
	return e.clock.Now() >= h.exptime
}

// Get looks an item up by key, bumping its refcount on a hit.
func (e *Engine) Get(key []byte) (ItemPtr, bool) {
	return e.GetNoteDeleted(key, nil)
}

// GetNoteDeleted is Get, additionally reporting through deleteLocked
// (if non-nil) whether a miss was caused by a still-locked delete rather
// than a plain absence.
func (e *Engine) GetNoteDeleted(key []byte, deleteLocked *bool) (ItemPtr, bool) {
	if deleteLocked != nil {
		*deleteLocked = false
	}
	it, ok := e.assoc.Find(key)
	if !ok {
		return NullItemPtr, false
	}
	h := e.header(it)

	if h.itFlags&ItemDeleted != 0 && !e.deleteLockOver(it) {
		if deleteLocked != nil {
			*deleteLocked = true
		}
		return NullItemPtr, false
	}

	now := e.clock.Now()
	oldestLive := e.settings.OldestLive()
	if oldestLive != 0 && oldestLive <= now && h.timeSec <= oldestLive {
		e.Unlink(it, UnlinkIsExpired, key)
		return NullItemPtr, false
	}
	if h.exptime != 0 && h.exptime <= now {
		e.Unlink(it, UnlinkIsExpired, key)
		return NullItemPtr, false
	}

	h.refcount++
	return it, true
}

// GetNoCheck looks an item up without expiry/delete-lock checks.
func (e *Engine) GetNoCheck(key []byte) (ItemPtr, bool) {
	it, ok := e.assoc.Find(key)
	if !ok {
		return NullItemPtr, false
	}
	e.header(it).refcount++
	return it, true
}

// FlushExpired unlinks every item touched at or before Settings.OldestLive,
// scanning from the LRU tail (least-recently-touched first) and stopping at
// the first item that postdates the barrier -- the LRU is time-ordered, so
// everything before that point (towards the head) postdates it too.
func (e *Engine) FlushExpired() {
	oldestLive := e.settings.OldestLive()
	if oldestLive == 0 {
		return
	}
	for it := e.lruTail; it != NullItemPtr; {
		h := e.header(it)
		if h.timeSec > oldestLive {
			break
		}
		prev := h.prev
		e.Unlink(it, UnlinkIsExpired, nil)
		it = prev
	}
}

// SetFields exposes the header fields a caller (cache.Cache) needs to read
// without reaching into engine internals.
type SetFields struct {
	Flags    int32
	Exptime  int64
	Nbytes   int64
	Nkey     int64
	TimeSec  int64
	RefCount int32
	ItFlags  ItemFlags
}

// Fields returns a snapshot of it's header.
func (e *Engine) Fields(it ItemPtr) SetFields {
	h := e.header(it)
	return SetFields{
		Flags: h.flags, Exptime: h.exptime, Nbytes: h.nbytes, Nkey: h.nkey,
		TimeSec: h.timeSec, RefCount: h.refcount, ItFlags: h.itFlags,
	}
}

// MemcpyTo writes src into it's value stream at offset bytes past the key.
func (e *Engine) MemcpyTo(it ItemPtr, offset int64, src []byte) {
	e.memcpyTo(it, offset, src, false)
}

// MemcpyFrom reads len(dst) bytes out of it's value stream at offset bytes
// past the key.
func (e *Engine) MemcpyFrom(dst []byte, it ItemPtr, offset int64) {
	e.memcpyFrom(dst, it, offset, false)
}

// KeyCompare reports whether it's key equals key (0), sorts after it (>0),
// or before it (<0).
func (e *Engine) KeyCompare(it ItemPtr, key []byte) int {
	return e.keyCompare(it, key)
}

// KeyCopy returns it's key, as a zero-copy slice when possible and a copy
// into scratch otherwise. scratch must have length >= KeyMaxLength.
func (e *Engine) KeyCopy(it ItemPtr, scratch []byte) []byte {
	return e.keyCopy(it, scratch)
}

// IsLarge reports whether it is a large-class item.
func (e *Engine) IsLarge(it ItemPtr) bool { return e.isItemLarge(it) }

// HNext and SetHNext expose the item header's hash-chain link field so an
// Assoc implementation can thread its own bucket chains through item
// storage, the way assoc.c chains through item->h_next, instead of paying
// for a separate chaining structure.
func (e *Engine) HNext(it ItemPtr) ItemPtr        { return e.header(it).hNext }
func (e *Engine) SetHNext(it ItemPtr, next ItemPtr) { e.header(it).hNext = next }
