package flat

import (
	"bytes"
	"encoding/binary"
)

const (
	stampTimeSz = 8 // encoded relative-time stamp size, in bytes
	stampIPSz   = 4 // encoded IPv4 stamp size, in bytes
)

func (e *Engine) titleDataSlice(it ItemPtr) []byte {
	idx, slot := e.split(it)
	if e.isItemLarge(it) {
		return e.region.largeBytes(idx)[:e.cfg.largeTitleDataSz()]
	}
	return e.region.smallBytes(idx, slot)[:e.cfg.smallTitleDataSz()]
}

// chunkDataAndNext returns the payload slice for cur and the ChunkPtr of
// the chunk following it in the item's chain (NullChunkPtr if cur is the
// last chunk).
func (e *Engine) chunkDataAndNext(it ItemPtr, cur ChunkPtr, isTitle, large bool) ([]byte, ChunkPtr) {
	if isTitle {
		return e.titleDataSlice(it), e.header(it).nextChunk
	}
	idx, slot := e.split(cur)
	if large {
		lc := e.largeAt(idx)
		return e.region.largeBytes(idx)[:e.cfg.largeBodyDataSz()], lc.bodyNext
	}
	sc := e.smallAt(idx, slot)
	return e.region.smallBytes(idx, slot)[:e.cfg.smallBodyDataSz()], sc.nextChunk
}

// itemWalk traverses the title and body chunks of it, calling applier with
// contiguous byte runs of its logical payload stream (key bytes followed by
// value bytes), starting startOffset bytes into that stream and covering at
// most nbytes bytes. If allowPastValueEnd is false, the walk never exposes
// bytes past nkey+nbytes (the item's declared data); if true, it may run
// into a chunk's trailing slack space, which is how the timestamp/IP stamp
// is written and read back.
func (e *Engine) itemWalk(it ItemPtr, startOffset, nbytes int64, allowPastValueEnd bool, applier func([]byte)) {
	if nbytes <= 0 {
		return
	}
	h := e.header(it)
	large := e.isItemLarge(it)
	limit := h.nkey + h.nbytes

	skip := startOffset
	emit := nbytes
	streamPos := int64(0)
	cur := ChunkPtr(it)
	isTitle := true

	for emit > 0 {
		buf, next := e.chunkDataAndNext(it, cur, isTitle, large)
		avail := int64(len(buf))
		if !allowPastValueEnd {
			switch {
			case streamPos >= limit:
				avail = 0
			case streamPos+avail > limit:
				avail = limit - streamPos
			}
		}

		seg := buf[:avail]
		if skip > 0 {
			if avail <= skip {
				skip -= avail
				streamPos += int64(len(buf))
				if next == NullChunkPtr {
					return
				}
				cur, isTitle = next, false
				continue
			}
			seg = buf[skip:avail]
			skip = 0
		}
		if emit < int64(len(seg)) {
			seg = seg[:emit]
		}
		if len(seg) > 0 {
			applier(seg)
			emit -= int64(len(seg))
		}

		streamPos += int64(len(buf))
		if emit <= 0 || next == NullChunkPtr {
			return
		}
		cur, isTitle = next, false
	}
}

// memcpyTo copies src into the item's value stream starting offset bytes
// past the key, per spec.md's item_memcpy_to.
func (e *Engine) memcpyTo(it ItemPtr, offset int64, src []byte, beyondBoundary bool) {
	h := e.header(it)
	pos := 0
	e.itemWalk(it, h.nkey+offset, int64(len(src)), beyondBoundary, func(buf []byte) {
		pos += copy(buf, src[pos:])
	})
}

// memcpyFrom copies out of the item's value stream into dst, per spec.md's
// item_memcpy_from.
func (e *Engine) memcpyFrom(dst []byte, it ItemPtr, offset int64, beyondBoundary bool) {
	h := e.header(it)
	pos := 0
	e.itemWalk(it, h.nkey+offset, int64(len(dst)), beyondBoundary, func(buf []byte) {
		pos += copy(dst[pos:], buf)
	})
}

// keyCompare mirrors item_key_compare: fast length check, then a
// chunk-spanning memcmp.
func (e *Engine) keyCompare(it ItemPtr, key []byte) int {
	h := e.header(it)
	if int64(len(key)) != h.nkey {
		if h.nkey < int64(len(key)) {
			return -1
		}
		return 1
	}
	result := 0
	pos := 0
	e.itemWalk(it, 0, h.nkey, false, func(buf []byte) {
		if result != 0 {
			return
		}
		result = bytes.Compare(buf, key[pos:pos+len(buf)])
		pos += len(buf)
	})
	return result
}

// keyCopy returns a pointer to the item's key: a zero-copy slice into the
// title chunk if the whole key fits there, otherwise a copy into scratch.
func (e *Engine) keyCopy(it ItemPtr, scratch []byte) []byte {
	h := e.header(it)
	data := e.titleDataSlice(it)
	if h.nkey <= int64(len(data)) {
		return data[:h.nkey]
	}
	pos := 0
	e.itemWalk(it, 0, h.nkey, false, func(buf []byte) {
		pos += copy(scratch[pos:], buf)
	})
	return scratch[:h.nkey]
}

// stampSlack writes a relative-time stamp, then an IPv4 address, into
// buf[offset:] as far as they fit, returning which got written. Timestamp
// gets priority over the IP address, per spec.md section 4.7.
func stampSlack(buf []byte, offset int64, now int64, ip [4]byte) ItemFlags {
	var flags ItemFlags
	sz := int64(len(buf))

	if sz-offset >= stampTimeSz {
		binary.LittleEndian.PutUint64(buf[offset:offset+stampTimeSz], uint64(now))
		flags |= ItemHasTimestamp
		offset += stampTimeSz
		if sz-offset >= stampIPSz {
			copy(buf[offset:offset+stampIPSz], ip[:])
			flags |= ItemHasIPAddress
		}
	}
	return flags
}
