// Package assoc implements the key lookup table the flat storage engine
// delegates hashing and chaining to (spec.md section 6's Assoc
// collaborator). It mirrors memcached's assoc.c: a resizable bucket array
// with separate chaining threaded through each item's own hash-chain link
// field, so a hash table entry costs no extra allocation beyond the bucket
// array itself.
package assoc

import (
	"github.com/cespare/xxhash/v2"

	"github.com/skipor/flatcache/cache/flat"
)

const (
	initialBuckets = 1 << 10
	growLoadFactor = 1.5
)

// engine is the subset of *flat.Engine the table needs: hash-chain
// threading and key comparison against a live item.
type engine interface {
	HNext(it flat.ItemPtr) flat.ItemPtr
	SetHNext(it flat.ItemPtr, next flat.ItemPtr)
	KeyCompare(it flat.ItemPtr, key []byte) int
	KeyCopy(it flat.ItemPtr, scratch []byte) []byte
}

// Table is a flat.Assoc implementation.
type Table struct {
	engine  engine
	buckets []flat.ItemPtr
	count   int64
}

// New builds a Table backed by engine's item storage for chain links.
func New(engine engine) *Table {
	t := &Table{engine: engine}
	t.buckets = newBuckets(initialBuckets)
	return t
}

func newBuckets(n int) []flat.ItemPtr {
	b := make([]flat.ItemPtr, n)
	for i := range b {
		b[i] = flat.NullItemPtr
	}
	return b
}

func (t *Table) bucket(key []byte) int {
	return int(xxhash.Sum64(key) % uint64(len(t.buckets)))
}

// Find looks up key, walking the bucket's chain and comparing against each
// candidate's actual stored key (the hash alone doesn't disambiguate
// collisions).
func (t *Table) Find(key []byte) (flat.ItemPtr, bool) {
	idx := t.bucket(key)
	for p := t.buckets[idx]; p != flat.NullItemPtr; p = t.engine.HNext(p) {
		if t.engine.KeyCompare(p, key) == 0 {
			return p, true
		}
	}
	return flat.NullItemPtr, false
}

// Insert threads it onto the head of key's bucket chain.
func (t *Table) Insert(it flat.ItemPtr, key []byte) {
	idx := t.bucket(key)
	t.engine.SetHNext(it, t.buckets[idx])
	t.buckets[idx] = it
	t.count++
	t.maybeGrow()
}

// Delete removes key's entry from its bucket chain, if present.
func (t *Table) Delete(key []byte) {
	idx := t.bucket(key)
	prev := flat.NullItemPtr
	for p := t.buckets[idx]; p != flat.NullItemPtr; p = t.engine.HNext(p) {
		if t.engine.KeyCompare(p, key) != 0 {
			prev = p
			continue
		}
		next := t.engine.HNext(p)
		if prev == flat.NullItemPtr {
			t.buckets[idx] = next
		} else {
			t.engine.SetHNext(prev, next)
		}
		t.count--
		return
	}
}

// Update fixes up the single pointer (a bucket head or a chain link) that
// referenced oldPtr so it now references newPtr instead -- called when the
// coalescer migrates a title chunk to a new address. newPtr's own outgoing
// chain link was already copied from oldPtr by the migration, so only the
// incoming pointer needs repair.
func (t *Table) Update(oldPtr, newPtr flat.ItemPtr) {
	var scratch [flat.KeyMaxLength]byte
	key := t.engine.KeyCopy(newPtr, scratch[:])
	idx := t.bucket(key)

	if t.buckets[idx] == oldPtr {
		t.buckets[idx] = newPtr
		return
	}
	for p := t.buckets[idx]; p != flat.NullItemPtr; p = t.engine.HNext(p) {
		if t.engine.HNext(p) == oldPtr {
			t.engine.SetHNext(p, newPtr)
			return
		}
	}
}

func (t *Table) maybeGrow() {
	if float64(t.count) < float64(len(t.buckets))*growLoadFactor {
		return
	}
	old := t.buckets
	t.buckets = newBuckets(len(old) * 2)
	for _, head := range old {
		for p := head; p != flat.NullItemPtr; {
			next := t.engine.HNext(p)
			var scratch [flat.KeyMaxLength]byte
			key := t.engine.KeyCopy(p, scratch[:])
			idx := t.bucket(key)
			t.engine.SetHNext(p, t.buckets[idx])
			t.buckets[idx] = p
			p = next
		}
	}
}

// Len reports the number of entries, mainly for tests.
func (t *Table) Len() int64 { return t.count }
