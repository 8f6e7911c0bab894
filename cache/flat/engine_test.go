package flat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeAssoc is a minimal in-package stand-in for the flat.Assoc
// collaborator (the real implementation, cache/assoc.Table, itself
// imports this package, so it can't be pulled into an internal test file
// here without a cycle).
type fakeAssoc struct {
	byKey map[string]ItemPtr
}

func newFakeAssoc() *fakeAssoc { return &fakeAssoc{byKey: map[string]ItemPtr{}} }

func (a *fakeAssoc) Insert(it ItemPtr, key []byte) { a.byKey[string(key)] = it }

func (a *fakeAssoc) Find(key []byte) (ItemPtr, bool) {
	it, ok := a.byKey[string(key)]
	return it, ok
}

func (a *fakeAssoc) Delete(key []byte) { delete(a.byKey, string(key)) }

func (a *fakeAssoc) Update(oldPtr, newPtr ItemPtr) {
	for k, v := range a.byKey {
		if v == oldPtr {
			a.byKey[k] = newPtr
			return
		}
	}
}

// testClock is a manually-advanced flat.Clock, so eviction/expiry/update
// timing is deterministic in tests.
type testClock struct {
	started int64
	now     int64
}

func (c *testClock) Now() int64     { return c.now }
func (c *testClock) Started() int64 { return c.started }

// testSettings is a manually-set flat.Settings.
type testSettings struct {
	oldestLive int64
}

func (s *testSettings) OldestLive() int64 { return s.oldestLive }

// smallTestConfig is sized so a handful of items exercise break/coalesce/
// eviction without megabyte-sized fixtures: 4 large chunks of 1024 bytes
// each, breakable into 8 small chunks of 128 bytes, grown one large chunk at
// a time.
func smallTestConfig() Config {
	return Config{
		LargeChunkSz:       1024,
		SmallChunkSz:       128,
		MaxBytes:           4096,
		IncrementDelta:     1024,
		LRUSearchDepth:     0,
		ItemUpdateInterval: 0,
		MaxItemSize:        3000,
		ItemCacheDumpLimit: 1 << 16,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *testClock, *testSettings) {
	t.Helper()
	clock := &testClock{started: 1_700_000_000}
	settings := &testSettings{}
	e, err := New(cfg, nil, clock, settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	e.SetAssoc(newFakeAssoc())
	return e, clock, settings
}

func setItem(t *testing.T, e *Engine, key string, value []byte, exptime int64) ItemPtr {
	t.Helper()
	it, err := e.Alloc([]byte(key), 0, exptime, int64(len(value)), [4]byte{})
	require.NoError(t, err)
	e.MemcpyTo(it, 0, value)
	if old, ok := e.GetNoCheck([]byte(key)); ok {
		e.Replace(old, it, []byte(key))
		e.Deref(old)
	} else {
		e.Link(it, []byte(key))
	}
	e.Deref(it)
	return it
}

func getValue(t *testing.T, e *Engine, key string) ([]byte, bool) {
	t.Helper()
	it, ok := e.Get([]byte(key))
	if !ok {
		return nil, false
	}
	f := e.Fields(it)
	buf := make([]byte, f.Nbytes)
	e.MemcpyFrom(buf, it, 0)
	e.Deref(it)
	return buf, true
}

func TestAllocFreshSmallItem(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())

	setItem(t, e, "foo", []byte("bar"), 0)

	got, ok := getValue(t, e, "foo")
	require.True(t, ok)
	require.Equal(t, []byte("bar"), got)
	require.False(t, e.IsLarge(mustFind(t, e, "foo")))
}

func mustFind(t *testing.T, e *Engine, key string) ItemPtr {
	t.Helper()
	it, ok := e.GetNoCheck([]byte(key))
	require.True(t, ok)
	e.Deref(it)
	return it
}

func TestAllocLargeSpanningItem(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())

	value := make([]byte, 2500)
	for i := range value {
		value[i] = byte(i)
	}
	setItem(t, e, "spanning", value, 0)

	got, ok := getValue(t, e, "spanning")
	require.True(t, ok)
	require.Equal(t, value, got)
	require.True(t, e.IsLarge(mustFind(t, e, "spanning")))
	require.EqualValues(t, 3, e.chunksInItem(mustFind(t, e, "spanning")))
}

func TestBreakOnDemand(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())

	// One large chunk is seeded by New (IncrementDelta == LargeChunkSz).
	require.EqualValues(t, 1, e.largeFreeSz)
	require.EqualValues(t, 0, e.smallFreeSz)

	// A small item forces ensureSmallCapacity to break a large chunk since
	// none are pre-broken.
	setItem(t, e, "k", []byte("v"), 0)

	require.EqualValues(t, 0, e.largeFreeSz)
	require.EqualValues(t, 1, e.stats.LargeBrokenChunks)
	require.EqualValues(t, 1, e.stats.BreakEvents)
	// 8 small chunks minus the one just allocated for the title.
	require.EqualValues(t, 7, e.smallFreeSz)
}

func TestUnbreakReclaimsFullyFreedLargeChunk(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		setItem(t, e, k, []byte("x"), 0)
	}
	require.EqualValues(t, 1, e.stats.LargeBrokenChunks)
	require.EqualValues(t, 0, e.largeFreeSz)

	for _, k := range keys {
		it, ok := e.GetNoCheck([]byte(k))
		require.True(t, ok)
		e.Unlink(it, UnlinkNormal, []byte(k))
		e.Deref(it)
	}

	// Freeing the broken chunk's last live child should opportunistically
	// unbreak it straight back into a whole large chunk, with nothing left
	// on the small free list.
	require.EqualValues(t, 0, e.smallFreeSz)
	require.EqualValues(t, 1, e.largeFreeSz)
	require.EqualValues(t, 0, e.stats.LargeBrokenChunks)
	require.EqualValues(t, 1, e.stats.UnbreakEvents)
}

func TestCoalesceMigratesLiveItemOffADonorChunk(t *testing.T) {
	cfg := smallTestConfig()
	cfg.MaxBytes = 2048 // exactly two large chunks' worth of capacity
	e, _, _ := newTestEngine(t, cfg)

	// Fill one large chunk entirely (breaking it in the process).
	for _, k := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"} {
		setItem(t, e, k, []byte("x"), 0)
	}
	// One more item needs a second large chunk broken, leaving it mostly
	// free (7 of 8 slots unused).
	setItem(t, e, "b1", []byte("x"), 0)
	require.EqualValues(t, 2, e.stats.LargeBrokenChunks)

	// Free every item but one (a1) from the first chunk, so it becomes a
	// coalesce donor: one unreferenced live child plus free capacity
	// elsewhere (the second chunk's 7 free slots) to migrate it into.
	for _, k := range []string{"a2", "a3", "a4", "a5", "a6", "a7", "a8"} {
		it, ok := e.GetNoCheck([]byte(k))
		require.True(t, ok)
		e.Unlink(it, UnlinkNormal, []byte(k))
		e.Deref(it)
	}
	require.EqualValues(t, 2, e.stats.LargeBrokenChunks, "no auto-unbreak yet: a1 is still live")

	progress := e.coalesceFreeSmallChunks()
	require.Equal(t, CoalesceLargeChunkFormed, progress)
	require.EqualValues(t, 1, e.stats.LargeBrokenChunks)
	require.EqualValues(t, 1, e.stats.UnbreakEvents)
	require.EqualValues(t, 1, e.stats.Migrates)

	// Both the migrated item and the untouched one must still read back
	// correctly after the title chunk moved.
	got, ok := getValue(t, e, "a1")
	require.True(t, ok)
	require.Equal(t, []byte("x"), got)
	got, ok = getValue(t, e, "b1")
	require.True(t, ok)
	require.Equal(t, []byte("x"), got)
}

func TestEvictionReclaimsSpaceUnderPressure(t *testing.T) {
	cfg := smallTestConfig()
	cfg.MaxBytes = 1024
	cfg.IncrementDelta = 1024
	e, _, _ := newTestEngine(t, cfg)

	setItem(t, e, "old", []byte("0123456789"), 0)
	require.EqualValues(t, 1, e.stats.CurrItems)

	// The single large chunk breaks into 8 small chunks and "old" holds one
	// of them; each of the next 8 items needs one small chunk, so the last
	// of them finds none free and must evict.
	for i := 0; i < 8; i++ {
		setItem(t, e, string(rune('A'+i)), []byte("0123456789"), 0)
	}

	require.Greater(t, e.stats.Evictions, int64(0))
	_, ok := getValue(t, e, "old")
	require.False(t, ok, "oldest item should have been evicted to make room")
}

func TestFlushExpiredUnlinksTouchedBeforeBarrier(t *testing.T) {
	e, clock, settings := newTestEngine(t, smallTestConfig())

	clock.now = 100
	setItem(t, e, "stale", []byte("v"), 0)

	clock.now = 200
	setItem(t, e, "fresh", []byte("v"), 0)

	settings.oldestLive = 150
	e.FlushExpired()

	_, ok := getValue(t, e, "stale")
	require.False(t, ok)
	_, ok = getValue(t, e, "fresh")
	require.True(t, ok)
	require.EqualValues(t, 1, e.stats.Expirations)
}

func TestUnlinkIsIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())
	setItem(t, e, "k", []byte("v"), 0)

	// Hold a reference so the first Unlink does not free the item.
	it, ok := e.GetNoCheck([]byte("k"))
	require.True(t, ok)
	e.Unlink(it, UnlinkNormal, []byte("k"))
	require.NotPanics(t, func() { e.Unlink(it, UnlinkNormal, []byte("k")) })
	e.Deref(it)
}

func TestGetBumpsRefcount(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())
	setItem(t, e, "k", []byte("v"), 0)

	it, ok := e.Get([]byte("k"))
	require.True(t, ok)
	require.EqualValues(t, 1, e.Fields(it).RefCount)
	e.Deref(it)
}

func TestAllocatorStatsRenders(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())
	setItem(t, e, "k", []byte("v"), 0)

	out := string(e.AllocatorStats())
	require.Contains(t, out, "STAT curr_items 1\r\n")
	require.Contains(t, out, "END\r\n")
}

func TestStatsSizesSinglePassDoesNotDoubleCount(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())
	setItem(t, e, "k1", make([]byte, 10), 0)
	setItem(t, e, "k2", make([]byte, 10), 0)

	out := string(e.StatsSizes())
	require.Contains(t, out, "STAT 0 2\r\n")
}

func TestCacheDumpListsLinkedItems(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())
	setItem(t, e, "k", []byte("v"), 0)

	out := string(e.CacheDump(SmallChunk, 0))
	require.Contains(t, out, "ITEM k [1 b; 0 s]\r\n")
	require.Contains(t, out, "END\r\n")
}

func TestKeyTooLongRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, smallTestConfig())
	key := make([]byte, KeyMaxLength+1)
	_, err := e.Alloc(key, 0, 0, 1, [4]byte{})
	require.ErrorIs(t, err, ErrItemTooLarge)
}
