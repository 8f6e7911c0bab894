package assoc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skipor/flatcache/cache/clock"
	"github.com/skipor/flatcache/cache/flat"
)

// settings is the minimal flat.Settings a bare engine needs.
type settings struct{ oldestLive int64 }

func (s *settings) OldestLive() int64 { return s.oldestLive }

func newTestEngine(t *testing.T) *flat.Engine {
	t.Helper()
	cfg := flat.Config{
		LargeChunkSz:       1024,
		SmallChunkSz:       128,
		MaxBytes:           1 << 20,
		IncrementDelta:     1 << 16,
		LRUSearchDepth:     0,
		ItemUpdateInterval: 0,
		MaxItemSize:        3000,
		ItemCacheDumpLimit: 1 << 16,
	}
	c := clock.New()
	e, err := flat.New(cfg, nil, c, &settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	t.Cleanup(c.Close)
	e.SetAssoc(New(e))
	return e
}

func link(t *testing.T, e *flat.Engine, key string) flat.ItemPtr {
	t.Helper()
	it, err := e.Alloc([]byte(key), 0, 0, 1, [4]byte{})
	require.NoError(t, err)
	e.MemcpyTo(it, 0, []byte("v"))
	e.Link(it, []byte(key))
	e.Deref(it)
	return it
}

func TestFindMissOnEmptyTable(t *testing.T) {
	e := newTestEngine(t)
	_, ok := e.Get([]byte("nope"))
	require.False(t, ok)
}

func TestInsertThenFind(t *testing.T) {
	e := newTestEngine(t)
	link(t, e, "hello")

	it, ok := e.Get([]byte("hello"))
	require.True(t, ok)
	e.Deref(it)
}

func TestDeleteRemovesEntry(t *testing.T) {
	e := newTestEngine(t)
	link(t, e, "k")

	it, ok := e.GetNoCheck([]byte("k"))
	require.True(t, ok)
	e.Unlink(it, flat.UnlinkNormal, []byte("k"))
	e.Deref(it)

	_, ok = e.Get([]byte("k"))
	require.False(t, ok)
}

func TestGrowRehashesEveryEntry(t *testing.T) {
	e := newTestEngine(t)
	const n = 2000 // well past initialBuckets*growLoadFactor
	for i := 0; i < n; i++ {
		link(t, e, fmt.Sprintf("key-%d", i))
	}
	for i := 0; i < n; i++ {
		it, ok := e.Get([]byte(fmt.Sprintf("key-%d", i)))
		require.True(t, ok, "key-%d should survive growth", i)
		e.Deref(it)
	}
}

func TestSeveralKeysAllFindable(t *testing.T) {
	e := newTestEngine(t)
	link(t, e, "a")
	link(t, e, "b")
	link(t, e, "c")

	for _, k := range []string{"a", "b", "c"} {
		it, ok := e.Get([]byte(k))
		require.True(t, ok)
		e.Deref(it)
	}
}
