package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skipor/flatcache/cache/flat"
)

// testSettings is a flat.Settings + SetOldestLive(int64) for Cache tests.
type testSettings struct {
	oldestLive int64
}

func (s *testSettings) OldestLive() int64     { return s.oldestLive }
func (s *testSettings) SetOldestLive(t int64) { s.oldestLive = t }

func newTestCache(t *testing.T) (*Cache, *testSettings) {
	t.Helper()
	cfg := flat.Config{
		LargeChunkSz:       1024,
		SmallChunkSz:       128,
		MaxBytes:           1 << 16,
		IncrementDelta:     1 << 12,
		LRUSearchDepth:     0,
		ItemUpdateInterval: 0,
		MaxItemSize:        3000,
		ItemCacheDumpLimit: 1 << 16,
	}
	set := &testSettings{}
	c, err := New(cfg, set, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, set
}

// itemFromBytes builds an Item around a pool-backed Data, mirroring what the
// connection layer hands Cache.Set after reading a "set" command's payload.
func itemFromBytes(c *Cache, key, value string, exptime int64) Item {
	data := c.Pool().NewData(len(value))
	copy(data.Bytes(), value)
	return Item{
		ItemMeta: ItemMeta{Key: key, Flags: 0, Exptime: exptime, Bytes: len(value)},
		Data:     data,
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set(itemFromBytes(c, "k", "hello", 0))

	views := c.Get([]byte("k"))
	require.Len(t, views, 1)
	require.Equal(t, "k", views[0].Key)
	require.EqualValues(t, 5, views[0].Bytes)

	var buf bytes.Buffer
	_, err := views[0].Reader.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, "hello", buf.String())
	require.NoError(t, views[0].Reader.Close())
}

func TestGetMissingKeyIsSkipped(t *testing.T) {
	c, _ := newTestCache(t)
	views := c.Get([]byte("absent"))
	require.Empty(t, views)
}

func TestSetOverwritesExistingKey(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set(itemFromBytes(c, "k", "first", 0))
	c.Set(itemFromBytes(c, "k", "second", 0))

	views := c.Get([]byte("k"))
	require.Len(t, views, 1)
	var buf bytes.Buffer
	_, _ = views[0].Reader.WriteTo(&buf)
	require.Equal(t, "second", buf.String())
}

func TestDeleteRemovesKey(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set(itemFromBytes(c, "k", "v", 0))

	require.True(t, c.Delete([]byte("k")))
	require.False(t, c.Delete([]byte("k")))
	require.Empty(t, c.Get([]byte("k")))
}

func TestFlushAllInvalidatesExistingItems(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set(itemFromBytes(c, "k", "v", 0))
	require.NotEmpty(t, c.Get([]byte("k")))

	c.FlushAll(0)

	require.Empty(t, c.Get([]byte("k")))
}

func TestNormalizeExptime(t *testing.T) {
	const thirtyDaysPlusOne = 60*60*24*30 + 1
	require.EqualValues(t, 0, normalizeExptime(0, 1000))
	require.EqualValues(t, 1010, normalizeExptime(10, 1000))
	require.EqualValues(t, thirtyDaysPlusOne, normalizeExptime(thirtyDaysPlusOne, 1000))
}

func TestAllocatorStatsAndStatsSizesRenderEndMarker(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set(itemFromBytes(c, "k", "v", 0))

	require.Contains(t, string(c.AllocatorStats()), "END\r\n")
	require.Contains(t, string(c.StatsSizes()), "END\r\n")
	require.Contains(t, string(c.CacheDump("1", 0)), "END\r\n")
}
