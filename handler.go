package memcached

import "github.com/skipor/flatcache/cache"

// Handler implementation must not retain key slices.
type Handler interface {
	Set(i cache.Item)
	// Get returns ItemViews for keys that was found in cache.
	Get(key ...[]byte) (views []cache.ItemView)
	Delete(key []byte) (deleted bool)
	FlushAll(delaySeconds int64)
	AllocatorStats() []byte
	StatsSizes() []byte
	CacheDump(class string, limit int) []byte
}

var _ Handler = (*cache.Cache)(nil)
