// Package config parses command-line settings and exposes the
// flat.Settings view the engine reads at runtime.
package config

import (
	"sync/atomic"

	"github.com/spf13/pflag"

	"github.com/skipor/flatcache/cache/flat"
	"github.com/skipor/flatcache/log"
)

// Settings holds both the engine's fixed-at-startup Config and the mutable
// runtime settings (flush_all's barrier) the engine reads through
// flat.Settings.
type Settings struct {
	ListenAddr string
	LogLevel   log.Level

	Flat flat.Config

	oldestLive int64 // atomic; 0 means no flush_all barrier is active
}

// OldestLive implements flat.Settings.
func (s *Settings) OldestLive() int64 { return atomic.LoadInt64(&s.oldestLive) }

// SetOldestLive sets (or clears, with 0) the flush_all barrier.
func (s *Settings) SetOldestLive(t int64) { atomic.StoreInt64(&s.oldestLive, t) }

// Parse builds Settings from command-line arguments (excluding argv[0]).
func Parse(args []string) (*Settings, error) {
	s := &Settings{Flat: flat.DefaultConfig()}
	var logLevel string

	fs := pflag.NewFlagSet("memcached", pflag.ContinueOnError)
	fs.StringVarP(&s.ListenAddr, "listen", "l", ":11211", "address to listen on")
	fs.StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR, FATAL")
	fs.Int64Var(&s.Flat.MaxBytes, "max-bytes", s.Flat.MaxBytes, "total cache capacity in bytes")
	fs.Int64Var(&s.Flat.LargeChunkSz, "large-chunk-size", s.Flat.LargeChunkSz, "large chunk size in bytes")
	fs.Int64Var(&s.Flat.SmallChunkSz, "small-chunk-size", s.Flat.SmallChunkSz, "small chunk size in bytes")
	fs.Int64Var(&s.Flat.IncrementDelta, "increment-delta", s.Flat.IncrementDelta, "region growth step in bytes")
	fs.Int64Var(&s.Flat.MaxItemSize, "item-size-max", s.Flat.MaxItemSize, "maximum item value size in bytes")
	fs.IntVar(&s.Flat.LRUSearchDepth, "lru-search-depth", s.Flat.LRUSearchDepth, "max tail probes for an evictable item, 0 = unbounded")
	fs.Int64Var(&s.Flat.ItemUpdateInterval, "item-update-interval", s.Flat.ItemUpdateInterval, "minimum seconds between LRU touches")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	level, err := log.LevelFromString(logLevel)
	if err != nil {
		return nil, err
	}
	s.LogLevel = level

	if err := s.Flat.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
