package flat

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region owns the contiguous backing memory for the engine: a single
// anonymous private mmap sized for the full configured capacity, page-in'd
// incrementally as large chunks are committed. The OS only backs touched
// pages with physical memory, so resident-set stays proportional to
// fsi.unused_memory's complement even though the virtual mapping covers
// MaxBytes up front -- mirroring flat_storage.c's single big mmap plus
// watermark-gated "initialization".
type Region struct {
	cfg Config

	mem []byte // mmap'd; len == cfg.MaxBytes, page-aligned by the kernel.

	totalLarge         int64 // cfg.MaxBytes / cfg.LargeChunkSz
	committedLarge     int64 // large chunks whose bytes have been handed out as INITIALIZED
	unusedMemory       int64
}

func newRegion(cfg Config) (*Region, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, int(cfg.MaxBytes),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("flat: mmap %d bytes: %w", cfg.MaxBytes, err)
	}
	return &Region{
		cfg:          cfg,
		mem:          mem,
		totalLarge:   cfg.MaxBytes / cfg.LargeChunkSz,
		unusedMemory: cfg.MaxBytes,
	}, nil
}

// Close releases the mmap'd region. Not safe to call while the engine is in
// use.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// grow commits IncrementDelta more bytes, returning the number of newly
// committed large-chunk indices, or 0 if the budget is exhausted.
func (r *Region) grow() int64 {
	delta := r.cfg.IncrementDelta
	if delta > r.unusedMemory {
		return 0
	}
	n := delta / r.cfg.LargeChunkSz
	r.committedLarge += n
	r.unusedMemory -= delta
	return n
}

func (r *Region) largeBytes(idx int64) []byte {
	off := idx * r.cfg.LargeChunkSz
	return r.mem[off : off+r.cfg.LargeChunkSz : off+r.cfg.LargeChunkSz]
}

func (r *Region) smallBytes(idx, slot int64) []byte {
	lb := r.largeBytes(idx)
	off := slot * r.cfg.SmallChunkSz
	return lb[off : off+r.cfg.SmallChunkSz : off+r.cfg.SmallChunkSz]
}
