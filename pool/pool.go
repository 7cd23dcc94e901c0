// Package pool provides fixed-size, boot-time preallocated memory pools
// layered over a memcore.Dispatcher, for collaborators that need a steady
// supply of same-shaped buffers (VirtIO descriptor rings, FAT32 sector
// buffers, DTB staging buffers) without repeatedly round-tripping through
// the allocator's general allocate/free path during the boot-critical
// window.
package pool

import (
	"fmt"
	"sync"

	"github.com/aarch64boot/bootalloc/memcore"
)

// Band describes one fixed-size class of preallocated buffers.
type Band struct {
	// Name identifies the band for stats and logging (e.g. "virtio-desc",
	// "fat32-sector", "dtb-stage").
	Name string
	// BlockSize is the exact size, in bytes, of every buffer in this band.
	BlockSize uint64
	// Count is how many buffers to preallocate at NewPool time.
	Count int
}

// Stats summarizes one band's usage.
type Stats struct {
	Name       string
	BlockSize  uint64
	Capacity   int
	InUse      int
	Hits       uint64
	Misses     uint64
	FreeHits   uint64
	FreeMisses uint64
}

type bandState struct {
	Band
	addrs []uint64
	used  []bool
	hits  uint64
	miss  uint64
	fhit  uint64
	fmiss uint64
}

// Pool preallocates a fixed set of buffers per Band from a Dispatcher at
// construction time and serves Allocate/Free requests from that set,
// falling back to the Dispatcher directly for sizes larger than every band's
// BlockSize (or once the chosen band is exhausted).
type Pool struct {
	mu     sync.Mutex
	d      *memcore.Dispatcher
	bands  []*bandState
	closed bool
}

// NewPool preallocates every band's buffers from d. If any preallocation
// fails, the buffers already carved are freed before returning the error.
func NewPool(d *memcore.Dispatcher, bands []Band) (*Pool, error) {
	p := &Pool{d: d}
	for _, b := range bands {
		bs := &bandState{Band: b, addrs: make([]uint64, 0, b.Count), used: make([]bool, b.Count)}
		p.bands = append(p.bands, bs)
		for i := 0; i < b.Count; i++ {
			addr, err := d.Allocate(b.BlockSize, b.BlockSize)
			if err != nil {
				p.closeLocked()
				return nil, fmt.Errorf("pool: preallocate band %q block %d: %w", b.Name, i, err)
			}
			bs.addrs = append(bs.addrs, addr)
		}
	}
	return p, nil
}

func (p *Pool) bandFor(size uint64) *bandState {
	var best *bandState
	for _, b := range p.bands {
		if size <= b.BlockSize && (best == nil || b.BlockSize < best.BlockSize) {
			best = b
		}
	}
	return best
}

func (p *Pool) bandByAddr(addr uint64) (*bandState, int) {
	for _, b := range p.bands {
		for i, a := range b.addrs {
			if a == addr && b.used[i] {
				return b, i
			}
		}
	}
	return nil, -1
}

// Allocate returns a buffer of at least size bytes. It prefers the smallest
// band whose BlockSize covers size; if that band is fully checked out, or no
// band covers size, it falls through to the Dispatcher directly.
func (p *Pool) Allocate(size uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b := p.bandFor(size); b != nil {
		for i, used := range b.used {
			if !used {
				b.used[i] = true
				b.hits++
				return b.addrs[i], nil
			}
		}
		b.miss++
	}
	addr, err := p.d.Allocate(size, 1)
	return addr, err
}

// Free returns addr to its owning band if it was checked out from one,
// otherwise frees it directly through the Dispatcher.
func (p *Pool) Free(addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, i := p.bandByAddr(addr); b != nil {
		b.used[i] = false
		b.fhit++
		return nil
	}
	if b := p.bandFor(size); b != nil {
		b.fmiss++
	}
	return p.d.Deallocate(addr, size, 1)
}

// Stats reports per-band usage snapshots.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.bands))
	for _, b := range p.bands {
		inUse := 0
		for _, used := range b.used {
			if used {
				inUse++
			}
		}
		out = append(out, Stats{
			Name: b.Name, BlockSize: b.BlockSize, Capacity: len(b.addrs), InUse: inUse,
			Hits: b.hits, Misses: b.miss, FreeHits: b.fhit, FreeMisses: b.fmiss,
		})
	}
	return out
}

// Close frees every preallocated buffer back to the Dispatcher. It is an
// error to use the Pool afterward.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Pool) closeLocked() error {
	if p.closed {
		return nil
	}
	p.closed = true
	for _, b := range p.bands {
		for i, addr := range b.addrs {
			if err := p.d.Deallocate(addr, b.BlockSize, b.BlockSize); err != nil {
				return fmt.Errorf("pool: free band %q block %d: %w", b.Name, i, err)
			}
		}
	}
	return nil
}
