package memcore

// Config bundles the compile-time-ish tunables a Dispatcher is built with,
// mirroring the const block the teacher keeps in its allocator package
// (MinBlockSize, MaxBlockSize, ...).
type Config struct {
	// MinBlock is Buddy's smallest size class; must be a power of two and
	// at least 8 bytes so a free block can hold a 64-bit next-pointer.
	MinBlock uint64
	// MaxBlock is both Buddy's largest size class and the routing
	// threshold: max(size, align) > MaxBlock always takes the Range List
	// path.
	MaxBlock uint64
	// Store backs Buddy's intrusive free-list pointers. If nil, a
	// MemoryBlockStore is used, suitable for host-side simulation and
	// tests.
	Store BlockStore
}

// DefaultConfig matches the original bootloader's constants: 4KiB minimum
// block (one page), 1MiB maximum block before routing to the Range List.
func DefaultConfig() Config {
	return Config{
		MinBlock: 4096,
		MaxBlock: 1 << 20,
	}
}

// Dispatcher is the process-wide allocation front: it owns a Range List and
// a Buddy, routes each request by size, and mediates the init -> ingest ->
// finalize -> allocate -> trim lifecycle.
type Dispatcher struct {
	cfg   Config
	rl    *RangeList
	buddy *Buddy
}

// NewDispatcher constructs an empty Range List and an empty Buddy whose
// refill callback is bound back to this Dispatcher instance. Distinct from
// the original's lazily-initialized global singleton: Go callers construct
// and pass around an explicit *Dispatcher, which is itself idempotent to
// build (calling NewDispatcher twice just yields two independent instances).
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MinBlock == 0 {
		cfg = DefaultConfig()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryBlockStore()
	}
	d := &Dispatcher{cfg: cfg, rl: NewRangeList()}
	d.buddy = NewBuddy(cfg.MinBlock, cfg.MaxBlock, store, d.refill)
	return d
}

// refill services a Buddy exhaustion by carving one MaxBlock-sized,
// MaxBlock-aligned region from the Range List. It is invoked by Buddy with
// the Buddy lock already released (see buddy.go's allocateAtLevelLocked),
// so this only ever takes the Range List's lock — the two locks are never
// held simultaneously.
func (d *Dispatcher) refill(size, align uint64) (uint64, error) {
	return d.rl.Allocate(size, align)
}

// AddAvailable ingests a physically present region, addr/size in bytes.
func (d *Dispatcher) AddAvailable(addr, size uint64) error {
	return d.rl.AddAvailable(Region{Addr: addr, Size: size})
}

// AddReserved ingests a statically reserved region.
func (d *Dispatcher) AddReserved(addr, size uint64) error {
	return d.rl.AddReserved(Region{Addr: addr, Size: size})
}

// AllocateDynamicReserved services a DTB dynamic reservation declared during
// ingestion. rangeHint may be nil for an unconstrained search.
func (d *Dispatcher) AllocateDynamicReserved(size, align uint64, rangeHint *Region) (addr uint64, ok bool, err error) {
	return d.rl.AllocateDynamicReserved(size, align, rangeHint)
}

// Finalize subtracts every reserved region from the available set and
// enables allocation.
func (d *Dispatcher) Finalize() error {
	return d.rl.Finalize()
}

// Allocate routes a request to Buddy or the Range List based on
// max(size, align) versus MaxBlock.
func (d *Dispatcher) Allocate(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	m := size
	if align > m {
		m = align
	}
	if m > d.cfg.MaxBlock {
		return d.rl.Allocate(size, align)
	}
	return d.buddy.Allocate(size, align)
}

// Deallocate routes a free to whichever tier owns ptr, identified the same
// way Allocate would have routed the original request.
func (d *Dispatcher) Deallocate(addr, size, align uint64) error {
	if align == 0 {
		align = 1
	}
	m := size
	if align > m {
		m = align
	}
	if m > d.cfg.MaxBlock {
		return d.rl.Deallocate(addr, size)
	}
	d.buddy.Deallocate(addr, m)
	return nil
}

// Trim finalizes the instance for handoff: returns the reservation set plus
// one additional reserveBudget-sized carve, and marks the Range List inert.
func (d *Dispatcher) Trim(reserveBudget uint64) ([]Region, error) {
	return d.rl.Trim(reserveBudget)
}

// Stats summarizes Dispatcher state for diagnostics and the host-side
// exercise harness.
type Stats struct {
	AvailableRegions int
	ReservedRegions  int
	BuddyAllocated   uint64
}

// Stats reports a point-in-time snapshot.
func (d *Dispatcher) Stats() Stats {
	avail, reserved := d.rl.Snapshot()
	return Stats{
		AvailableRegions: len(avail),
		ReservedRegions:  len(reserved),
		BuddyAllocated:   d.buddy.AllocatedBytes(),
	}
}
