package memcore

import (
	"sort"
	"unsafe"
)

// rlState is the Range List's lifecycle state: Ingesting -> Allocatable ->
// Trimmed. There is no explicit Uninitialized value here; a *RangeList only
// exists once NewRangeList (called by NewDispatcher) has constructed one,
// which is itself the Uninitialized -> Ingesting transition.
type rlState int

const (
	rlIngesting rlState = iota
	rlAllocatable
	rlTrimmed
)

const (
	initialRegionCapacity = 128
	safeMaxRegions        = 120
	migrationHeadroom     = 10
	pageSize              = 4096
)

var regionSize = uint64(unsafe.Sizeof(Region{}))

// RangeList is the authoritative record of available (R) and reserved (P)
// physical regions. It services large or alignment-sensitive allocations by
// carving from R, and migrates its own backing arrays into self-allocated
// storage when either list's headroom runs low.
type RangeList struct {
	mu spinlock

	available []Region
	reserved  []Region

	availableCap int
	reservedCap  int

	rlState rlState
}

// NewRangeList returns an empty Range List in the Ingesting state, backed by
// two fixed-capacity arrays, mirroring the two static arrays the original
// bootloader's allocator embeds before any self-hosted storage exists.
func NewRangeList() *RangeList {
	return &RangeList{
		available:    make([]Region, 0, initialRegionCapacity),
		reserved:     make([]Region, 0, initialRegionCapacity),
		availableCap: initialRegionCapacity,
		reservedCap:  initialRegionCapacity,
		rlState:      rlIngesting,
	}
}

// AddAvailable ingests a physically present region into R.
func (rl *RangeList) AddAvailable(r Region) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rlState != rlIngesting {
		return ErrAlreadyFinalized
	}
	if r.Empty() {
		return nil
	}
	if err := rl.ensureHeadroomLocked(); err != nil {
		return err
	}
	return insertMerge(&rl.available, rl.availableCap, r)
}

// AddReserved ingests a statically reserved region into P.
func (rl *RangeList) AddReserved(r Region) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rlState != rlIngesting {
		return ErrAlreadyFinalized
	}
	if r.Empty() {
		return nil
	}
	if err := rl.ensureHeadroomLocked(); err != nil {
		return err
	}
	return insertMerge(&rl.reserved, rl.reservedCap, r)
}

// AllocateDynamicReserved services a DTB dynamic reservation: it finds the
// first address in R satisfying size/align (and, if rangeHint is non-nil,
// contained within it) that does not overlap an entry already in P, reserves
// it into P, and returns it. R is left as is; Finalize subtracts the
// reservation from R like any other reserved region. ok is false
// (with a nil error) when no region satisfies the constraint, matching the
// distinction the DTB collaborator's callback makes between "keep searching
// other ranges" (Ok(None)) and "allocator cannot serve" (Err).
func (rl *RangeList) AllocateDynamicReserved(size, align uint64, rangeHint *Region) (addr uint64, ok bool, err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rlState != rlIngesting {
		return 0, false, ErrAlreadyFinalized
	}
	if align == 0 {
		align = nextPow2(size)
		if align == 0 {
			align = 1
		}
	}
	if err := rl.ensureHeadroomLocked(); err != nil {
		return 0, false, err
	}
	lo, hi := uint64(0), ^uint64(0)
	if rangeHint != nil {
		lo, hi = rangeHint.Addr, rangeHint.End()
	}
	for {
		_, aligned, found := rl.findFit(size, align, lo, hi)
		if !found {
			return 0, false, nil
		}
		cand := Region{Addr: aligned, Size: size}
		j := sort.Search(len(rl.reserved), func(k int) bool { return rl.reserved[k].End() > cand.Addr })
		if j < len(rl.reserved) && rl.reserved[j].Addr < cand.End() {
			lo = rl.reserved[j].End()
			continue
		}
		if err := insertMerge(&rl.reserved, rl.reservedCap, cand); err != nil {
			return 0, false, err
		}
		return aligned, true, nil
	}
}

// Finalize subtracts every reserved region from the available list (the
// subtract-from algorithm), clears P, and transitions to Allocatable.
// Idempotent once Allocatable or Trimmed.
func (rl *RangeList) Finalize() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rlState == rlAllocatable || rl.rlState == rlTrimmed {
		return nil
	}
	if len(rl.available) > safeMaxRegions || len(rl.reserved) > safeMaxRegions {
		return ErrCapacityExceeded
	}

	reserved := rl.reserved
	i := 0
	for _, p := range reserved {
		if p.Empty() {
			continue
		}
		for i < len(rl.available) && rl.available[i].End() <= p.Addr {
			i++
		}
		if i >= len(rl.available) || p.Addr < rl.available[i].Addr {
			return ErrReservedOutsideAvailable
		}
		r := rl.available[i]
		if p.End() > r.End() {
			return ErrReservedLargerThanAvailable
		}

		switch {
		case p.Addr == r.Addr && p.End() == r.End():
			removeAt(&rl.available, i)
		case p.Addr == r.Addr:
			rl.available[i] = Region{Addr: p.End(), Size: r.End() - p.End()}
		case p.End() == r.End():
			rl.available[i] = Region{Addr: r.Addr, Size: p.Addr - r.Addr}
			i++
		default:
			rl.available[i] = Region{Addr: r.Addr, Size: p.Addr - r.Addr}
			tail := Region{Addr: p.End(), Size: r.End() - p.End()}
			if err := insertAt(&rl.available, rl.availableCap, i+1, tail); err != nil {
				return err
			}
			i++
		}
	}

	rl.reserved = rl.reserved[:0]
	rl.rlState = rlAllocatable
	logInfo("range list finalized with %d available region(s)", len(rl.available))
	return nil
}

// Allocate carves size bytes aligned to align from R and records the carved
// range into P.
func (rl *RangeList) Allocate(size, align uint64) (uint64, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rlState != rlAllocatable {
		return 0, ErrNotAllocatable
	}
	if err := rl.ensureHeadroomLocked(); err != nil {
		return 0, err
	}
	return rl.allocateFromAvailable(size, align)
}

// Deallocate returns [addr, addr+size) from P to R.
func (rl *RangeList) Deallocate(addr, size uint64) error {
	if size == 0 {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rlState != rlAllocatable {
		return ErrNotAllocatable
	}
	if err := rl.ensureHeadroomLocked(); err != nil {
		return err
	}
	x := Region{Addr: addr, Size: size}
	if err := rl.removeReserved(x); err != nil {
		return err
	}
	return insertMerge(&rl.available, rl.availableCap, x)
}

// Trim carves one final reserve-budget region, freezes the Range List, and
// returns the reservation set (P plus the freshly carved budget region) for
// the boot handoff.
func (rl *RangeList) Trim(reserveBudget uint64) ([]Region, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rlState != rlAllocatable {
		return nil, ErrNotAllocatable
	}
	if reserveBudget > 0 {
		if _, err := rl.allocateFromAvailable(reserveBudget, 1); err != nil {
			return nil, err
		}
	}
	out := make([]Region, len(rl.reserved))
	copy(out, rl.reserved)
	rl.rlState = rlTrimmed
	return out, nil
}

// Snapshot returns copies of R and P for inspection (tests, stats).
func (rl *RangeList) Snapshot() (available, reserved []Region) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	available = append(available, rl.available...)
	reserved = append(reserved, rl.reserved...)
	return
}

// --- internal algorithm ---

// ensureHeadroomLocked migrates only once the list is Allocatable; during
// ingestion the lists stay at their initial capacity and an insertion past it
// fails with ErrCapacityExceeded.
func (rl *RangeList) ensureHeadroomLocked() error {
	if rl.rlState != rlAllocatable {
		return nil
	}
	if len(rl.available)+migrationHeadroom <= rl.availableCap && len(rl.reserved)+migrationHeadroom <= rl.reservedCap {
		return nil
	}
	return rl.migrateLocked()
}

// migrateLocked implements "overflow wrapping": it carves new, doubled-size
// storage for R and P using the very same first-fit carve algorithm
// allocation uses (so the carved range is itself recorded in P before the
// swap), then copies each list's live prefix into freshly allocated Go
// slices of the new capacity. The physical range carveAt records exists only
// to preserve the conservation invariant (§8, property 2) the way the
// original crate's self-hosted migration does; unlike the original, the new
// slice headers here are backed by the Go heap; see SPEC_FULL.md.
func (rl *RangeList) migrateLocked() error {
	newAvailCap := rl.availableCap * 2
	newReservedCap := rl.reservedCap * 2
	newBytes := uint64(rl.availableCap+rl.reservedCap) * 2 * regionSize

	if _, err := rl.allocateFromAvailable(alignUp(newBytes, pageSize), pageSize); err != nil {
		logFatal("overflow wrapping failed to carve %d bytes: %v", newBytes, err)
		return err
	}

	newAvailable := make([]Region, len(rl.available), newAvailCap)
	copy(newAvailable, rl.available)
	newReserved := make([]Region, len(rl.reserved), newReservedCap)
	copy(newReserved, rl.reserved)

	rl.available = newAvailable
	rl.reserved = newReserved
	rl.availableCap = newAvailCap
	rl.reservedCap = newReservedCap
	logInfo("migrated range list metadata: availableCap=%d reservedCap=%d", newAvailCap, newReservedCap)
	return nil
}

// findFit performs a first-fit scan of R for a size-byte region aligned to
// align, constrained to [lo, hi).
func (rl *RangeList) findFit(size, align, lo, hi uint64) (idx int, aligned uint64, ok bool) {
	for i := 0; i < len(rl.available); i++ {
		r := rl.available[i]
		base := r.Addr
		if base < lo {
			base = lo
		}
		a := alignUp(base, align)
		end := r.End()
		if end > hi {
			end = hi
		}
		if a < r.Addr || a+size > end || a+size < a {
			continue
		}
		return i, a, true
	}
	return 0, 0, false
}

// carveAt splits available[i] at aligned (inserting a head remainder if
// aligned > available[i].Addr), shrinks or removes the remainder, and
// insert-merges the carved [aligned, aligned+size) into P.
func (rl *RangeList) carveAt(i int, aligned, size uint64) (uint64, error) {
	r := rl.available[i]
	if aligned > r.Addr {
		head := Region{Addr: r.Addr, Size: aligned - r.Addr}
		if err := insertAt(&rl.available, rl.availableCap, i, head); err != nil {
			return 0, err
		}
		i++
		r = rl.available[i]
	}
	if aligned+size < r.End() {
		rl.available[i] = Region{Addr: aligned + size, Size: r.End() - (aligned + size)}
	} else {
		removeAt(&rl.available, i)
	}
	if err := insertMerge(&rl.reserved, rl.reservedCap, Region{Addr: aligned, Size: size}); err != nil {
		return 0, err
	}
	return aligned, nil
}

func (rl *RangeList) allocateFromAvailable(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	i, aligned, ok := rl.findFit(size, align, 0, ^uint64(0))
	if !ok {
		return 0, ErrOutOfMemory
	}
	return rl.carveAt(i, aligned, size)
}

// removeReserved removes x from P, splitting the containing reserved entry
// when x is a strict interior sub-range (scenario S6).
func (rl *RangeList) removeReserved(x Region) error {
	idx := sort.Search(len(rl.reserved), func(i int) bool { return rl.reserved[i].End() > x.Addr })
	if idx >= len(rl.reserved) {
		return ErrInvalidAddress
	}
	r := rl.reserved[idx]
	if x.Addr < r.Addr || x.End() > r.End() {
		return ErrInvalidAddress
	}
	switch {
	case x.Addr == r.Addr && x.End() == r.End():
		removeAt(&rl.reserved, idx)
	case x.Addr == r.Addr:
		rl.reserved[idx] = Region{Addr: x.End(), Size: r.End() - x.End()}
	case x.End() == r.End():
		rl.reserved[idx] = Region{Addr: r.Addr, Size: x.Addr - r.Addr}
	default:
		rl.reserved[idx] = Region{Addr: r.Addr, Size: x.Addr - r.Addr}
		tail := Region{Addr: x.End(), Size: r.End() - x.End()}
		if err := insertAt(&rl.reserved, rl.reservedCap, idx+1, tail); err != nil {
			return err
		}
	}
	return nil
}

// insertAt inserts r at position idx, shifting the tail right. Fails with
// ErrCapacityExceeded if the list is already at capacity.
func insertAt(list *[]Region, capacity int, idx int, r Region) error {
	l := *list
	if len(l) >= capacity {
		return ErrCapacityExceeded
	}
	l = append(l, Region{})
	copy(l[idx+1:], l[idx:len(l)-1])
	l[idx] = r
	*list = l
	return nil
}

// removeAt deletes the entry at idx, shifting the tail left.
func removeAt(list *[]Region, idx int) {
	l := *list
	l = append(l[:idx], l[idx+1:]...)
	*list = l
}

// insertMerge inserts x into list (sorted, disjoint): x is inserted as a new
// entry when it touches neither neighbour, merged into the previous and/or
// next entry when it overlaps or touches them, and an entry at exactly x.Addr
// is grown in place (absorbing the following entry if they now meet).
func insertMerge(list *[]Region, capacity int, x Region) error {
	if x.Empty() {
		return nil
	}
	l := *list
	k := sort.Search(len(l), func(i int) bool { return l[i].Addr >= x.Addr })

	if k < len(l) && l[k].Addr == x.Addr {
		if x.Size <= l[k].Size {
			return nil
		}
		l[k].Size = x.Size
		if k+1 < len(l) && l[k].End() >= l[k+1].Addr {
			if l[k].End() < l[k+1].End() {
				l[k].Size = l[k+1].End() - l[k].Addr
			}
			l = append(l[:k+1], l[k+2:]...)
		}
		*list = l
		return nil
	}

	prevOverlap := k > 0 && l[k-1].adjacentOrOverlaps(x)
	nextOverlap := k < len(l) && x.adjacentOrOverlaps(l[k])

	switch {
	case !prevOverlap && !nextOverlap:
		if len(l) >= capacity {
			return ErrCapacityExceeded
		}
		l = append(l, Region{})
		copy(l[k+1:], l[k:len(l)-1])
		l[k] = x
		*list = l
	case prevOverlap && !nextOverlap:
		prev := &l[k-1]
		if x.End() > prev.End() {
			prev.Size = x.End() - prev.Addr
		}
		*list = l
	case !prevOverlap && nextOverlap:
		next := &l[k]
		end := next.End()
		if x.End() > end {
			end = x.End()
		}
		next.Addr = x.Addr
		next.Size = end - next.Addr
		*list = l
	default:
		prev := &l[k-1]
		next := l[k]
		end := next.End()
		if x.End() > end {
			end = x.End()
		}
		prev.Size = end - prev.Addr
		l = append(l[:k], l[k+1:]...)
		*list = l
	}
	return nil
}
