// Package dtbregions stands in for the DTB parser's call site into the
// region-ingestion API: it walks a decoded stream of available/reserved/
// dynamic-reserved entries (the shape a real devicetree reserved-memory
// walk would hand over) and drives a memcore.Dispatcher through init-time
// ingestion, the way bootloader/src/main.rs's init loop does. It does not
// parse a devicetree blob itself — that collaborator stays out of scope.
package dtbregions

import "github.com/aarch64boot/bootalloc/memcore"

// Kind distinguishes the three region-ingestion events the DTB collaborator
// emits.
type Kind int

const (
	KindAvailable Kind = iota
	KindReserved
	KindDynamicReserved
)

// Entry is one region-ingestion event.
type Entry struct {
	Kind Kind
	Addr uint64
	Size uint64

	// AlignHint is the dynamic-reservation alignment; 0 selects the
	// default (size rounded up to the next power of two). Unused for
	// KindAvailable/KindReserved.
	AlignHint uint64
	// AllocRanges constrains a dynamic reservation's search to a sequence
	// of candidate ranges, tried in order (the devicetree's
	// "alloc-ranges" property); nil means an unconstrained search.
	AllocRanges []memcore.Region
}

// Ingest feeds entries into d in order. Available and static-reserved
// entries are thin pass-throughs. A dynamic entry tries each of its
// AllocRanges in turn (or makes one unconstrained attempt if none are
// given) and stops at the first that succeeds — the same
// Continue-to-next-range / Break-on-success contract the devicetree
// reserved-memory walk uses for "alloc-ranges". A dynamic entry that
// exhausts every range without success aborts ingestion entirely, mirroring
// the real callback's Err(()) path (as opposed to Ok(None), which keeps
// searching).
func Ingest(d *memcore.Dispatcher, entries []Entry) error {
	for _, e := range entries {
		switch e.Kind {
		case KindAvailable:
			if err := d.AddAvailable(e.Addr, e.Size); err != nil {
				return err
			}
		case KindReserved:
			if err := d.AddReserved(e.Addr, e.Size); err != nil {
				return err
			}
		case KindDynamicReserved:
			if _, err := ingestDynamic(d, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func ingestDynamic(d *memcore.Dispatcher, e Entry) (uint64, error) {
	ranges := e.AllocRanges
	if len(ranges) == 0 {
		ranges = []memcore.Region{{}}
	}
	for i := range ranges {
		var hint *memcore.Region
		if !ranges[i].Empty() {
			hint = &ranges[i]
		}
		addr, ok, err := d.AllocateDynamicReserved(e.Size, e.AlignHint, hint)
		if err != nil {
			return 0, err
		}
		if ok {
			return addr, nil
		}
	}
	return 0, memcore.ErrOutOfMemory
}
