package memcore

import "testing"

func regions(pairs ...uint64) []Region {
	out := make([]Region, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Region{Addr: pairs[i], Size: pairs[i+1]})
	}
	return out
}

func assertRegions(t *testing.T, got, want []Region) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("region count = %d, want %d (%v vs %v)", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("region[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRangeListFinalize(t *testing.T) {
	t.Run("simple partition", func(t *testing.T) {
		rl := NewRangeList()
		if err := rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000}); err != nil {
			t.Fatal(err)
		}
		if err := rl.AddReserved(Region{Addr: 0x1100, Size: 0x100}); err != nil {
			t.Fatal(err)
		}
		if err := rl.Finalize(); err != nil {
			t.Fatal(err)
		}
		avail, reserved := rl.Snapshot()
		assertRegions(t, avail, regions(0x1000, 0x100, 0x1200, 0xE00))
		assertRegions(t, reserved, nil)
	})

	t.Run("perfect match", func(t *testing.T) {
		rl := NewRangeList()
		if err := rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000}); err != nil {
			t.Fatal(err)
		}
		if err := rl.AddReserved(Region{Addr: 0x1000, Size: 0x1000}); err != nil {
			t.Fatal(err)
		}
		if err := rl.Finalize(); err != nil {
			t.Fatal(err)
		}
		avail, _ := rl.Snapshot()
		assertRegions(t, avail, nil)
	})

	t.Run("reserved outside available fails", func(t *testing.T) {
		rl := NewRangeList()
		_ = rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000})
		_ = rl.AddReserved(Region{Addr: 0x5000, Size: 0x100})
		if err := rl.Finalize(); err != ErrReservedOutsideAvailable {
			t.Fatalf("err = %v, want ErrReservedOutsideAvailable", err)
		}
	})

	t.Run("reserved straddles boundary fails", func(t *testing.T) {
		rl := NewRangeList()
		_ = rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000})
		_ = rl.AddReserved(Region{Addr: 0x1F00, Size: 0x200})
		if err := rl.Finalize(); err != ErrReservedLargerThanAvailable {
			t.Fatalf("err = %v, want ErrReservedLargerThanAvailable", err)
		}
	})

	t.Run("finalize is idempotent", func(t *testing.T) {
		rl := NewRangeList()
		_ = rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000})
		if err := rl.Finalize(); err != nil {
			t.Fatal(err)
		}
		if err := rl.Finalize(); err != nil {
			t.Fatalf("second finalize returned %v, want nil", err)
		}
	})
}

func TestRangeListAllocateDeallocateSplitsReserved(t *testing.T) {
	// S6: allocate/deallocate with splitting reserved.
	rl := NewRangeList()
	_ = rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000})
	if err := rl.Finalize(); err != nil {
		t.Fatal(err)
	}

	addrs := make([]uint64, 3)
	for i := range addrs {
		addr, err := rl.Allocate(0x100, 1)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		addrs[i] = addr
	}
	if addrs[0] != 0x1000 || addrs[1] != 0x1100 || addrs[2] != 0x1200 {
		t.Fatalf("addrs = %v, want [0x1000 0x1100 0x1200]", addrs)
	}

	_, reserved := rl.Snapshot()
	assertRegions(t, reserved, regions(0x1000, 0x300))

	if err := rl.Deallocate(0x1100, 0x100); err != nil {
		t.Fatal(err)
	}

	avail, reserved := rl.Snapshot()
	assertRegions(t, reserved, regions(0x1000, 0x100, 0x1200, 0x100))
	assertRegions(t, avail, regions(0x1100, 0x100, 0x1300, 0xD00))
}

func TestRangeListAllocateNotAllocatableBeforeFinalize(t *testing.T) {
	rl := NewRangeList()
	_ = rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000})
	if _, err := rl.Allocate(0x10, 1); err != ErrNotAllocatable {
		t.Fatalf("err = %v, want ErrNotAllocatable", err)
	}
}

func TestRangeListIngestAfterFinalizeFails(t *testing.T) {
	rl := NewRangeList()
	_ = rl.AddAvailable(Region{Addr: 0x1000, Size: 0x1000})
	_ = rl.Finalize()
	if err := rl.AddAvailable(Region{Addr: 0x5000, Size: 0x10}); err != ErrAlreadyFinalized {
		t.Fatalf("err = %v, want ErrAlreadyFinalized", err)
	}
}

func TestRangeListMigration(t *testing.T) {
	// S5: migration. A single large region, repeatedly split by unaligned
	// page allocations, grows |R| by one per call until headroom forces a
	// capacity doubling.
	rl := NewRangeList()
	const regionSize = 2 << 20 // 2MiB
	const pageSizeLocal = 4096
	if err := rl.AddAvailable(Region{Addr: 0, Size: regionSize}); err != nil {
		t.Fatal(err)
	}
	if err := rl.Finalize(); err != nil {
		t.Fatal(err)
	}

	if rl.availableCap != initialRegionCapacity {
		t.Fatalf("availableCap = %d, want %d", rl.availableCap, initialRegionCapacity)
	}

	// A carve size just short of a full page leaves the next region start
	// unaligned, so every subsequent page-aligned request re-splits off a
	// small leftover head region: |R| grows by one per allocation, exactly
	// the fragmentation pattern that exhausts capacity and forces
	// migration.
	for i := 0; i < 200; i++ {
		before := rl.availableCap
		if _, err := rl.Allocate(pageSizeLocal-16, pageSizeLocal); err != nil {
			t.Fatalf("allocate #%d: %v", i, err)
		}
		if before == initialRegionCapacity && rl.availableCap == initialRegionCapacity*2 {
			t.Logf("migration observed at allocation #%d", i)
			if rl.availableCap != 256 || rl.reservedCap != 256 {
				t.Fatalf("post-migration caps = (%d,%d), want (256,256)", rl.availableCap, rl.reservedCap)
			}
			return
		}
	}
	t.Fatal("migration never observed within 200 allocations")
}
