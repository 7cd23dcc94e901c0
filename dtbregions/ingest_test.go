package dtbregions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aarch64boot/bootalloc/memcore"
)

func TestIngestAvailableAndReserved(t *testing.T) {
	d := memcore.NewDispatcher(memcore.Config{
		MinBlock: 4096,
		MaxBlock: 1 << 16,
		Store:    memcore.NewMemoryBlockStoreAt(0, 1<<24),
	})

	err := Ingest(d, []Entry{
		{Kind: KindAvailable, Addr: 0x1000, Size: 0x1000},
		{Kind: KindReserved, Addr: 0x1100, Size: 0x100},
	})
	require.NoError(t, err)
	require.NoError(t, d.Finalize())

	stats := d.Stats()
	require.Equal(t, 2, stats.AvailableRegions)
}

func TestIngestDynamicReservedWithAllocRanges(t *testing.T) {
	d := memcore.NewDispatcher(memcore.Config{
		MinBlock: 4096,
		MaxBlock: 1 << 16,
		Store:    memcore.NewMemoryBlockStoreAt(0, 1<<24),
	})

	err := Ingest(d, []Entry{
		{Kind: KindAvailable, Addr: 0x10000, Size: 0x10000},
		{
			Kind: KindDynamicReserved,
			Size: 0x1000,
			AllocRanges: []memcore.Region{
				{Addr: 0x50000, Size: 0x1000}, // outside the available region, must be skipped
				{Addr: 0x10000, Size: 0x10000},
			},
		},
	})
	require.NoError(t, err)

	stats := d.Stats()
	require.Equal(t, 1, stats.ReservedRegions)
	require.NoError(t, d.Finalize())
}

func TestIngestDynamicReservedExhaustedAborts(t *testing.T) {
	d := memcore.NewDispatcher(memcore.Config{
		MinBlock: 4096,
		MaxBlock: 1 << 16,
		Store:    memcore.NewMemoryBlockStoreAt(0, 1<<24),
	})

	err := Ingest(d, []Entry{
		{Kind: KindAvailable, Addr: 0x10000, Size: 0x1000},
		{
			Kind: KindDynamicReserved,
			Size: 0x1000,
			AllocRanges: []memcore.Region{
				{Addr: 0x50000, Size: 0x1000},
			},
		},
	})
	require.ErrorIs(t, err, memcore.ErrOutOfMemory)
}
