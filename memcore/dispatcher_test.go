package memcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(Config{
		MinBlock: 4096,
		MaxBlock: 1 << 16,
		Store:    NewMemoryBlockStoreAt(0, 1<<24),
	})
}

func TestDispatcherLifecycle(t *testing.T) {
	d := newTestDispatcher(t)

	require.NoError(t, d.AddAvailable(0, 1<<20))
	require.NoError(t, d.AddReserved(0x10000, 0x1000))
	require.NoError(t, d.Finalize())

	addr, err := d.Allocate(64, 64)
	require.NoError(t, err)
	require.Zero(t, addr%64)

	require.NoError(t, d.Deallocate(addr, 64, 64))

	reservations, err := d.Trim(0x1000)
	require.NoError(t, err)
	require.NotEmpty(t, reservations)
}

func TestDispatcherRoutesBySize(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.AddAvailable(0, 4<<20))
	require.NoError(t, d.Finalize())

	_, err := d.Allocate(128, 8)
	require.NoError(t, err)
	require.EqualValues(t, 4096, d.buddy.AllocatedBytes())

	before := d.Stats()
	_, err = d.Allocate(d.cfg.MaxBlock+1, 1)
	require.NoError(t, err)
	after := d.Stats()
	require.Equal(t, before.BuddyAllocated, after.BuddyAllocated, "large allocation must not touch the buddy tier")
}

func TestDispatcherAllocateBeforeFinalizeFails(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.AddAvailable(0, 1<<20))
	_, err := d.Allocate(16, 16)
	require.ErrorIs(t, err, ErrNotAllocatable)
}

func TestDispatcherBuddyRefillsFromRangeList(t *testing.T) {
	d := NewDispatcher(Config{
		MinBlock: 16,
		MaxBlock: 128,
		Store:    NewMemoryBlockStoreAt(0, 4096),
	})
	require.NoError(t, d.AddAvailable(0, 4096))
	require.NoError(t, d.Finalize())

	addr, err := d.Allocate(16, 16)
	require.NoError(t, err)
	require.Zero(t, addr%16)

	stats := d.Stats()
	require.EqualValues(t, 16, stats.BuddyAllocated)
}
