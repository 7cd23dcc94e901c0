package memcore

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a test-and-set spinlock, grounded on the original
// crate's SpinLock<T> (an AtomicBool compare_exchange_weak loop backed off
// with core::hint::spin_loop()). Unlike sync.Mutex it never parks the
// goroutine on the OS scheduler, which matches the bare-metal target where
// there is no scheduler to park on below EL1; runtime.Gosched stands in for
// spin_loop's pause-instruction hint on the host-simulation build.
type spinlock struct {
	locked atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.locked.Store(false)
}

func (s *spinlock) TryLock() bool {
	return s.locked.CompareAndSwap(false, true)
}
