// Command bootsim exercises memcore the way bootloader/src/main.rs drives
// the original allocator during boot: ingest the machine's available and
// reserved regions, finalize, service a workload of allocations, then trim
// for handoff. It stands in for the real DTB-driven bootloader and the
// out-of-scope xtask test harness, against a synthetic memory map.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aarch64boot/bootalloc/memcore"
	"github.com/aarch64boot/bootalloc/dtbregions"
	"github.com/aarch64boot/bootalloc/pool"
)

var (
	memSizeMB      = flag.Int("mem-mb", 64, "synthetic physical memory size in MiB")
	reservedKB     = flag.Int("reserved-kb", 256, "size of a static reserved region carved from the start of memory")
	workload       = flag.Int("allocations", 5000, "number of allocate/free cycles to run after finalize")
	concurrency    = flag.Int("workers", 1, "number of concurrent workers driving the workload")
	trimBudgetMB   = flag.Int("trim-mb", 1, "reserve budget, in MiB, passed to Trim at handoff")
	metricsAddr    = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address until the run completes")
)

var (
	allocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bootsim_allocations_total",
		Help: "Total allocate calls issued by the workload.",
	})
	allocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bootsim_allocation_failures_total",
		Help: "Total allocate calls that returned an error.",
	})
)

func main() {
	flag.Parse()
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootsim: failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *metricsAddr != "" {
		go func() {
			logger.Info("serving metrics", zap.String("addr", *metricsAddr))
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := run(logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	memSize := uint64(*memSizeMB) << 20
	reservedSize := uint64(*reservedKB) << 10

	d := memcore.NewDispatcher(memcore.Config{
		MinBlock: 4096,
		MaxBlock: 1 << 20,
		Store:    memcore.NewMemoryBlockStoreAt(0, memSize),
	})

	start := time.Now()
	err := dtbregions.Ingest(d, []dtbregions.Entry{
		{Kind: dtbregions.KindAvailable, Addr: 0, Size: memSize},
		{Kind: dtbregions.KindReserved, Addr: 0, Size: reservedSize},
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	logger.Info("ingested regions", zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("mem_size", memSize), zap.Uint64("reserved_size", reservedSize))

	if err := d.Finalize(); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	logger.Info("finalized", zap.Any("stats", d.Stats()))

	collaboratorPool, err := pool.NewPool(d, []pool.Band{
		{Name: "virtio-desc", BlockSize: 4096, Count: 32},
		{Name: "fat32-sector", BlockSize: 512, Count: 64},
		{Name: "dtb-stage", BlockSize: 4096, Count: 4},
	})
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	defer collaboratorPool.Close()

	if err := runWorkload(logger, d); err != nil {
		return fmt.Errorf("workload: %w", err)
	}

	reservations, err := d.Trim(uint64(*trimBudgetMB) << 20)
	if err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	logger.Info("trimmed for handoff", zap.Int("reservation_count", len(reservations)))
	for _, ps := range collaboratorPool.Stats() {
		logger.Info("pool band", zap.String("name", ps.Name), zap.Int("in_use", ps.InUse),
			zap.Uint64("hits", ps.Hits), zap.Uint64("misses", ps.Misses))
	}
	return nil
}

// runWorkload fires *workload allocate/free cycles across *concurrency
// goroutines against the shared Dispatcher, exercising both spinlocks under
// contention.
func runWorkload(logger *zap.Logger, d *memcore.Dispatcher) error {
	g, _ := errgroup.WithContext(context.Background())
	perWorker := *workload / *concurrency
	if perWorker == 0 {
		perWorker = 1
	}

	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for i := 0; i < perWorker; i++ {
				size := uint64(1 << uint(rng.Intn(16)+6)) // 64B .. 2MiB
				allocationsTotal.Inc()
				addr, err := d.Allocate(size, 8)
				if err != nil {
					allocationFailures.Inc()
					continue
				}
				if err := d.Deallocate(addr, size, 8); err != nil {
					return fmt.Errorf("deallocate: %w", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("workload complete", zap.Int("workers", *concurrency), zap.Int("per_worker", perWorker))
	return nil
}
