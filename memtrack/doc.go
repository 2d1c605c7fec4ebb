// Package memtrack provides the public API of the adaptive allocation
// tracker.
//
// The tracker records allocation and deallocation events reported by
// instrumentation, keeps global statistics for every event, samples a
// statistically chosen subset into compact per-goroutine records, and
// tunes its own sampling intensity so that overhead stays within a budget.
//
// # Quick Start
//
// Report events to the shared process tracker:
//
//	package main
//
//	import (
//		"fmt"
//
//		"github.com/kolkov/memtrack/memtrack"
//	)
//
//	func main() {
//		defer memtrack.Fini()
//
//		buf := memtrack.New[[4096]byte]("page")
//		// ... use buf
//		memtrack.Free(buf)
//
//		fmt.Println(memtrack.MemoryStats().TotalAllocations)
//	}
//
// Hand-written pools and allocators report raw addresses instead:
//
//	memtrack.OnAlloc(uintptr(unsafe.Pointer(p)), size, "arena")
//	memtrack.OnDealloc(uintptr(unsafe.Pointer(p)))
//
// # API Overview
//
//   - Shared instance: [Default], [Init], [Fini]
//   - Event reporting: [OnAlloc], [OnDealloc], [New], [Free], [CurrentThread]
//   - Queries: [MemoryStats], [SamplingStats], [CallStack],
//     [AllocationPatterns], [OptimizationRecommendations]
//   - Administration: [FlushAllThreads], [CleanupRegistry]
//   - Independent trackers: [NewTracker] with [Option] values
//
// # Configuration
//
// The shared instance reads its configuration from the YAML file named by
// MEMTRACK_CONFIG (if set) and then from MEMTRACK_* environment variables,
// for example:
//
//	MEMTRACK_CRITICAL_SIZE_THRESHOLD=65536
//	MEMTRACK_SMALL_SAMPLE_RATE=0.01
//	MEMTRACK_MEDIUM_SAMPLE_RATE=0.1
//	MEMTRACK_FREQUENCY_SAMPLE_INTERVAL=1000
//	MEMTRACK_MAX_RECORDS_PER_THREAD=1024
//	MEMTRACK_MAX_REGISTRY_SIZE=100000
//	MEMTRACK_CLEANUP_THRESHOLD=0.9
//	MEMTRACK_MAX_RECENT_ALLOCATIONS=10000
//	MEMTRACK_MAX_HISTORICAL_SUMMARIES=1000
//
// Call [Init] before the first event to use an explicit configuration.
//
// # Performance Characteristics
//
// Event reporting never blocks and never returns errors. Failures degrade
// to "event not recorded" and are counted in [Misses]:
//
//	Unsampled event:   live index insert + global atomics
//	Sampled event:     + compact record append, history summary
//	Stack capture:     + runtime.Callers (~1µs), off by default
//
// Events reported through a [Thread] handle skip the goroutine ID lookup
// that [OnAlloc] performs.
package memtrack
