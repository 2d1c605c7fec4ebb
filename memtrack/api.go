package memtrack

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/memtrack/internal/track/callstack"
	"github.com/kolkov/memtrack/internal/track/config"
	"github.com/kolkov/memtrack/internal/track/engine"
	"github.com/kolkov/memtrack/internal/track/optimizer"
	"github.com/kolkov/memtrack/internal/track/record"
	"github.com/kolkov/memtrack/internal/track/stats"
)

// Re-exported engine types.
type (
	Tracker         = engine.Tracker
	Thread          = engine.Thread
	Option          = engine.Option
	Config          = config.Config
	SamplingConfig  = config.SamplingConfig
	MemStats        = stats.MemoryStats
	SamplingTotals  = stats.SamplingStats
	Misses          = stats.Misses
	Frame           = callstack.Frame
	Pattern         = optimizer.AllocationPattern
	Recommendations = optimizer.Recommendations
	Sink            = record.Sink
	Record          = record.CompactRecord
)

// Tracker options.
var (
	WithLogger = engine.WithLogger
	WithSink   = engine.WithSink
	WithClock  = engine.WithClock
	WithEpoch  = engine.WithEpoch
	WithRand   = engine.WithRand
)

// ConfigEnv names the environment variable holding the path of a YAML
// configuration file for the shared instance.
const ConfigEnv = config.EnvPrefix + "CONFIG"

// ErrAlreadyInitialized is returned by Init once the shared instance exists.
var ErrAlreadyInitialized = errors.New("memtrack: already initialized")

var (
	initMu sync.Mutex
	shared atomic.Pointer[engine.Tracker]

	// initErr records why the environment configuration was rejected.
	initErr error
)

// NewTracker creates an independent tracker.
func NewTracker(cfg Config, opts ...Option) (*Tracker, error) {
	return engine.New(cfg, opts...)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	return config.LoadFile(path)
}

// Default returns the shared process tracker, creating it on first use
// from MEMTRACK_CONFIG and MEMTRACK_* variables. If that configuration is
// invalid the built-in defaults are used and InitError reports why.
func Default() *Tracker {
	if t := shared.Load(); t != nil {
		return t
	}

	initMu.Lock()
	defer initMu.Unlock()
	if t := shared.Load(); t != nil {
		return t
	}

	cfg, err := envConfig()
	if err != nil {
		initErr = err
		cfg = config.Default()
	}
	t, err := engine.New(cfg, engine.WithCallerSkip(1))
	if err != nil {
		// config.Default() always validates.
		panic(fmt.Sprintf("memtrack: default configuration rejected: %v", err))
	}
	shared.Store(t)
	return t
}

// InitError returns the error that made Default fall back to the built-in
// configuration, or nil.
func InitError() error {
	initMu.Lock()
	defer initMu.Unlock()
	return initErr
}

// Init creates the shared instance from cfg.
//
// Must be called before any event is reported; returns
// ErrAlreadyInitialized otherwise.
func Init(cfg Config, opts ...Option) error {
	initMu.Lock()
	defer initMu.Unlock()
	if shared.Load() != nil {
		return ErrAlreadyInitialized
	}

	t, err := engine.New(cfg, append([]Option{engine.WithCallerSkip(1)}, opts...)...)
	if err != nil {
		return err
	}
	shared.Store(t)
	return nil
}

// Fini closes the shared instance, flushing every buffer. Later events are
// ignored.
func Fini() error {
	return Default().Close()
}

func envConfig() (Config, error) {
	cfg := config.Default()
	if path := os.Getenv(ConfigEnv); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// OnAlloc reports an allocation of size bytes at addr.
func OnAlloc(addr uintptr, size uint64, typeTag string) {
	Default().OnAlloc(addr, size, typeTag)
}

// OnDealloc reports that the allocation at addr was freed.
func OnDealloc(addr uintptr) {
	Default().OnDealloc(addr)
}

// CurrentThread returns a handle bound to the calling goroutine.
func CurrentThread() *Thread {
	return Default().Thread()
}

// New allocates a zero T and reports the allocation. An empty typeTag is
// replaced by the name of T.
func New[T any](typeTag string) *T {
	p := new(T)
	if typeTag == "" {
		typeTag = reflect.TypeFor[T]().String()
	}
	Default().OnAlloc(uintptr(unsafe.Pointer(p)), uint64(unsafe.Sizeof(*p)), typeTag)
	return p
}

// Free reports that p is no longer used.
func Free[T any](p *T) {
	if p == nil {
		return
	}
	Default().OnDealloc(uintptr(unsafe.Pointer(p)))
}

// MemoryStats returns a snapshot of the global counters.
func MemoryStats() MemStats {
	return Default().MemoryStats()
}

// SamplingStats returns sampling totals and bytes written.
func SamplingStats() SamplingTotals {
	return Default().SamplingStats()
}

// CallStack returns the frames registered under id.
func CallStack(id uint32) ([]Frame, bool) {
	return Default().CallStack(id)
}

// AllocationPatterns analyses recent samples.
func AllocationPatterns() Pattern {
	return Default().AllocationPatterns()
}

// OptimizationRecommendations returns the latest optimizer result.
func OptimizationRecommendations() Recommendations {
	return Default().OptimizationRecommendations()
}

// FlushAllThreads flushes every goroutine buffer of the shared instance.
func FlushAllThreads() error {
	return Default().FlushAllThreads()
}

// CleanupRegistry removes rarely used call stacks from the shared instance.
func CleanupRegistry() (int, error) {
	return Default().CleanupRegistry()
}
