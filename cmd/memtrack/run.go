package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/memtrack/internal/track/config"
	"github.com/kolkov/memtrack/internal/track/engine"
	"github.com/kolkov/memtrack/internal/track/record"
	"github.com/kolkov/memtrack/internal/track/stats"
)

// runCommand implements 'memtrack run'.
type runCommand struct {
	global *globalOptions
	out    io.Writer

	Duration     time.Duration `long:"duration" short:"d" default:"10s" description:"Stop after this long (0 runs until interrupted or --ops is reached)"`
	Ops          uint64        `long:"ops" description:"Allocations per worker (0 is unlimited)"`
	Workers      int           `long:"workers" short:"w" default:"4" description:"Concurrent allocating goroutines"`
	LiveSet      int           `long:"live-set" default:"1024" description:"Live allocations kept by each worker"`
	Rate         float64       `long:"rate" description:"Allocations per second per worker (0 is unlimited)"`
	Seed         uint64        `long:"seed" default:"1" description:"Random seed of the size distribution"`
	Output       string        `long:"output" short:"o" description:"Write flushed records to this file"`
	MetricsAddr  string        `long:"metrics-addr" description:"Serve Prometheus metrics on this address"`
	StackCapture bool          `long:"stack-capture" description:"Capture call stacks of sampled allocations"`
}

func (c *runCommand) Execute(_ []string) error {
	cfg, err := c.global.loadConfig()
	if err != nil {
		return err
	}
	if c.StackCapture {
		cfg.Sampling.Features.StackCapture = true
	}

	logger, err := newLogger(len(c.global.Verbose))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync fails on terminals

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.run(ctx, cfg, logger)
}

func (c *runCommand) run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	epoch := time.Now()
	opts := []engine.Option{engine.WithLogger(logger), engine.WithEpoch(epoch)}

	if c.Output != "" {
		f, ferr := os.Create(c.Output)
		if ferr != nil {
			return fmt.Errorf("create output: %w", ferr)
		}
		defer func() {
			err = multierr.Append(err, f.Close())
		}()
		opts = append(opts, engine.WithSink(record.NewBinaryWriter(bufio.NewWriterSize(f, 64<<10), epoch)))
	}

	tr, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}

	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error {
		return tr.Run(gctx)
	})
	if c.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, c.MetricsAddr, tr, logger)
		})
	}

	w := workload{
		Workers: c.Workers,
		LiveSet: c.LiveSet,
		Ops:     c.Ops,
		Rate:    c.Rate,
		Seed:    c.Seed,
	}
	logger.Info("workload started",
		zap.Int("workers", w.Workers),
		zap.Int("live_set", w.LiveSet),
		zap.Uint64("ops", w.Ops),
		zap.Float64("rate", w.Rate),
		zap.Duration("duration", c.Duration))

	start := time.Now()
	ops, werr := w.run(gctx, tr)
	elapsed := time.Since(start)

	stopBackground()
	err = multierr.Combine(werr, g.Wait(), tr.Close())

	logger.Info("workload finished", zap.Uint64("ops", ops), zap.Duration("elapsed", elapsed))

	rep := report{
		Ops:             ops,
		Elapsed:         elapsed,
		Stats:           tr.Stats(),
		Recommendations: tr.OptimizationRecommendations(),
	}
	return multierr.Append(err, rep.write(writerOr(c.out)))
}

// metricsHandler serves the tracker counters and Go runtime metrics.
func metricsHandler(tr *engine.Tracker) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector("memtrack", tr.Global()),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// serveMetrics serves metricsHandler on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, tr *engine.Tracker, logger *zap.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	srv := &http.Server{Handler: metricsHandler(tr), ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
