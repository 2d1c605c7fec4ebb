package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/kolkov/memtrack/internal/track/engine"
	"github.com/kolkov/memtrack/internal/track/optimizer"
)

// report is the summary printed after a workload.
type report struct {
	Ops             uint64
	Elapsed         time.Duration
	Stats           engine.Stats
	Recommendations optimizer.Recommendations
}

func newTable(w io.Writer, aligns ...tw.Align) *tablewriter.Table {
	return tablewriter.NewTable(w,
		tablewriter.WithRenderer(
			renderer.NewBlueprint(tw.Rendition{Symbols: tw.NewSymbols(tw.StyleASCII)})),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	).Configure(func(config *tablewriter.Config) {
		config.Row.ColumnAligns = aligns
		config.Row.Formatting.AutoWrap = tw.WrapNone
	})
}

// rows returns the statistics table, one (section, metric, value) per row.
func (r report) rows() [][]string {
	s := r.Stats
	u := strconv.FormatUint
	rate := 0.0
	if secs := r.Elapsed.Seconds(); secs > 0 {
		rate = float64(r.Ops) / secs
	}

	return [][]string{
		{"workload", "allocations", u(r.Ops, 10)},
		{"workload", "elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"workload", "allocations/s", strconv.FormatFloat(rate, 'f', 0, 64)},

		{"memory", "total allocations", u(s.Memory.TotalAllocations, 10)},
		{"memory", "total deallocations", u(s.Memory.TotalDeallocations, 10)},
		{"memory", "active allocations", u(s.Memory.ActiveAllocations, 10)},
		{"memory", "active bytes", u(s.Memory.ActiveMemory, 10)},
		{"memory", "peak bytes", u(s.Memory.PeakMemory, 10)},
		{"memory", "bytes allocated", u(s.Memory.TotalBytesAllocated, 10)},

		{"sampling", "sampled", u(s.Sampling.Sampled, 10)},
		{"sampling", "rate", strconv.FormatFloat(s.Sampling.Rate, 'f', 4, 64)},
		{"sampling", "bytes written", u(s.Sampling.BytesWritten, 10)},
		{"sampling", "forced by size", u(s.Decisions.ForcedBySize, 10)},
		{"sampling", "forced by interval", u(s.Decisions.ForcedByInterval, 10)},
		{"sampling", "probabilistic", u(s.Decisions.Probabilistic, 10)},

		{"misses", "lock contention", u(s.Misses.LockContention, 10)},
		{"misses", "resource exhausted", u(s.Misses.ResourceExhausted, 10)},
		{"misses", "io errors", u(s.Misses.IOErrors, 10)},
		{"misses", "cross-thread frees", u(s.Misses.CrossThreadFrees, 10)},
		{"misses", "unknown frees", u(s.Misses.UnknownFrees, 10)},
		{"misses", "reentrant", u(s.Misses.Reentrant, 10)},

		{"registry", "unique stacks", u(s.Registry.UniqueStacks, 10)},
		{"registry", "duplicates avoided", u(s.Registry.DuplicatesAvoided, 10)},
		{"registry", "evictions", u(s.Registry.Evictions, 10)},

		{"history", "resident", strconv.Itoa(s.History.Resident)},
		{"history", "evicted", u(s.History.Evicted, 10)},
		{"history", "rollups", u(s.History.Rollups, 10)},

		{"live index", "live", strconv.Itoa(s.LiveIndex.Live)},
		{"live index", "overflows", u(s.LiveIndex.Overflows, 10)},

		{"optimizer", "passes", u(s.Optimizer.Runs, 10)},
		{"optimizer", "applied", u(s.Optimizer.Applied, 10)},
		{"optimizer", "config version", u(s.ConfigVersion, 10)},

		{"threads", "registered", strconv.Itoa(s.Threads)},
	}
}

func (r report) write(w io.Writer) error {
	table := newTable(w, tw.AlignLeft, tw.AlignLeft, tw.AlignRight)
	table.Header([]string{"Section", "Metric", "Value"})
	for _, row := range r.rows() {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	if len(r.Recommendations.Actions) == 0 {
		_, err := fmt.Fprintln(w, "no recommendations")
		return err
	}

	actions := newTable(w, tw.AlignLeft, tw.AlignRight)
	actions.Header([]string{"Recommendation", "Confidence"})
	for _, a := range r.Recommendations.Actions {
		if err := actions.Append([]string{
			fmt.Sprint(a),
			strconv.FormatFloat(a.Confidence(), 'f', 2, 64),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := actions.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
