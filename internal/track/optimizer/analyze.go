package optimizer

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/samber/lo"
)

// TopTypes bounds AllocationPattern.TopTypes.
const TopTypes = 5

// pressureScale is the sampled byte rate treated as full memory pressure.
const pressureScale = 64 << 20 // bytes per second

// TypeCount is the number of samples seen for one type tag.
type TypeCount struct {
	Tag   string
	Count int
}

// AllocationPattern summarises a window of samples.
type AllocationPattern struct {
	Samples int

	// Span is the time between the oldest and newest sample.
	Span time.Duration

	AvgSize    float64
	StdDevSize float64

	// Frequency is samples per second over Span.
	Frequency float64

	// MemoryPressure in [0,1] grows with the sampled byte rate.
	MemoryPressure float64

	// AvgCost is the mean recording cost of a sampled allocation.
	AvgCost time.Duration

	// TopTypes lists the most frequent type tags, most frequent first.
	TopTypes []TypeCount
}

// AnalyzePatterns computes the allocation pattern of samples.
//
// It is a pure function of its input. now is used as the end of the window
// when the samples all share one timestamp.
func AnalyzePatterns(samples []Sample, now time.Time) AllocationPattern {
	p := AllocationPattern{Samples: len(samples)}
	if len(samples) == 0 {
		return p
	}

	n := float64(len(samples))
	p.AvgSize = float64(lo.SumBy(samples, func(s Sample) uint64 { return s.Size })) / n

	variance := lo.SumBy(samples, func(s Sample) float64 {
		d := float64(s.Size) - p.AvgSize
		return d * d
	}) / n
	p.StdDevSize = math.Sqrt(variance)

	p.AvgCost = lo.SumBy(samples, func(s Sample) time.Duration { return s.Cost }) / time.Duration(len(samples))

	first := lo.MinBy(samples, func(a, b Sample) bool { return a.At.Before(b.At) }).At
	last := lo.MaxBy(samples, func(a, b Sample) bool { return a.At.After(b.At) }).At
	if last.Equal(first) && now.After(last) {
		last = now
	}
	p.Span = last.Sub(first)
	if secs := p.Span.Seconds(); secs > 0 {
		p.Frequency = n / secs
		p.MemoryPressure = lo.Clamp(p.Frequency*p.AvgSize/pressureScale, 0, 1)
	}

	counts := lo.CountValuesBy(samples, func(s Sample) string { return s.TypeTag })
	delete(counts, "")
	top := lo.Map(lo.Entries(counts), func(e lo.Entry[string, int], _ int) TypeCount {
		return TypeCount{Tag: e.Key, Count: e.Value}
	})
	slices.SortFunc(top, func(a, b TypeCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	if len(top) > TopTypes {
		top = top[:TopTypes]
	}
	p.TopTypes = top

	return p
}
