package optimizer

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/kolkov/memtrack/internal/track/config"
	"github.com/kolkov/memtrack/internal/track/stats"
)

// Metrics is the engine state a recommendation is based on.
type Metrics struct {
	Memory   stats.MemoryStats
	Sampling stats.SamplingStats

	// Misses counted since the previous optimizer pass.
	Misses stats.Misses

	// BufferUtilization is the highest fill fraction of any thread buffer
	// observed at flush time, in [0,1].
	BufferUtilization float64
}

// Feature names a processing toggle.
type Feature uint8

const (
	// FeatureStackCapture toggles call-stack capture.
	FeatureStackCapture Feature = iota
	// FeatureHistory toggles the history manager.
	FeatureHistory
)

// String returns the config key of f.
func (f Feature) String() string {
	switch f {
	case FeatureStackCapture:
		return "stack_capture"
	case FeatureHistory:
		return "history"
	default:
		return "unknown"
	}
}

// Action is one recommended configuration change. The concrete types are
// AdjustSampling, AdjustBuffer and ToggleFeature.
type Action interface {
	// Reason explains the recommendation.
	Reason() string

	// Confidence in [0,1] that the change helps.
	Confidence() float64

	fmt.Stringer
	isAction()
}

// AdjustSampling sets the probabilistic sampling rates.
type AdjustSampling struct {
	SmallRate  float64
	MediumRate float64
	Why        string
	Score      float64
}

// AdjustBuffer sets the per-thread buffer capacity.
type AdjustBuffer struct {
	Records int
	Why     string
	Score   float64
}

// ToggleFeature enables or disables a feature.
type ToggleFeature struct {
	Feature Feature
	Enabled bool
	Why     string
	Score   float64
}

func (a AdjustSampling) Reason() string      { return a.Why }
func (a AdjustSampling) Confidence() float64 { return a.Score }
func (AdjustSampling) isAction()             {}
func (a AdjustSampling) String() string {
	return fmt.Sprintf("adjust sampling: small=%.4g medium=%.4g (%s)", a.SmallRate, a.MediumRate, a.Why)
}

func (a AdjustBuffer) Reason() string      { return a.Why }
func (a AdjustBuffer) Confidence() float64 { return a.Score }
func (AdjustBuffer) isAction()             {}
func (a AdjustBuffer) String() string {
	return fmt.Sprintf("adjust buffer: %d records (%s)", a.Records, a.Why)
}

func (a ToggleFeature) Reason() string      { return a.Why }
func (a ToggleFeature) Confidence() float64 { return a.Score }
func (ToggleFeature) isAction()             {}
func (a ToggleFeature) String() string {
	return fmt.Sprintf("set %s=%t (%s)", a.Feature, a.Enabled, a.Why)
}

// Recommendations is the result of one optimizer pass.
type Recommendations struct {
	Pattern AllocationPattern
	Actions []Action

	// Confidence is the highest action confidence, zero without actions.
	Confidence float64

	GeneratedAt time.Time
}

// Confident returns the actions whose confidence is at least threshold.
func (r Recommendations) Confident(threshold float64) []Action {
	return lo.Filter(r.Actions, func(a Action, _ int) bool {
		return a.Confidence() >= threshold
	})
}

// Thresholds used by Recommend.
const (
	// Recording cost above LatencyBudget*stackCostFactor also disables
	// stack capture.
	stackCostFactor = 2

	// Recording cost below LatencyBudget/headroomFactor leaves room to
	// sample more.
	headroomFactor = 4

	highPressure = 0.8
	fullBuffer   = 0.9
	idleBuffer   = 0.1
)

// Recommend derives configuration changes from a pattern and engine
// metrics. It is a pure function; bounds clamp every proposed value.
//
// Rules:
//   - Recording cost over the latency budget: halve the sampling rates,
//     and turn stack capture off if the cost is more than twice the budget.
//   - Cost well under budget: raise the rates, confidently so under high
//     memory pressure when the extra detail is most useful.
//   - Buffers filling up or overflowing: double the buffer capacity.
//   - Buffers nearly idle: halve the buffer capacity.
func Recommend(p AllocationPattern, m Metrics, cfg config.SamplingConfig, bounds config.OptimizerConfig) Recommendations {
	rec := Recommendations{Pattern: p}
	if p.Samples == 0 {
		return rec
	}

	clampRate := func(r float64) float64 {
		return lo.Clamp(r, bounds.MinSampleRate, bounds.MaxSampleRate)
	}
	clampRecords := func(n int) int {
		return lo.Clamp(n, bounds.MinRecordsPerThread, bounds.MaxRecordsPerThread)
	}

	budget := bounds.LatencyBudget
	switch {
	case budget > 0 && p.AvgCost > budget:
		over := float64(p.AvgCost) / float64(budget)
		small, medium := clampRate(cfg.SmallSampleRate/2), clampRate(cfg.MediumSampleRate/2)
		if small != cfg.SmallSampleRate || medium != cfg.MediumSampleRate {
			rec.Actions = append(rec.Actions, AdjustSampling{
				SmallRate:  small,
				MediumRate: medium,
				Why:        fmt.Sprintf("recording cost %v exceeds budget %v", p.AvgCost, budget),
				Score:      lo.Clamp(0.5+0.25*over, 0, 1),
			})
		}
		if cfg.Features.StackCapture && over > stackCostFactor {
			rec.Actions = append(rec.Actions, ToggleFeature{
				Feature: FeatureStackCapture,
				Enabled: false,
				Why:     fmt.Sprintf("recording cost %.1fx budget", over),
				Score:   lo.Clamp(0.4+0.2*over, 0, 1),
			})
		}

	case budget > 0 && p.AvgCost*headroomFactor < budget:
		small, medium := clampRate(cfg.SmallSampleRate*1.5), clampRate(cfg.MediumSampleRate*1.5)
		if small != cfg.SmallSampleRate || medium != cfg.MediumSampleRate {
			score := lo.Ternary(p.MemoryPressure >= highPressure, 0.8, 0.5)
			rec.Actions = append(rec.Actions, AdjustSampling{
				SmallRate:  small,
				MediumRate: medium,
				Why: fmt.Sprintf("recording cost %v well under budget %v, memory pressure %.2f",
					p.AvgCost, budget, p.MemoryPressure),
				Score: score,
			})
		}
	}

	switch {
	case m.Misses.ResourceExhausted > 0 || m.BufferUtilization >= fullBuffer:
		if n := clampRecords(cfg.MaxRecordsPerThread * 2); n != cfg.MaxRecordsPerThread {
			rec.Actions = append(rec.Actions, AdjustBuffer{
				Records: n,
				Why: fmt.Sprintf("buffers %.0f%% full, %d overflows",
					m.BufferUtilization*100, m.Misses.ResourceExhausted),
				Score: lo.Ternary(m.Misses.ResourceExhausted > 0, 0.85, 0.75),
			})
		}
	case m.BufferUtilization > 0 && m.BufferUtilization < idleBuffer:
		if n := clampRecords(cfg.MaxRecordsPerThread / 2); n != cfg.MaxRecordsPerThread {
			rec.Actions = append(rec.Actions, AdjustBuffer{
				Records: n,
				Why:     fmt.Sprintf("buffers only %.0f%% full at flush", m.BufferUtilization*100),
				Score:   0.5,
			})
		}
	}

	for _, a := range rec.Actions {
		rec.Confidence = max(rec.Confidence, a.Confidence())
	}
	return rec
}

// Apply returns cfg with actions applied. cfg itself is not modified and
// the result carries no Version; publishing it is the caller's job.
func Apply(cfg config.SamplingConfig, actions []Action) config.SamplingConfig {
	next := cfg
	next.Version = 0
	for _, a := range actions {
		switch a := a.(type) {
		case AdjustSampling:
			next.SmallSampleRate = a.SmallRate
			next.MediumSampleRate = a.MediumRate
		case AdjustBuffer:
			next.MaxRecordsPerThread = a.Records
		case ToggleFeature:
			switch a.Feature {
			case FeatureStackCapture:
				next.Features.StackCapture = a.Enabled
			case FeatureHistory:
				next.Features.History = a.Enabled
			}
		}
	}
	return next
}
