package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/kolkov/memtrack/internal/track/record"
)

// Option configures a Tracker.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	sink       record.Sink
	now        func() time.Time
	epoch      time.Time
	rand       func() float64
	callerSkip int
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		sink:   record.DiscardSink{},
		now:    time.Now,
	}
}

// WithLogger sets the logger. The hot path never logs; flush failures,
// optimizer applications and maintenance passes do.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink sets the destination of flushed records. Defaults to
// record.DiscardSink.
func WithSink(s record.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithClock replaces time.Now. The first reading becomes the record epoch.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEpoch sets the time CompactRecord timestamps are relative to, for
// sinks created before the tracker. Defaults to the first clock reading.
func WithEpoch(epoch time.Time) Option {
	return func(o *options) {
		o.epoch = epoch
	}
}

// WithRand replaces the sampler's uniform [0,1) source.
func WithRand(rnd func() float64) Option {
	return func(o *options) {
		o.rand = rnd
	}
}

// WithCallerSkip skips n extra frames when capturing call stacks, for
// wrappers that call OnAlloc on behalf of their caller.
func WithCallerSkip(n int) Option {
	return func(o *options) {
		o.callerSkip = n
	}
}
