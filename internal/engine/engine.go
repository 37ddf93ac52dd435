// Package engine drives a set of detectors over an ordered sample sequence,
// either a recorded trip or a live feed, and fans the resulting events out
// over the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/HerbHall/tripscan/internal/detect"
	"github.com/HerbHall/tripscan/internal/event"
	"github.com/HerbHall/tripscan/pkg/telemetry"
	"go.uber.org/zap"
)

// ErrOutOfOrder is returned by Process for a sample whose timestamp is
// lower than the previous accepted sample's.
var ErrOutOfOrder = errors.New("sample out of order")

// ErrBadTimestamp is returned by Process for a NaN or infinite timestamp.
var ErrBadTimestamp = errors.New("sample timestamp is not finite")

// messageSource is the Source set on every bus message the engine publishes.
const messageSource = "engine"

// Result summarises one pass over a sample sequence.
type Result struct {
	Samples   int               `json:"samples"`
	Rejected  int               `json:"rejected"`
	Abandoned int               `json:"abandoned_episodes"`
	Events    []telemetry.Event `json:"events"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes every event on bus under event.Topic(kind).
func WithBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics records engine counters on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine feeds samples to detectors in registration order. It is not safe
// for concurrent use; Stream owns the engine for its duration.
type Engine struct {
	logger    *zap.Logger
	detectors []detect.Detector
	bus       *event.Bus
	metrics   *Metrics

	started bool
	lastT   float64
	result  Result
}

// New creates an engine over detectors.
func New(logger *zap.Logger, detectors []detect.Detector, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		detectors: detectors,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Process feeds s to every detector and returns the events it produced.
func (e *Engine) Process(ctx context.Context, s telemetry.Sample) ([]telemetry.Event, error) {
	if err := ctx.Err(); err != nil {
		e.reject(ReasonCancelled)
		return nil, err
	}
	if math.IsNaN(s.TimeS) || math.IsInf(s.TimeS, 0) {
		e.reject(ReasonBadTimestamp)
		return nil, fmt.Errorf("%w: time_s %g", ErrBadTimestamp, s.TimeS)
	}
	if e.started && s.TimeS < e.lastT {
		e.reject(ReasonOutOfOrder)
		return nil, fmt.Errorf("%w: time_s %g after %g", ErrOutOfOrder, s.TimeS, e.lastT)
	}
	e.started = true
	e.lastT = s.TimeS
	e.result.Samples++
	if e.metrics != nil {
		e.metrics.SamplesProcessed.Inc()
	}

	var out []telemetry.Event
	for _, d := range e.detectors {
		evs := d.Update(s)
		if a, ok := d.(detect.Abandoner); ok && a.Abandoned() {
			e.abandon(d.Name(), s)
		}
		out = append(out, evs...)
	}
	e.emit(ctx, out)
	return out, nil
}

// Finish flushes every detector, returns the accumulated result and resets
// the engine for the next sequence.
func (e *Engine) Finish(ctx context.Context) Result {
	var out []telemetry.Event
	for _, d := range e.detectors {
		out = append(out, d.Flush()...)
	}
	e.emit(ctx, out)

	res := e.result
	e.logger.Info("run finished",
		zap.Int("samples", res.Samples),
		zap.Int("rejected", res.Rejected),
		zap.Int("events", len(res.Events)),
		zap.Int("abandoned_episodes", res.Abandoned),
	)

	for _, d := range e.detectors {
		d.Reset()
	}
	e.started = false
	e.lastT = 0
	e.result = Result{}
	return res
}

// Run processes a complete recorded sequence. Any rejected sample aborts
// the run; the detectors are reset either way.
func (e *Engine) Run(ctx context.Context, samples []telemetry.Sample) (Result, error) {
	for i, s := range samples {
		if _, err := e.Process(ctx, s); err != nil {
			partial := e.Finish(ctx)
			return partial, fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return e.Finish(ctx), nil
}

// Stream consumes a live feed until samples is closed or ctx is done.
// Out-of-order and non-finite samples are logged and dropped.
func (e *Engine) Stream(ctx context.Context, samples <-chan telemetry.Sample) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return e.Finish(context.WithoutCancel(ctx)), ctx.Err()
		case s, ok := <-samples:
			if !ok {
				return e.Finish(ctx), nil
			}
			if _, err := e.Process(ctx, s); err != nil {
				if errors.Is(err, ErrOutOfOrder) || errors.Is(err, ErrBadTimestamp) {
					e.logger.Warn("sample dropped",
						zap.Float64("time_s", s.TimeS),
						zap.Float64("last_time_s", e.lastT),
						zap.Error(err),
					)
					continue
				}
				return e.Finish(context.WithoutCancel(ctx)), err
			}
		}
	}
}

func (e *Engine) reject(reason string) {
	e.result.Rejected++
	if e.metrics != nil {
		e.metrics.SamplesRejected.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) abandon(detector string, s telemetry.Sample) {
	e.result.Abandoned++
	if e.metrics != nil {
		e.metrics.EpisodesAbandoned.Inc()
	}
	e.logger.Info("episode abandoned",
		zap.String("detector", detector),
		zap.Float64("time_s", s.TimeS),
		zap.Float64("speed_kph", s.SpeedKPH),
		zap.Float64("throttle_pct", s.ThrottlePct),
		zap.Float64("rpm", s.RPM),
	)
}

func (e *Engine) emit(ctx context.Context, evs []telemetry.Event) {
	for _, ev := range evs {
		e.result.Events = append(e.result.Events, ev)
		if e.metrics != nil {
			e.metrics.EventsEmitted.WithLabelValues(string(ev.Kind)).Inc()
		}
		e.logger.Info("detection event",
			zap.String("kind", string(ev.Kind)),
			zap.Float64("start_s", ev.StartS),
			zap.Float64("end_s", ev.EndS),
			zap.String("details", ev.Details),
		)
		if e.bus != nil {
			e.bus.Publish(ctx, event.Message{
				Topic:     event.Topic(string(ev.Kind)),
				Source:    messageSource,
				Timestamp: time.Now(),
				Payload:   ev,
			})
		}
	}
}
