package engine

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HerbHall/tripscan/internal/detect"
	"github.com/HerbHall/tripscan/internal/event"
	"github.com/HerbHall/tripscan/internal/testutil"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

func newDetectors() []detect.Detector {
	cfg := detect.DefaultRPMInstabilityConfig()
	cfg.WindowS = 2
	return []detect.Detector{
		detect.NewIntervalDetector(detect.CoolantOverheatConfig(130)),
		detect.NewRPMInstabilityDetector(cfg),
	}
}

// trip is 5 s of hunting idle with an overheat between t=2.0 and t=3.0,
// followed by 5 s of steady idle.
func trip() []telemetry.Sample {
	samples := testutil.Trip(
		testutil.HuntingIdle(0, 10, 50, 800, 150),
		testutil.SteadyIdle(5, 10, 50, 800),
	)
	for i := 20; i <= 30; i++ {
		samples[i].CoolantC = 135
	}
	return samples
}

func TestEngine_Run(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := New(zaptest.NewLogger(t), newDetectors(), WithMetrics(m))

	res, err := e.Run(context.Background(), trip())
	require.NoError(t, err)

	assert.Equal(t, 100, res.Samples)
	assert.Zero(t, res.Rejected)
	require.Len(t, res.Events, 2)

	overheat := res.Events[0]
	assert.Equal(t, telemetry.KindCoolantOverheat, overheat.Kind)
	assert.Equal(t, 2.0, overheat.StartS)
	assert.Equal(t, 3.1, overheat.EndS)
	assert.Equal(t, "max_coolant_c=135.0, threshold_c=130.0", overheat.Details)

	rpm := res.Events[1]
	assert.Equal(t, telemetry.KindRPMInstability, rpm.Kind)
	assert.InDelta(t, 3.9, rpm.Timestamp(), 0.11)

	assert.Equal(t, 100.0, promtest.ToFloat64(m.SamplesProcessed))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.EventsEmitted.WithLabelValues(string(telemetry.KindCoolantOverheat))))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.EventsEmitted.WithLabelValues(string(telemetry.KindRPMInstability))))
}

func TestEngine_RunIsRepeatable(t *testing.T) {
	e := New(zap.NewNop(), newDetectors())

	first, err := e.Run(context.Background(), trip())
	require.NoError(t, err)
	second, err := e.Run(context.Background(), trip())
	require.NoError(t, err)

	assert.Equal(t, first, second, "Finish must reset detector state")
}

func TestEngine_RunFlushesOpenInterval(t *testing.T) {
	e := New(zap.NewNop(), newDetectors())
	samples := testutil.SteadyIdle(0, 1, 5, 800)
	samples[3].CoolantC = 140
	samples[4].CoolantC = 141

	res, err := e.Run(context.Background(), samples)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 3.0, res.Events[0].StartS)
	assert.Equal(t, 4.0, res.Events[0].EndS)
}

func TestEngine_ProcessRejectsOutOfOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := New(zap.NewNop(), newDetectors(), WithMetrics(m))
	ctx := context.Background()

	_, err := e.Process(ctx, testutil.NewSample(1))
	require.NoError(t, err)
	_, err = e.Process(ctx, testutil.NewSample(1))
	require.NoError(t, err, "equal timestamps are allowed")

	_, err = e.Process(ctx, testutil.NewSample(0.5))
	require.ErrorIs(t, err, ErrOutOfOrder)

	res := e.Finish(ctx)
	assert.Equal(t, 2, res.Samples)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SamplesRejected.WithLabelValues(ReasonOutOfOrder)))
}

func TestEngine_ProcessRejectsNonFiniteTime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := New(zap.NewNop(), newDetectors(), WithMetrics(m))
	ctx := context.Background()

	_, err := e.Process(ctx, testutil.NewSample(1))
	require.NoError(t, err)
	for _, ts := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = e.Process(ctx, testutil.NewSample(ts))
		require.ErrorIs(t, err, ErrBadTimestamp)
	}

	// The last accepted timestamp is untouched, so ordering still applies.
	_, err = e.Process(ctx, testutil.NewSample(0.5))
	require.ErrorIs(t, err, ErrOutOfOrder)
	_, err = e.Process(ctx, testutil.NewSample(2))
	require.NoError(t, err)

	res := e.Finish(ctx)
	assert.Equal(t, 2, res.Samples)
	assert.Equal(t, 4, res.Rejected)
	assert.Equal(t, 3.0, promtest.ToFloat64(m.SamplesRejected.WithLabelValues(ReasonBadTimestamp)))
}

func TestEngine_RunAbortsOnOutOfOrder(t *testing.T) {
	e := New(zap.NewNop(), newDetectors())
	samples := []telemetry.Sample{testutil.NewSample(0), testutil.NewSample(2), testutil.NewSample(1)}

	res, err := e.Run(context.Background(), samples)
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Contains(t, err.Error(), "sample 2")
	assert.Equal(t, 2, res.Samples)
}

func TestEngine_ProcessCancelled(t *testing.T) {
	e := New(zap.NewNop(), newDetectors())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Process(ctx, testutil.NewSample(0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_PublishesOnBus(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t))
	var mu sync.Mutex
	var got []telemetry.Event
	var topics []string
	bus.SubscribePrefix(event.TopicPrefix, func(_ context.Context, msg event.Message) {
		mu.Lock()
		defer mu.Unlock()
		topics = append(topics, msg.Topic)
		got = append(got, msg.Payload.(telemetry.Event))
	})

	e := New(zap.NewNop(), newDetectors(), WithBus(bus))
	res, err := e.Run(context.Background(), trip())
	require.NoError(t, err)

	assert.Equal(t, res.Events, got)
	assert.Equal(t, []string{"detect.event.COOLANT_OVERHEAT", "detect.event.RPM_IDLE_INSTABILITY"}, topics)
}

func TestEngine_EpisodeAbandoned(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := New(zap.New(core), newDetectors(), WithMetrics(m))

	moving := testutil.NewSample(5.0, testutil.WithSpeed(30), testutil.WithThrottle(20))
	samples := append(testutil.HuntingIdle(0, 10, 50, 800, 150), moving)

	res, err := e.Run(context.Background(), samples)
	require.NoError(t, err)
	require.Len(t, res.Events, 1, "abandonment emits no event")
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.EpisodesAbandoned))

	entries := logs.FilterMessage("episode abandoned").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, string(telemetry.KindRPMInstability), fields["detector"])
	assert.Equal(t, 5.0, fields["time_s"])
}

// dropper abandons an episode on every sample whose speed is above zero.
type dropper struct{ dropped bool }

func (d *dropper) Name() string { return "dropper" }
func (d *dropper) Update(s telemetry.Sample) []telemetry.Event {
	d.dropped = s.SpeedKPH > 0
	return nil
}
func (d *dropper) Flush() []telemetry.Event { return nil }
func (d *dropper) Reset()                   { d.dropped = false }
func (d *dropper) Abandoned() bool          { return d.dropped }

func TestEngine_AbandonmentFromAnyDetector(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := New(zap.New(core), []detect.Detector{&dropper{}})

	samples := []telemetry.Sample{
		testutil.NewSample(0),
		testutil.NewSample(1, testutil.WithSpeed(10)),
		testutil.NewSample(2),
		testutil.NewSample(3, testutil.WithSpeed(10)),
	}
	res, err := e.Run(context.Background(), samples)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Abandoned)

	entries := logs.FilterMessage("episode abandoned").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "dropper", entries[0].ContextMap()["detector"])
}

func TestEngine_StreamSkipsOutOfOrder(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	e := New(zap.New(core), newDetectors())

	ch := make(chan telemetry.Sample, 8)
	ch <- testutil.NewSample(0)
	ch <- testutil.NewSample(1, testutil.WithCoolant(131))
	ch <- testutil.NewSample(0.5)
	ch <- testutil.NewSample(math.NaN())
	ch <- testutil.NewSample(2)
	close(ch)

	res, err := e.Stream(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Samples)
	assert.Equal(t, 2, res.Rejected)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 1.0, res.Events[0].StartS)
	assert.Equal(t, 2.0, res.Events[0].EndS)
	assert.Equal(t, 2, logs.FilterMessage("sample dropped").Len())
}

func TestEngine_StreamCancelFlushes(t *testing.T) {
	e := New(zap.NewNop(), newDetectors())
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan telemetry.Sample)
	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = e.Stream(ctx, ch)
	}()

	ch <- testutil.NewSample(0, testutil.WithCoolant(135))
	ch <- testutil.NewSample(1, testutil.WithCoolant(136))
	cancel()
	<-done

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Events, 1, "open interval is closed at the last sample")
	assert.Equal(t, 0.0, res.Events[0].StartS)
	assert.Equal(t, 1.0, res.Events[0].EndS)
}
