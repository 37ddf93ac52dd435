package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HerbHall/tripscan/internal/detect"
	"github.com/HerbHall/tripscan/internal/engine"
	"github.com/HerbHall/tripscan/internal/event"
	"github.com/HerbHall/tripscan/internal/testutil"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

func testConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.BrokerURL = "tcp://" + addr
	cfg.Timeout = 5 * time.Second
	cfg.PublishRate = 0
	return cfg
}

func TestSource_DeliversSamplesInOrder(t *testing.T) {
	addr := testutil.StartBroker(t)
	core, logs := observer.New(zap.WarnLevel)
	src := NewSource(zap.New(core), testConfig(addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := src.Start(ctx)
	require.NoError(t, err)

	vehicle := testutil.NewPeer(t, addr, "vehicle")
	want := []telemetry.Sample{
		testutil.NewSample(0, testutil.WithRPM(810)),
		testutil.NewSample(0.1, testutil.WithoutGauge()),
		testutil.NewSample(0.2, testutil.WithCoolant(131)),
	}
	for i, s := range want {
		payload, err := json.Marshal(s)
		require.NoError(t, err)
		vehicle.Publish(t, "vehicle/telemetry", payload)
		if i == 0 {
			vehicle.Publish(t, "vehicle/telemetry", []byte("{not json"))
		}
	}

	var got []telemetry.Sample
	for len(got) < len(want) {
		select {
		case s, ok := <-feed:
			require.True(t, ok, "feed closed early")
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d samples", len(got))
		}
	}
	want[1] = want[1].WithDefaultGauge()
	assert.Equal(t, want, got)
	assert.Equal(t, 1, src.Dropped())
	assert.Equal(t, 1, logs.FilterMessage("malformed telemetry payload").Len())
}

func TestSource_GaugeDefaultsToCoolant(t *testing.T) {
	addr := testutil.StartBroker(t)
	src := NewSource(zaptest.NewLogger(t), testConfig(addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := src.Start(ctx)
	require.NoError(t, err)

	trip := testutil.HuntingIdle(0, 10, 80, 800, 150)
	vehicle := testutil.NewPeer(t, addr, "vehicle")
	for _, s := range trip {
		s.CoolantTempC = nil
		payload, err := json.Marshal(s)
		require.NoError(t, err)
		require.NotContains(t, string(payload), "coolant_temp_c")
		vehicle.Publish(t, "vehicle/telemetry", payload)
	}

	e := engine.New(zaptest.NewLogger(t), []detect.Detector{
		detect.NewRPMInstabilityDetector(detect.DefaultRPMInstabilityConfig()),
	})
	var events []telemetry.Event
	for i := range trip {
		select {
		case s, ok := <-feed:
			require.True(t, ok, "feed closed early")
			require.NotNil(t, s.CoolantTempC)
			assert.Equal(t, s.CoolantC, *s.CoolantTempC)
			evs, err := e.Process(ctx, s)
			require.NoError(t, err)
			events = append(events, evs...)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d samples", i)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindRPMInstability, events[0].Kind)
}

func TestSource_CancelClosesFeed(t *testing.T) {
	addr := testutil.StartBroker(t)
	src := NewSource(zaptest.NewLogger(t), testConfig(addr))

	ctx, cancel := context.WithCancel(context.Background())
	feed, err := src.Start(ctx)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-feed:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, src.Err())
	src.Stop() // idempotent
}

func TestPublisher_RepublishesEvents(t *testing.T) {
	addr := testutil.StartBroker(t)
	consumer := testutil.NewPeer(t, addr, "consumer")
	consumer.Subscribe(t, "tripscan/#")
	consumer.Subscribe(t, "homeassistant/#")

	cfg := testConfig(addr)
	cfg.HADiscovery = true
	pub := NewPublisher(zaptest.NewLogger(t), cfg, telemetry.KindCoolantOverheat, telemetry.KindRPMInstability)
	require.NoError(t, pub.Start(context.Background()))
	defer pub.Stop()

	bus := event.NewBus(zaptest.NewLogger(t))
	pub.Attach(bus)

	ev := telemetry.Event{
		Kind:    telemetry.KindCoolantOverheat,
		StartS:  12,
		EndS:    30.5,
		Details: "max_coolant_c=134.0, threshold_c=130.0",
	}
	bus.Publish(context.Background(), event.Message{Topic: event.Topic(string(ev.Kind)), Payload: ev})

	var eventMsg, discovery []testutil.Message
	require.Eventually(t, func() bool {
		eventMsg, discovery = nil, nil
		for _, m := range consumer.Messages() {
			switch {
			case m.Topic == "tripscan/events/COOLANT_OVERHEAT":
				eventMsg = append(eventMsg, m)
			case strings.HasPrefix(m.Topic, "homeassistant/"):
				discovery = append(discovery, m)
			}
		}
		return len(eventMsg) == 1 && len(discovery) == 2
	}, 5*time.Second, 20*time.Millisecond)

	var got telemetry.Event
	require.NoError(t, json.Unmarshal(eventMsg[0].Payload, &got))
	assert.Equal(t, ev, got)

	var sensor SensorConfig
	require.NoError(t, json.Unmarshal(discovery[0].Payload, &sensor))
	assert.Equal(t, "{{ value_json.details }}", sensor.ValueTemplate)

	published, failed := pub.Stats()
	assert.Equal(t, 3, published)
	assert.Zero(t, failed)
}

func TestPublisher_IgnoresBeforeStart(t *testing.T) {
	pub := NewPublisher(zaptest.NewLogger(t), DefaultConfig())
	pub.Handle(context.Background(), event.Message{Payload: telemetry.Event{Kind: telemetry.KindRPMInstability}})
	published, failed := pub.Stats()
	assert.Zero(t, published)
	assert.Zero(t, failed)
	pub.Stop()
}

func TestDial(t *testing.T) {
	_, err := dial(context.Background(), "")
	assert.True(t, errors.Is(err, ErrNoBroker))

	_, err = dial(context.Background(), "ws://localhost:9001")
	assert.ErrorContains(t, err, "unsupported broker scheme")

	addr := testutil.StartBroker(t)
	conn, err := dial(context.Background(), "mqtt://"+addr)
	require.NoError(t, err)
	conn.Close()
}

func TestBuildEventDiscoveryConfigs(t *testing.T) {
	configs := BuildEventDiscoveryConfigs(
		[]telemetry.Kind{telemetry.KindRPMInstability}, "Van #2", "tripscan", "homeassistant")
	require.Len(t, configs, 1)
	assert.Equal(t, "homeassistant/sensor/tripscan_van__2/rpm_idle_instability/config", configs[0].Topic)

	var sensor SensorConfig
	require.NoError(t, json.Unmarshal(configs[0].Payload, &sensor))
	assert.Equal(t, "Idle RPM Instability", sensor.Name)
	assert.Equal(t, "tripscan/events/RPM_IDLE_INSTABILITY", sensor.StateTopic)
	assert.Equal(t, []string{"tripscan_van__2"}, sensor.Device.Identifiers)
}

func TestSafeObjectID(t *testing.T) {
	tests := map[string]string{
		"COOLANT_OVERHEAT": "coolant_overheat",
		"Van #2":           "van__2",
		"--":               "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeObjectID(in), in)
	}
}
