package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/tripscan/internal/engine"
	"github.com/HerbHall/tripscan/internal/event"
	"github.com/HerbHall/tripscan/internal/history"
	"github.com/HerbHall/tripscan/internal/mqtt"
	"github.com/HerbHall/tripscan/internal/server"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 5 * time.Second

// liveStatus is served at /api/v1/status while watch runs.
type liveStatus struct {
	RunID     string    `json:"run_id,omitempty"`
	Broker    string    `json:"broker_url"`
	Topic     string    `json:"sample_topic"`
	StartedAt time.Time `json:"started_at"`
	Events    int64     `json:"events"`
	Dropped   int       `json:"dropped_payloads"`
	Published int       `json:"published,omitempty"`
	PubFailed int       `json:"publish_failed,omitempty"`
}

func newWatchCmd(a *app) *cobra.Command {
	var noStore bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a live MQTT telemetry feed",
		Long: `Subscribe to mqtt.sample_topic, run the detectors over samples as they arrive
and print each event. Events are republished under mqtt.topic_prefix when
mqtt.publish_events is set, and /metrics, /readyz and the run history API are
served on metrics.addr when it is set. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWatch(cmd, noStore)
		},
	}
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not record the run in the history database")
	cmd.Flags().String("broker", "", "MQTT broker URL (overrides mqtt.broker_url)")
	cmd.Flags().String("topic", "", "telemetry topic (overrides mqtt.sample_topic)")
	cmd.Flags().String("metrics-addr", "", "ops HTTP listen address (overrides metrics.addr)")
	a.bind("mqtt.broker_url", cmd.Flags().Lookup("broker"))
	a.bind("mqtt.sample_topic", cmd.Flags().Lookup("topic"))
	a.bind("metrics.addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

func (a *app) runWatch(cmd *cobra.Command, noStore bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	logger := a.logger.Named("watch")
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("watch: %w (set mqtt.broker_url or --broker)", mqtt.ErrNoBroker)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := event.NewBus(a.logger.Named("event"))
	status := &liveStatus{
		Broker:    cfg.MQTT.BrokerURL,
		Topic:     cfg.MQTT.SampleTopic,
		StartedAt: time.Now().UTC(),
	}
	var eventCount atomic.Int64

	p := newPrinter(cmd.OutOrStdout(), a.jsonOutput())
	bus.SubscribePrefix(event.TopicPrefix, func(_ context.Context, msg event.Message) {
		ev, ok := msg.Payload.(telemetry.Event)
		if !ok {
			return
		}
		eventCount.Add(1)
		if p.json {
			_ = p.line(ev)
			return
		}
		p.events([]telemetry.Event{ev})
	})

	var (
		runStore server.RunStore
		ready    server.ReadinessChecker
		finish   func(engine.Result) error
	)
	if !noStore && cfg.Database.Path != "" {
		st, hist, err := a.openHistory(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := hist.CreateRun(ctx, cfg.MQTT.BrokerURL+"/"+cfg.MQTT.SampleTopic)
		if err != nil {
			return err
		}
		status.RunID = run.ID
		rec := history.NewRecorder(a.logger.Named("history"), hist, run.ID)
		detach := rec.Attach(bus)
		finish = func(res engine.Result) error {
			detach()
			return finishRun(context.WithoutCancel(ctx), logger, hist, rec, run.ID, res)
		}
		runStore, ready = hist, st.Ping
	}

	var pub *mqtt.Publisher
	if cfg.MQTT.PublishEvents {
		pub = mqtt.NewPublisher(a.logger.Named("mqtt"), cfg.MQTT, cfg.Kinds()...)
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("start event publisher: %w", err)
		}
		defer pub.Stop()
		pub.Attach(bus)
	}

	src := mqtt.NewSource(a.logger.Named("mqtt"), cfg.MQTT)
	feed, err := src.Start(ctx)
	if err != nil {
		return fmt.Errorf("start telemetry source: %w", err)
	}
	defer src.Stop()

	if cfg.Metrics.Addr != "" {
		opts := []server.Option{server.WithStatus(func() any {
			snap := *status
			snap.Events = eventCount.Load()
			snap.Dropped = src.Dropped()
			if pub != nil {
				snap.Published, snap.PubFailed = pub.Stats()
			}
			return snap
		})}
		if runStore != nil {
			opts = append(opts, server.WithRuns(runStore))
		}
		srv := server.New(cfg.Metrics.Addr, a.logger.Named("http"), reg, ready, opts...)
		l, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Metrics.Addr, err)
		}
		go func() {
			if err := srv.Serve(l); err != nil {
				logger.Error("ops server stopped", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	eng := engine.New(a.logger.Named("engine"), cfg.BuildDetectors(),
		engine.WithBus(bus),
		engine.WithMetrics(engine.NewMetrics(reg)),
	)
	logger.Info("watching telemetry",
		zap.String("broker_url", cfg.MQTT.BrokerURL),
		zap.String("topic", cfg.MQTT.SampleTopic),
		zap.String("run_id", status.RunID),
	)

	res, streamErr := eng.Stream(ctx, feed)
	if errors.Is(streamErr, context.Canceled) {
		streamErr = nil
	}
	if finish != nil {
		if err := finish(res); err != nil {
			return err
		}
	}
	if streamErr != nil {
		return streamErr
	}
	if err := src.Err(); err != nil {
		return fmt.Errorf("telemetry feed lost: %w", err)
	}

	if !p.json {
		p.printf("Processed %d samples, %d events, %d rejected\n", res.Samples, len(res.Events), res.Rejected)
	}
	return nil
}
