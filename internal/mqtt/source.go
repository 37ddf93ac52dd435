package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// Source subscribes to a telemetry topic and delivers decoded samples in
// arrival order. Malformed payloads are logged and skipped.
type Source struct {
	cfg    Config
	logger *zap.Logger

	client  *paho.Client
	samples chan telemetry.Sample
	done    chan struct{}

	mu       sync.RWMutex // guards samples against close during send
	stopOnce sync.Once
	errMu    sync.Mutex
	err      error
	dropped  int
}

// NewSource creates a Source. Call Start to connect.
func NewSource(logger *zap.Logger, cfg Config) *Source {
	return &Source{
		cfg:     cfg,
		logger:  logger,
		samples: make(chan telemetry.Sample, 64),
		done:    make(chan struct{}),
	}
}

// Start connects, subscribes to the sample topic and returns the feed. The
// feed is closed when ctx is done, Stop is called or the connection fails.
func (s *Source) Start(ctx context.Context) (<-chan telemetry.Sample, error) {
	client, err := connect(ctx, s.cfg, s.cfg.ClientID+"-source", s.fail, s.receive)
	if err != nil {
		return nil, err
	}
	s.client = client

	_, err = client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.SampleTopic, QoS: s.cfg.QoS}},
	})
	if err != nil {
		_ = disconnect(client)
		return nil, fmt.Errorf("subscribe %s: %w", s.cfg.SampleTopic, err)
	}
	s.logger.Info("subscribed to telemetry",
		zap.String("broker_url", s.cfg.BrokerURL),
		zap.String("topic", s.cfg.SampleTopic),
		zap.Uint8("qos", s.cfg.QoS),
	)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.Stop()
	}()
	return s.samples, nil
}

// Stop disconnects and closes the feed. Safe to call more than once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.client != nil {
			if err := disconnect(s.client); err != nil {
				s.logger.Debug("mqtt disconnect", zap.Error(err))
			}
		}
		s.mu.Lock()
		close(s.samples)
		s.mu.Unlock()
		s.logger.Info("telemetry source stopped", zap.Int("dropped", s.Dropped()))
	})
}

// Err returns the connection error that ended the feed, if any.
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Dropped returns the number of payloads that could not be decoded.
func (s *Source) Dropped() int {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.dropped
}

func (s *Source) receive(pr paho.PublishReceived) (bool, error) {
	var sample telemetry.Sample
	if err := json.Unmarshal(pr.Packet.Payload, &sample); err != nil {
		s.errMu.Lock()
		s.dropped++
		s.errMu.Unlock()
		s.logger.Warn("malformed telemetry payload",
			zap.String("topic", pr.Packet.Topic),
			zap.Int("bytes", len(pr.Packet.Payload)),
			zap.Error(err),
		)
		return true, nil
	}
	// Payloads without coolant_temp_c gate on coolant_c, as recorded trips do.
	sample = sample.WithDefaultGauge()

	s.mu.RLock()
	defer s.mu.RUnlock()
	// samples is closed only after done, under the write lock.
	select {
	case <-s.done:
		return true, nil
	default:
	}
	select {
	case <-s.done:
	case s.samples <- sample:
	}
	return true, nil
}

func (s *Source) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.logger.Error("mqtt connection lost", zap.Error(err))

	select {
	case <-s.done:
	default:
		go s.Stop()
	}
}
