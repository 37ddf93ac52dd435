package mqtt

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/tripscan/internal/event"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// Publisher republishes detection events from the bus to the broker.
type Publisher struct {
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter
	kinds   []telemetry.Kind

	mu        sync.RWMutex
	client    *paho.Client
	published int
	failed    int
}

// NewPublisher creates a Publisher. kinds are announced through Home
// Assistant discovery when enabled.
func NewPublisher(logger *zap.Logger, cfg Config, kinds ...telemetry.Kind) *Publisher {
	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}
	return &Publisher{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		kinds:   kinds,
	}
}

// EventTopic returns the MQTT topic for events of kind.
func (p *Publisher) EventTopic(kind telemetry.Kind) string {
	return p.cfg.TopicPrefix + "/events/" + string(kind)
}

// Start connects to the broker and publishes discovery configs if enabled.
func (p *Publisher) Start(ctx context.Context) error {
	client, err := connect(ctx, p.cfg, p.cfg.ClientID+"-events", func(err error) {
		p.logger.Warn("mqtt publisher connection lost", zap.Error(err))
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	p.logger.Info("mqtt publisher connected",
		zap.String("broker_url", p.cfg.BrokerURL),
		zap.String("topic_prefix", p.cfg.TopicPrefix),
	)

	if p.cfg.HADiscovery {
		for _, dc := range BuildEventDiscoveryConfigs(p.kinds, p.cfg.ClientID, p.cfg.TopicPrefix, p.cfg.HADiscoveryPrefix) {
			// Discovery configs are retained so Home Assistant picks them up on restart.
			p.publish(ctx, dc.Topic, dc.Payload, true)
		}
	}
	return nil
}

// Attach subscribes the publisher to every detection topic on bus.
func (p *Publisher) Attach(bus *event.Bus) (detach func()) {
	return bus.SubscribePrefix(event.TopicPrefix, p.Handle)
}

// Handle publishes a detection event as JSON.
func (p *Publisher) Handle(ctx context.Context, msg event.Message) {
	ev, ok := msg.Payload.(telemetry.Event)
	if !ok {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to marshal MQTT payload",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return
	}
	p.publish(ctx, p.EventTopic(ev.Kind), payload, p.cfg.Retain)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, retain bool) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		p.count(false)
		p.logger.Warn("mqtt publish abandoned", zap.String("mqtt_topic", topic), zap.Error(err))
		return
	}

	pubCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	_, err := client.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		QoS:     p.cfg.QoS,
		Retain:  retain,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	if err != nil {
		p.count(false)
		p.logger.Warn("mqtt publish failed", zap.String("mqtt_topic", topic), zap.Error(err))
		return
	}
	p.count(true)
	p.logger.Debug("mqtt event published", zap.String("mqtt_topic", topic))
}

func (p *Publisher) count(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.published++
	} else {
		p.failed++
	}
}

// Stats returns the number of successful and failed publishes.
func (p *Publisher) Stats() (published, failed int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published, p.failed
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return
	}
	if err := disconnect(p.client); err != nil {
		p.logger.Debug("mqtt disconnect", zap.Error(err))
	}
	p.client = nil
	p.logger.Info("mqtt publisher disconnected")
}
