package testutil

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// StartBroker runs an in-process MQTT broker on a free loopback port for the
// duration of the test and returns its host:port.
func StartBroker(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "test",
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return addr
}

// Message is one publish seen by a Peer.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Peer is a plain MQTT client standing in for a vehicle or a consumer.
type Peer struct {
	client *paho.Client
	mu     sync.Mutex
	msgs   []Message
}

// NewPeer connects a client with id to the broker at addr.
func NewPeer(t testing.TB, addr, id string) *Peer {
	t.Helper()
	ctx := context.Background()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	require.NoError(t, err)

	p := &Peer{}
	p.client = paho.NewClient(paho.ClientConfig{
		ClientID: id,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				p.mu.Lock()
				defer p.mu.Unlock()
				p.msgs = append(p.msgs, Message{pr.Packet.Topic, pr.Packet.Payload, pr.Packet.Retain})
				return true, nil
			},
		},
	})
	_, err = p.client.Connect(ctx, &paho.Connect{ClientID: id, KeepAlive: 5, CleanStart: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.client.Disconnect(&paho.Disconnect{}) })
	return p
}

// Subscribe subscribes to filter at QoS 1.
func (p *Peer) Subscribe(t testing.TB, filter string) {
	t.Helper()
	_, err := p.client.Subscribe(context.Background(), &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	require.NoError(t, err)
}

// Publish sends payload to topic at QoS 1 and waits for the ack.
func (p *Peer) Publish(t testing.TB, topic string, payload []byte) {
	t.Helper()
	_, err := p.client.Publish(context.Background(), &paho.Publish{Topic: topic, QoS: 1, Payload: payload})
	require.NoError(t, err)
}

// Messages returns a copy of everything received so far.
func (p *Peer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}
