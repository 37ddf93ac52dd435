// Package mqtt connects tripscan to an MQTT broker: a Source turns a
// telemetry topic into a sample feed, and a Publisher republishes detection
// events.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
)

// ErrNoBroker is returned when the broker URL is empty.
var ErrNoBroker = errors.New("mqtt broker URL not configured")

// dial opens a network connection to the broker named by brokerURL.
// Supported schemes: tcp and mqtt (plain), ssl, tls and mqtts (TLS).
func dial(ctx context.Context, brokerURL string) (net.Conn, error) {
	if brokerURL == "" {
		return nil, ErrNoBroker
	}
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	host := u.Host
	switch u.Scheme {
	case "tcp", "mqtt":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "1883")
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", host, err)
		}
		return packets.NewThreadSafeConn(conn), nil
	case "ssl", "tls", "mqtts":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "8883")
		}
		d := tls.Dialer{Config: &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", host, err)
		}
		return packets.NewThreadSafeConn(conn), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// connect dials the broker and performs the MQTT v5 handshake. onError is
// called from paho's goroutines when the connection fails after the handshake.
func connect(
	ctx context.Context,
	cfg Config,
	clientID string,
	onError func(error),
	onPublish ...func(paho.PublishReceived) (bool, error),
) (*paho.Client, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	conn, err := dial(ctx, cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID:          clientID,
		Conn:              conn,
		OnPublishReceived: onPublish,
		OnClientError:     onError,
		OnServerDisconnect: func(d *paho.Disconnect) {
			onError(fmt.Errorf("server disconnected: reason code %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(cfg.KeepAlive / time.Second),
		CleanStart: true,
	}
	if cfg.Username != "" {
		cp.Username = cfg.Username
		cp.UsernameFlag = true
		cp.Password = []byte(cfg.Password)
		cp.PasswordFlag = true
	}

	if _, err := client.Connect(ctx, cp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}

func disconnect(client *paho.Client) error {
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
