package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
)

type Client struct {
	cli mqtt.Client
}

// ClientAPI is the part of the broker client the bridge needs, so the
// bridge can be tested without a broker.
type ClientAPI interface {
	Subscribe(topic string, cb Handler) error
	PublishWith(topic string, payload []byte, retain bool) error
	Close()
}

// Message is re-exported type for handlers
type Message = mqtt.Message

// Handler is handler signature
type Handler = mqtt.MessageHandler

// Connect dials brokerURL (mqtt://, tcp://, ssl://, tls://, ws:// or wss://).
// Credentials in the URL are used for the broker login.
func Connect(brokerURL, clientID string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	opts.AddBroker(server)
	opts.SetClientID(clientID + "-" + time.Now().Format("150405.000"))
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", u.Host) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	cli := mqtt.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", u.Host)
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	t := c.cli.Subscribe(topic, 0, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 0, retain, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *Client) Close() {
	c.cli.Disconnect(disconnectQuiesce)
}
