package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/bpou/digital-dash/dashd/utils"
)

const controlTimeout = 10 * time.Second

// MediaController runs transport actions on the connected phone.
type MediaController interface {
	Control(ctx context.Context, action string) error
}

type ConnectionState struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	Timestamp int64  `json:"ts"`
}

type controlCommand struct {
	Action string `json:"action"`
}

// Bridge connects the service to the vehicle bus. It takes media commands
// from <prefix>/cmd/bt/media/control and mirrors Bluetooth events onto
// <prefix>/state/bt/... and <prefix>/event/bt/... topics.
type Bridge struct {
	client ClientAPI
	prefix string
	media  MediaController
	now    func() time.Time
}

func NewBridge(client ClientAPI, prefix string, media MediaController) *Bridge {
	if prefix == "" {
		prefix = "car"
	}
	return &Bridge{client: client, prefix: prefix, media: media, now: time.Now}
}

func (b *Bridge) ControlTopic() string    { return b.prefix + "/cmd/bt/media/control" }
func (b *Bridge) ConnectionTopic() string { return b.prefix + "/state/bt/connection" }
func (b *Bridge) NetworkTopic() string    { return b.prefix + "/state/bt/network" }
func (b *Bridge) PairingTopic() string    { return b.prefix + "/event/bt/pairing" }

func (b *Bridge) Start() error {
	return b.client.Subscribe(b.ControlTopic(), func(_ paho.Client, msg Message) {
		b.handleControl(msg.Payload())
	})
}

func (b *Bridge) handleControl(payload []byte) {
	var cmd controlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Action == "" {
		slog.Warn("ignoring malformed media command", "payload", string(payload), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	if err := b.media.Control(ctx, cmd.Action); err != nil {
		slog.Warn("media command failed", "action", cmd.Action, "error", err)
		return
	}
	slog.Debug("media command applied", "action", cmd.Action)
}

// Broadcast publishes the event on the matching vehicle bus topic. Events
// without a topic are dropped.
func (b *Bridge) Broadcast(event utils.WebSocketEvent) {
	var (
		topic  string
		retain bool
		body   interface{}
	)

	switch p := event.Payload.(type) {
	case utils.DeviceConnectedPayload:
		topic, retain = b.ConnectionTopic(), true
		body = ConnectionState{Connected: true, Address: p.Address, Timestamp: b.now().UnixMilli()}
	case utils.DeviceDisconnectedPayload:
		topic, retain = b.ConnectionTopic(), true
		body = ConnectionState{Connected: false, Address: p.Address, Timestamp: b.now().UnixMilli()}
	case utils.NetworkConnectedPayload:
		topic, retain = b.NetworkTopic(), true
		body = ConnectionState{Connected: true, Address: p.Address, Timestamp: b.now().UnixMilli()}
	case utils.PairingStatePayload:
		topic = b.PairingTopic()
		body = p
	default:
		if event.Type != "bluetooth/network/disconnect" {
			return
		}
		topic, retain = b.NetworkTopic(), true
		body = ConnectionState{Connected: false, Timestamp: b.now().UnixMilli()}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to encode mqtt payload", "type", event.Type, "error", err)
		return
	}
	if err := b.client.PublishWith(topic, payload, retain); err != nil {
		slog.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) Close() {
	b.client.Close()
}
