package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bpou/digital-dash/dashd/runner"
	"github.com/bpou/digital-dash/dashd/utils"
)

type Config struct {
	Bluetoothctl string
	Pactl        string
	Adapter      string
	ScanTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Bluetoothctl == "" {
		c.Bluetoothctl = DEFAULT_BLUETOOTHCTL_COMMAND
	}
	if c.Pactl == "" {
		c.Pactl = DEFAULT_PACTL_COMMAND
	}
	if c.Adapter == "" {
		c.Adapter = DEFAULT_ADAPTER
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	return c
}

// BluetoothManager owns every bluetoothctl interaction: the device directory,
// device lifecycle, pairing sessions and the discovery window.
type BluetoothManager struct {
	runner runner.Runner
	cfg    Config
	events utils.Broadcaster

	Audio   *AudioRouter
	Pairing *PairingOrchestrator
	Scan    *ScanController

	mu   sync.Mutex
	conn *dbus.Conn
}

func NewBluetoothManager(r runner.Runner, cfg Config, events utils.Broadcaster) *BluetoothManager {
	cfg = cfg.withDefaults()
	if events == nil {
		events = utils.Broadcasters(nil)
	}

	m := &BluetoothManager{
		runner: r,
		cfg:    cfg,
		events: events,
	}
	m.Audio = NewAudioRouter(r, cfg.Pactl)
	m.Pairing = NewPairingOrchestrator(r, cfg.Bluetoothctl, m, events)
	m.Scan = NewScanController(r, cfg.Bluetoothctl, cfg.ScanTimeout)

	return m
}

func (m *BluetoothManager) btctl(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	return m.runner.Run(ctx, m.cfg.Bluetoothctl, args, timeout)
}

// ConnectDevice connects through a short-lived agent session, then routes
// audio to the device. Audio routing is best-effort.
func (m *BluetoothManager) ConnectDevice(ctx context.Context, address string) error {
	_, err := m.runner.RunBatch(ctx, m.cfg.Bluetoothctl, []string{
		"agent on",
		"default-agent",
		"connect " + address,
	}, batchTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}

	if err := m.Audio.Use(ctx, address); err != nil {
		slog.Warn("audio routing after connect failed", "mac", address, "error", err)
	}

	slog.Info("device connected", "mac", address)
	m.events.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/connect",
		Payload: utils.DeviceConnectedPayload{Address: address},
	})

	return nil
}

func (m *BluetoothManager) DisconnectDevice(ctx context.Context, address string) error {
	if _, err := m.btctl(ctx, commandTimeout, "disconnect", address); err != nil {
		return fmt.Errorf("failed to disconnect device: %w", err)
	}

	m.events.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/disconnect",
		Payload: utils.DeviceDisconnectedPayload{Address: address},
	})

	return nil
}

func (m *BluetoothManager) RemoveDevice(ctx context.Context, address string) error {
	if _, err := m.btctl(ctx, commandTimeout, "remove", address); err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}

	m.events.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/removed",
		Payload: utils.DeviceRemovedPayload{Address: address},
	})

	return nil
}

// trustAndConnect is the post-pairing finalize step. Both calls are attempted
// and their failures only logged.
func (m *BluetoothManager) trustAndConnect(ctx context.Context, address string) {
	if _, err := m.btctl(ctx, trustTimeout, "trust", address); err != nil {
		slog.Warn("trust after pairing failed", "mac", address, "error", err)
	}
	if _, err := m.btctl(ctx, connectTimeout, "connect", address); err != nil {
		slog.Warn("connect after pairing failed", "mac", address, "error", err)
	}
}

// Close stops background work owned by the manager.
func (m *BluetoothManager) Close() {
	m.Scan.Close()
	m.Pairing.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
