package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/vishvananda/netlink"

	"github.com/bpou/digital-dash/dashd/utils"
)

// ConnectionHandler is told about Device1.Connected changes seen on the bus.
type ConnectionHandler func(address string, connected bool)

func (m *BluetoothManager) systemBus() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// StartMonitor watches BlueZ for devices connecting and disconnecting. Each
// change is broadcast and passed to onChange. The watch ends with ctx.
func (m *BluetoothManager) StartMonitor(ctx context.Context, onChange ConnectionHandler) error {
	conn, err := m.systemBus()
	if err != nil {
		return err
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(DBUS_PROPERTIES_INTERFACE),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(BLUEZ_OBJECT_PATH),
	); err != nil {
		return fmt.Errorf("failed to add signal match: %w", err)
	}

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)

	go func() {
		defer conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case signal, ok := <-signals:
				if !ok {
					return
				}
				m.handlePropertiesChanged(signal, onChange)
			}
		}
	}()

	slog.Info("watching bluez device connections")
	return nil
}

func (m *BluetoothManager) handlePropertiesChanged(signal *dbus.Signal, onChange ConnectionHandler) {
	address, connected, ok := connectionChange(signal)
	if !ok {
		return
	}

	if connected {
		slog.Info("device connected", "mac", address)
		m.events.Broadcast(utils.WebSocketEvent{
			Type:    "bluetooth/connect",
			Payload: utils.DeviceConnectedPayload{Address: address},
		})
	} else {
		slog.Info("device disconnected", "mac", address)
		m.events.Broadcast(utils.WebSocketEvent{
			Type:    "bluetooth/disconnect",
			Payload: utils.DeviceDisconnectedPayload{Address: address},
		})
	}

	if onChange != nil {
		onChange(address, connected)
	}
}

// connectionChange extracts a Device1 Connected transition from a
// PropertiesChanged signal.
func connectionChange(signal *dbus.Signal) (string, bool, bool) {
	if signal == nil || signal.Name != DBUS_PROPERTIES_CHANGED || len(signal.Body) < 2 {
		return "", false, false
	}

	iface, ok := signal.Body[0].(string)
	if !ok || iface != BLUEZ_DEVICE_INTERFACE {
		return "", false, false
	}

	changes, ok := signal.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false, false
	}
	variant, ok := changes["Connected"]
	if !ok {
		return "", false, false
	}
	connected, ok := variant.Value().(bool)
	if !ok {
		return "", false, false
	}

	address := utils.MACFromPath(string(signal.Path))
	if address == "" {
		return "", false, false
	}
	return address, connected, true
}

// StartNetworkMonitor broadcasts when the PAN interface goes away.
func (m *BluetoothManager) StartNetworkMonitor(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("failed to subscribe to link updates: %w", err)
	}

	go func() {
		<-ctx.Done()
		close(done)
	}()

	go func() {
		for update := range updates {
			if update.Header.Type != syscall.RTM_DELLINK || update.Link == nil {
				continue
			}
			if update.Link.Attrs().Name != PAN_INTERFACE_NAME {
				continue
			}

			slog.Info("pan interface removed", "interface", PAN_INTERFACE_NAME)
			m.events.Broadcast(utils.WebSocketEvent{Type: "bluetooth/network/disconnect"})
		}
	}()

	return nil
}
