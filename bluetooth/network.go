package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/godbus/dbus/v5"
	"github.com/vishvananda/netlink"

	"github.com/bpou/digital-dash/dashd/utils"
)

var ErrNetworkDown = errors.New(PAN_INTERFACE_NAME + " interface is not up")

// NetworkStatus describes the Bluetooth PAN link used for phone tethering.
type NetworkStatus struct {
	Interface string   `json:"interface"`
	Up        bool     `json:"up"`
	Addresses []string `json:"addresses"`
}

// ConnectNetwork joins the device's NAP profile and checks the resulting
// PAN interface came up.
func (m *BluetoothManager) ConnectNetwork(ctx context.Context, address string) error {
	conn, err := m.systemBus()
	if err != nil {
		return err
	}

	path := dbus.ObjectPath(utils.DevicePath(m.cfg.Adapter, address))
	obj := conn.Object(BLUEZ_BUS_NAME, path)
	if err := obj.CallWithContext(ctx, BLUEZ_NETWORK_INTERFACE+".Connect", 0, "nap").Err; err != nil {
		return fmt.Errorf("failed to connect network: %w", err)
	}

	if !m.NetworkStatus().Up {
		return ErrNetworkDown
	}

	slog.Info("pan network connected", "mac", address)
	m.events.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/network/connect",
		Payload: utils.NetworkConnectedPayload{Address: address},
	})
	return nil
}

func (m *BluetoothManager) NetworkStatus() NetworkStatus {
	status := NetworkStatus{Interface: PAN_INTERFACE_NAME, Addresses: []string{}}

	link, err := netlink.LinkByName(PAN_INTERFACE_NAME)
	if err != nil {
		return status
	}
	status.Up = link.Attrs().Flags&net.FlagUp != 0

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return status
	}
	for _, addr := range addrs {
		if addr.IPNet != nil {
			status.Addresses = append(status.Addresses, addr.IPNet.String())
		}
	}
	return status
}
