package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	OBEX_BUS_NAME           = "org.bluez.obex"
	OBEX_OBJECT_PATH        = "/org/bluez/obex"
	OBEX_CLIENT_INTERFACE   = "org.bluez.obex.Client1"
	OBEX_IMAGE_INTERFACE    = "org.bluez.obex.Image1"
	OBEX_TRANSFER_INTERFACE = "org.bluez.obex.Transfer1"
	OBEX_IMAGE_TARGET       = "bip-avrcp"

	transferPollInterval = 100 * time.Millisecond
)

var ErrTransferFailed = errors.New("obex transfer failed")

// DBusObexClient talks to obexd over D-Bus.
type DBusObexClient struct {
	conn *dbus.Conn
}

// NewDBusObexClient connects to obexd on the "system" or "session" bus.
func NewDBusObexClient(bus string) (*DBusObexClient, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if bus == "session" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", bus, err)
	}
	return &DBusObexClient{conn: conn}, nil
}

func (c *DBusObexClient) CreateSession(ctx context.Context, mac string, port int) (ImageSession, error) {
	args := map[string]dbus.Variant{
		"Target": dbus.MakeVariant(OBEX_IMAGE_TARGET),
		"PSM":    dbus.MakeVariant(uint16(port)),
	}

	var path dbus.ObjectPath
	obj := c.conn.Object(OBEX_BUS_NAME, OBEX_OBJECT_PATH)
	if err := obj.CallWithContext(ctx, OBEX_CLIENT_INTERFACE+".CreateSession", 0, mac, args).Store(&path); err != nil {
		return nil, fmt.Errorf("failed to create obex session: %w", err)
	}

	return &dbusImageSession{conn: c.conn, path: path}, nil
}

func (c *DBusObexClient) RemoveSession(ctx context.Context, session ImageSession) error {
	obj := c.conn.Object(OBEX_BUS_NAME, OBEX_OBJECT_PATH)
	return obj.CallWithContext(ctx, OBEX_CLIENT_INTERFACE+".RemoveSession", 0, dbus.ObjectPath(session.Path())).Err
}

func (c *DBusObexClient) Close() error {
	return c.conn.Close()
}

type dbusImageSession struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

func (s *dbusImageSession) Path() string {
	return string(s.path)
}

// Get starts an Image1 transfer and waits for its Transfer1 object to
// report completion.
func (s *dbusImageSession) Get(ctx context.Context, targetFile, handle string) error {
	var (
		transfer dbus.ObjectPath
		props    map[string]dbus.Variant
	)
	obj := s.conn.Object(OBEX_BUS_NAME, s.path)
	err := obj.CallWithContext(ctx, OBEX_IMAGE_INTERFACE+".Get", 0, targetFile, handle, map[string]dbus.Variant{}).
		Store(&transfer, &props)
	if err != nil {
		return fmt.Errorf("failed to start image transfer: %w", err)
	}

	ticker := time.NewTicker(transferPollInterval)
	defer ticker.Stop()

	for {
		status, err := s.conn.Object(OBEX_BUS_NAME, transfer).GetProperty(OBEX_TRANSFER_INTERFACE + ".Status")
		if err != nil {
			// obexd drops the transfer object once it finishes.
			return nil
		}
		switch status.Value() {
		case "complete":
			return nil
		case "error":
			return ErrTransferFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
