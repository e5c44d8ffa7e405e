package bluetooth

import "time"

const (
	BLUEZ_BUS_NAME               = "org.bluez"
	BLUEZ_DEVICE_INTERFACE       = "org.bluez.Device1"
	BLUEZ_NETWORK_INTERFACE      = "org.bluez.Network1"
	BLUEZ_OBJECT_PATH            = "/org/bluez"
	DBUS_PROPERTIES_CHANGED      = "org.freedesktop.DBus.Properties.PropertiesChanged"
	DBUS_PROPERTIES_INTERFACE    = "org.freedesktop.DBus.Properties"
	PAN_INTERFACE_NAME           = "bnep0"
	DEFAULT_ADAPTER              = "hci0"
	DEFAULT_BLUETOOTHCTL_COMMAND = "bluetoothctl"
	DEFAULT_PACTL_COMMAND        = "pactl"
)

const (
	DefaultScanTimeout = 20 * time.Second

	commandTimeout = 10 * time.Second
	batchTimeout   = 20 * time.Second
	trustTimeout   = 8 * time.Second
	connectTimeout = 10 * time.Second
	pactlTimeout   = 8 * time.Second
	pairSessionTTL = 10 * time.Minute
)
