package bluetooth

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/bpou/digital-dash/dashd/utils"
)

var deviceLineRegex = regexp.MustCompile(`(?i)^Device\s+([0-9A-F:]{17})\s+(.+)$`)

type listedDevice struct {
	MAC  string
	Name string
}

// parseDeviceList reads "Device AA:BB:CC:DD:EE:FF Name" lines, skipping
// anything else the CLI prints.
func parseDeviceList(output string) []listedDevice {
	var devices []listedDevice
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		matches := deviceLineRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		devices = append(devices, listedDevice{MAC: utils.NormalizeMAC(matches[1]), Name: strings.TrimSpace(matches[2])})
	}
	return devices
}

// parseDeviceInfo reads the "Key: value" block printed by `info <mac>`.
func parseDeviceInfo(mac, output string) Device {
	lines := strings.Split(output, "\n")
	get := func(key string) string {
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, key+":") {
				return strings.TrimSpace(strings.TrimPrefix(trimmed, key+":"))
			}
		}
		return ""
	}

	return Device{
		MAC:       mac,
		Name:      get("Name"),
		Alias:     get("Alias"),
		Connected: get("Connected") == "yes",
		Paired:    get("Paired") == "yes",
		Trusted:   get("Trusted") == "yes",
		Blocked:   get("Blocked") == "yes",
		RSSI:      parseRSSI(get("RSSI")),
	}
}

// parseRSSI accepts "-60" and "0xffffffc4 (-60)".
func parseRSSI(value string) *int {
	if value == "" {
		return nil
	}
	if open := strings.Index(value, "("); open >= 0 {
		if end := strings.Index(value[open:], ")"); end > 0 {
			value = value[open+1 : open+end]
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil
	}
	return &n
}

// GetDevices lists every remembered device with its live details. The paired
// flag is true when either the detail record or the paired listing says so.
func (m *BluetoothManager) GetDevices(ctx context.Context) ([]Device, error) {
	knownRaw, err := m.btctl(ctx, commandTimeout, "devices")
	if err != nil {
		return nil, err
	}
	known := parseDeviceList(knownRaw)
	paired := m.pairedAddresses(ctx)

	devices := make([]Device, 0, len(known))
	for _, entry := range known {
		infoRaw, err := m.btctl(ctx, commandTimeout, "info", entry.MAC)
		if err != nil {
			slog.Debug("device info unavailable", "mac", entry.MAC, "error", err)
			devices = append(devices, Device{
				MAC:    entry.MAC,
				Name:   entry.Name,
				Alias:  entry.Name,
				Paired: paired[entry.MAC],
			})
			continue
		}

		device := parseDeviceInfo(entry.MAC, infoRaw)
		if device.Name == "" {
			device.Name = entry.Name
		}
		device.Paired = device.Paired || paired[entry.MAC]
		devices = append(devices, device)
	}

	return devices, nil
}

// pairedAddresses is best-effort: an empty set is returned when neither the
// legacy nor the filtered listing works.
func (m *BluetoothManager) pairedAddresses(ctx context.Context) map[string]bool {
	paired := make(map[string]bool)

	raw, err := m.btctl(ctx, commandTimeout, "paired-devices")
	if err != nil {
		raw, err = m.btctl(ctx, commandTimeout, "devices", "Paired")
		if err != nil {
			slog.Debug("paired device listing unavailable", "error", err)
			return paired
		}
	}

	for _, d := range parseDeviceList(raw) {
		paired[d.MAC] = true
	}
	return paired
}

// GetConnectedDevice returns the first connected device, or nil.
func (m *BluetoothManager) GetConnectedDevice(ctx context.Context) (*Device, error) {
	devices, err := m.GetDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Connected {
			return &d, nil
		}
	}
	return nil, nil
}
