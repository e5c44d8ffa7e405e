package utils

import (
	"regexp"
	"strings"
)

var macRegex = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// IsMAC reports whether s is a colon separated Bluetooth address.
func IsMAC(s string) bool {
	return macRegex.MatchString(s)
}

// NormalizeMAC upper-cases an address and converts '_' or '-' separators to ':'.
func NormalizeMAC(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("_", ":", "-", ":").Replace(s)
	return strings.ToUpper(s)
}

// DevicePath converts "AA:BB:CC:DD:EE:FF" to "/org/bluez/<adapter>/dev_AA_BB_CC_DD_EE_FF".
func DevicePath(adapter, mac string) string {
	return "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(NormalizeMAC(mac), ":", "_")
}

// MACFromPath extracts the address from a BlueZ device object path, or "".
func MACFromPath(path string) string {
	i := strings.Index(path, "/dev_")
	if i < 0 {
		return ""
	}
	rest := path[i+len("/dev_"):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	mac := strings.ReplaceAll(rest, "_", ":")
	if !IsMAC(mac) {
		return ""
	}
	return strings.ToUpper(mac)
}
