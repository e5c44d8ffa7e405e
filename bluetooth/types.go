package bluetooth

// Device is one remembered Bluetooth device as reported by the CLI.
type Device struct {
	MAC       string `json:"mac"`
	Name      string `json:"name"`
	Alias     string `json:"alias"`
	Connected bool   `json:"connected"`
	Paired    bool   `json:"paired"`
	Trusted   bool   `json:"trusted"`
	Blocked   bool   `json:"blocked"`
	RSSI      *int   `json:"rssi"`
}

// DisplayName returns the best human label for the device.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Alias != "" {
		return d.Alias
	}
	return "Bluetooth"
}

type PairState string

const (
	PairStatePairing PairState = "pairing"
	PairStateConfirm PairState = "confirm"
	PairStatePaired  PairState = "paired"
	PairStateFailed  PairState = "failed"
)

func (s PairState) Terminal() bool {
	return s == PairStatePaired || s == PairStateFailed
}

// PairStatus is a point-in-time copy of a pairing session.
type PairStatus struct {
	ID      string    `json:"id"`
	MAC     string    `json:"mac"`
	State   PairState `json:"state"`
	Passkey *string   `json:"passkey"`
	Error   *string   `json:"error"`
}
