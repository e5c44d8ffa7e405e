package utils

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type PairingStatePayload struct {
	SessionID string `json:"sessionId"`
	Address   string `json:"address"`
	State     string `json:"state"`
	Passkey   string `json:"passkey,omitempty"`
	Error     string `json:"error,omitempty"`
}

type DeviceConnectedPayload struct {
	Address string `json:"address"`
}

type DeviceDisconnectedPayload struct {
	Address string `json:"address"`
}

type DeviceRemovedPayload struct {
	Address string `json:"address"`
}

type NetworkConnectedPayload struct {
	Address string `json:"address"`
}

// Broadcaster is satisfied by the websocket hub and the MQTT bridge.
type Broadcaster interface {
	Broadcast(event WebSocketEvent)
}

// Broadcasters fans an event out to several sinks.
type Broadcasters []Broadcaster

func (b Broadcasters) Broadcast(event WebSocketEvent) {
	for _, s := range b {
		if s != nil {
			s.Broadcast(event)
		}
	}
}
