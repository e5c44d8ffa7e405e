package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bpou/digital-dash/dashd/runner"
	"github.com/bpou/digital-dash/dashd/utils"
)

const (
	BLUEZ_BUS_NAME                = "org.bluez"
	BLUEZ_MEDIA_PLAYER_INTERFACE  = "org.bluez.MediaPlayer1"
	BLUEZ_MEDIA_CONTROL_INTERFACE = "org.bluez.MediaControl1"
	DEFAULT_BUSCTL_COMMAND        = "busctl"

	busctlTimeout = 8 * time.Second
)

var ErrUnknownAction = errors.New("unknown media action")

// playerMethods maps control actions onto MediaPlayer1 methods. "toggle" is
// resolved against the current status.
var playerMethods = map[string]string{
	"play":  "Play",
	"pause": "Pause",
	"next":  "Next",
	"prev":  "Previous",
	"stop":  "Stop",
}

// ValidAction reports whether Control accepts action.
func ValidAction(action string) bool {
	action = strings.ToLower(strings.TrimSpace(action))
	_, ok := playerMethods[action]
	return ok || action == "toggle"
}

// Player queries BlueZ media players through busctl.
type Player struct {
	runner  runner.Runner
	bin     string
	adapter string
}

func NewPlayer(r runner.Runner, bin, adapter string) *Player {
	if bin == "" {
		bin = DEFAULT_BUSCTL_COMMAND
	}
	if adapter == "" {
		adapter = "hci0"
	}
	return &Player{runner: r, bin: bin, adapter: adapter}
}

func (p *Player) busctl(ctx context.Context, args ...string) (string, error) {
	return p.runner.Run(ctx, p.bin, append([]string{"--system"}, args...), busctlTimeout)
}

// Path finds the device's media player object. The conventional player0
// path is tried first, then the device's MediaControl1.Player property.
// An empty path means the device exposes no player.
func (p *Player) Path(ctx context.Context, mac string) string {
	device := utils.DevicePath(p.adapter, mac)

	candidate := device + "/player0"
	if _, err := p.busctl(ctx, "introspect", BLUEZ_BUS_NAME, candidate); err == nil {
		return candidate
	}

	raw, err := p.busctl(ctx, "get-property", BLUEZ_BUS_NAME, device, BLUEZ_MEDIA_CONTROL_INTERFACE, "Player")
	if err != nil {
		slog.Debug("no media player for device", "mac", mac, "error", err)
		return ""
	}
	tokens := Tokenize(raw)
	if len(tokens) >= 2 && tokens[0] == "o" && strings.HasPrefix(tokens[1], device+"/") {
		return tokens[1]
	}
	return ""
}

func (p *Player) property(ctx context.Context, path, name string) (string, error) {
	raw, err := p.busctl(ctx, "get-property", BLUEZ_BUS_NAME, path, BLUEZ_MEDIA_PLAYER_INTERFACE, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func (p *Player) Track(ctx context.Context, path string) (Track, error) {
	raw, err := p.property(ctx, path, "Track")
	if err != nil {
		return Track{}, fmt.Errorf("failed to read track: %w", err)
	}
	return DecodeTrack(raw), nil
}

func (p *Player) Playing(ctx context.Context, path string) (bool, error) {
	raw, err := p.property(ctx, path, "Status")
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	return strings.Contains(strings.ToLower(raw), "playing"), nil
}

// PositionSec is best-effort; Position is reported in milliseconds.
func (p *Player) PositionSec(ctx context.Context, path string) int {
	raw, err := p.property(ctx, path, "Position")
	if err != nil {
		return 0
	}
	return firstNumber(raw) / 1000
}

// ObexPort returns the player's advertised cover-art port, or 0.
func (p *Player) ObexPort(ctx context.Context, path string) int {
	raw, err := p.property(ctx, path, "ObexPort")
	if err != nil {
		return 0
	}
	return firstNumber(raw)
}

// Control runs a transport action on the player.
func (p *Player) Control(ctx context.Context, path, action string) error {
	action = strings.ToLower(strings.TrimSpace(action))

	if action == "toggle" {
		playing, err := p.Playing(ctx, path)
		if err != nil {
			return err
		}
		action = "play"
		if playing {
			action = "pause"
		}
	}

	method, ok := playerMethods[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if _, err := p.busctl(ctx, "call", BLUEZ_BUS_NAME, path, BLUEZ_MEDIA_PLAYER_INTERFACE, method); err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	return nil
}
