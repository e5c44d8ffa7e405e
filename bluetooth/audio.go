package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bpou/digital-dash/dashd/runner"
)

var ErrSinkUnavailable = errors.New("Bluetooth sink not available yet")

// AudioRouter points the sound server at a Bluetooth device's sink.
type AudioRouter struct {
	runner runner.Runner
	bin    string
}

func NewAudioRouter(r runner.Runner, bin string) *AudioRouter {
	return &AudioRouter{runner: r, bin: bin}
}

func (a *AudioRouter) pactl(ctx context.Context, args ...string) (string, error) {
	return a.runner.Run(ctx, a.bin, args, pactlTimeout)
}

// FindSink returns the sink name for address. PulseAudio names it
// bluez_sink.<mac>, PipeWire bluez_output.<mac>.
func (a *AudioRouter) FindSink(ctx context.Context, address string) (string, error) {
	raw, err := a.pactl(ctx, "list", "short", "sinks")
	if err != nil {
		return "", err
	}

	suffix := strings.ToLower(strings.ReplaceAll(address, ":", "_"))
	targets := []string{"bluez_sink." + suffix, "bluez_output." + suffix}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		for _, target := range targets {
			if !strings.Contains(lower, target) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) > 1 {
				return fields[1], nil
			}
		}
	}
	return "", nil
}

// Use makes the device's sink the default and moves every playing stream to it.
func (a *AudioRouter) Use(ctx context.Context, address string) error {
	sink, err := a.FindSink(ctx, address)
	if err != nil {
		return err
	}
	if sink == "" {
		return ErrSinkUnavailable
	}

	if _, err := a.pactl(ctx, "set-default-sink", sink); err != nil {
		return fmt.Errorf("failed to set default sink: %w", err)
	}

	inputs, err := a.pactl(ctx, "list", "short", "sink-inputs")
	if err != nil {
		return fmt.Errorf("failed to list sink inputs: %w", err)
	}
	for _, line := range strings.Split(inputs, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if _, err := a.pactl(ctx, "move-sink-input", fields[0], sink); err != nil {
			return fmt.Errorf("failed to move sink input %s: %w", fields[0], err)
		}
	}

	slog.Info("audio routed to bluetooth sink", "mac", address, "sink", sink)
	return nil
}
