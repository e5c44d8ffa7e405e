package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bpou/digital-dash/dashd/metrics"
	"github.com/bpou/digital-dash/dashd/runner"
	"github.com/bpou/digital-dash/dashd/utils"
)

var ErrSessionNotFound = errors.New("session not found")

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|[\x01\x02]`)

// pairingRule maps one agent output pattern to a state change. The first
// matching rule decides; lines no rule matches are ignored.
type pairingRule struct {
	pattern *regexp.Regexp
	apply   func(s *pairSession, line string, match []string)
}

var pairingRules = []pairingRule{
	{
		pattern: regexp.MustCompile(`(?i)passkey:?\s+([0-9]+)`),
		apply: func(s *pairSession, _ string, match []string) {
			if s.state != PairStatePairing {
				return
			}
			s.passkey = match[1]
			s.state = PairStateConfirm
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)pairing successful`),
		apply: func(s *pairSession, _ string, _ []string) {
			s.state = PairStatePaired
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)failed to pair|authentication canceled|authentication failed|request canceled`),
		apply: func(s *pairSession, line string, _ []string) {
			if s.state.Terminal() {
				return
			}
			s.state = PairStateFailed
			s.err = line
		},
	},
}

type pairSession struct {
	mu         sync.Mutex
	id         string
	mac        string
	state      PairState
	passkey    string
	err        string
	proc       runner.Interactive
	finalized  bool
	finishedAt time.Time
}

func (s *pairSession) statusLocked() PairStatus {
	status := PairStatus{ID: s.id, MAC: s.mac, State: s.state}
	if s.passkey != "" {
		passkey := s.passkey
		status.Passkey = &passkey
	}
	if s.err != "" {
		msg := s.err
		status.Error = &msg
	}
	return status
}

type pairFinalizer interface {
	trustAndConnect(ctx context.Context, address string)
}

// PairingOrchestrator runs one interactive bluetoothctl agent per pairing
// attempt and tracks its progress from the agent's output.
type PairingOrchestrator struct {
	runner    runner.Runner
	bin       string
	finalizer pairFinalizer
	events    utils.Broadcaster
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*pairSession
}

func NewPairingOrchestrator(r runner.Runner, bin string, finalizer pairFinalizer, events utils.Broadcaster) *PairingOrchestrator {
	return &PairingOrchestrator{
		runner:    r,
		bin:       bin,
		finalizer: finalizer,
		events:    events,
		now:       time.Now,
		sessions:  make(map[string]*pairSession),
	}
}

// Start spawns the agent, queues the pairing commands and returns while the
// session is still in the pairing state.
func (o *PairingOrchestrator) Start(ctx context.Context, address string) (PairStatus, error) {
	o.reap()

	s := &pairSession{
		id:    uuid.NewString(),
		mac:   address,
		state: PairStatePairing,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, err := o.runner.StartInteractive(o.bin, nil,
		func(line string) { o.handleLine(s, line) },
		func(err error) { o.handleExit(s, err) },
	)
	if err != nil {
		return PairStatus{}, fmt.Errorf("failed to start pairing agent: %w", err)
	}
	s.proc = proc

	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()

	for _, cmd := range []string{"agent on", "default-agent", "pairable on", "discoverable on", "pair " + address} {
		if err := proc.Send(cmd); err != nil {
			s.state = PairStateFailed
			s.err = fmt.Sprintf("failed to send %q to agent: %v", cmd, err)
			s.finishedAt = o.now()
			_ = proc.Kill()
			break
		}
	}

	slog.Info("pairing started", "session", s.id, "mac", address)
	return s.statusLocked(), nil
}

// Status reports a session. The first time a session is seen paired, the
// agent is stopped and the device is trusted and connected.
func (o *PairingOrchestrator) Status(ctx context.Context, id string) (PairStatus, error) {
	s, err := o.session(id)
	if err != nil {
		return PairStatus{}, err
	}

	s.mu.Lock()
	finalize := s.state == PairStatePaired && !s.finalized
	if finalize {
		s.finalized = true
	}
	proc := s.proc
	s.mu.Unlock()

	if finalize {
		if proc != nil {
			_ = proc.Kill()
		}
		o.finalizer.trustAndConnect(context.WithoutCancel(ctx), s.mac)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(), nil
}

// Confirm answers the agent's passkey prompt. Sessions that are no longer
// pairing or confirming are returned untouched.
func (o *PairingOrchestrator) Confirm(id string, accept bool) (PairStatus, error) {
	s, err := o.session(id)
	if err != nil {
		return PairStatus{}, err
	}

	s.mu.Lock()
	if s.state != PairStatePairing && s.state != PairStateConfirm {
		defer s.mu.Unlock()
		return s.statusLocked(), nil
	}

	answer := "no"
	if accept {
		answer = "yes"
	}

	var changed bool
	if err := s.proc.Send(answer); err != nil {
		slog.Warn("failed to answer pairing agent", "session", id, "error", err)
		s.state = PairStateFailed
		if s.err == "" {
			s.err = "failed to respond to agent"
		}
		s.finishedAt = o.now()
		changed = true
	}
	status := s.statusLocked()
	proc := s.proc
	s.mu.Unlock()

	if changed {
		o.publish(status)
		_ = proc.Kill()
	}
	return status, nil
}

func (o *PairingOrchestrator) session(id string) (*pairSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (o *PairingOrchestrator) handleLine(s *pairSession, raw string) {
	line := strings.TrimSpace(ansiRegex.ReplaceAllString(raw, ""))
	if line == "" {
		return
	}

	s.mu.Lock()
	before := s.state
	for _, rule := range pairingRules {
		if match := rule.pattern.FindStringSubmatch(line); match != nil {
			rule.apply(s, line, match)
			break
		}
	}
	changed := s.state != before
	if changed && s.state.Terminal() {
		s.finishedAt = o.now()
	}
	status := s.statusLocked()
	proc := s.proc
	s.mu.Unlock()

	if !changed {
		return
	}

	slog.Info("pairing state changed", "session", s.id, "mac", s.mac, "state", status.State)
	o.publish(status)

	if status.State == PairStateFailed && proc != nil {
		_ = proc.Kill()
	}
}

func (o *PairingOrchestrator) handleExit(s *pairSession, exitErr error) {
	s.mu.Lock()
	changed := s.state == PairStatePairing
	if changed {
		s.state = PairStateFailed
		if s.err == "" {
			s.err = "bluetoothctl exited"
		}
		s.finishedAt = o.now()
	}
	status := s.statusLocked()
	s.mu.Unlock()

	slog.Debug("pairing agent exited", "session", s.id, "error", exitErr)
	if changed {
		o.publish(status)
	}
}

func (o *PairingOrchestrator) publish(status PairStatus) {
	if status.State.Terminal() {
		metrics.PairingOutcomes.WithLabelValues(string(status.State)).Inc()
	}

	payload := utils.PairingStatePayload{
		SessionID: status.ID,
		Address:   status.MAC,
		State:     string(status.State),
	}
	if status.Passkey != nil {
		payload.Passkey = *status.Passkey
	}
	if status.Error != nil {
		payload.Error = *status.Error
	}
	o.events.Broadcast(utils.WebSocketEvent{Type: "bluetooth/pairing", Payload: payload})
}

// reap forgets sessions that finished more than pairSessionTTL ago.
func (o *PairingOrchestrator) reap() {
	cutoff := o.now().Add(-pairSessionTTL)

	o.mu.Lock()
	defer o.mu.Unlock()

	for id, s := range o.sessions {
		s.mu.Lock()
		stale := s.state.Terminal() && !s.finishedAt.IsZero() && s.finishedAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(o.sessions, id)
		}
	}
}

// Close kills every agent process that is still running.
func (o *PairingOrchestrator) Close() {
	o.mu.Lock()
	sessions := make([]*pairSession, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
	}
}
