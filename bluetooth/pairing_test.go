package bluetooth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpou/digital-dash/dashd/runner/runnertest"
)

type finalizeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *finalizeRecorder) trustAndConnect(_ context.Context, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, address)
}

func (f *finalizeRecorder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestPairing(t *testing.T) (*PairingOrchestrator, *runnertest.Fake, *finalizeRecorder, *eventRecorder) {
	t.Helper()
	f := runnertest.New()
	fin := &finalizeRecorder{}
	events := &eventRecorder{}
	o := NewPairingOrchestrator(f, "bluetoothctl", fin, events)
	t.Cleanup(o.Close)
	return o, f, fin, events
}

func startPairing(t *testing.T, o *PairingOrchestrator, f *runnertest.Fake) (PairStatus, *runnertest.Process) {
	t.Helper()
	status, err := o.Start(context.Background(), phoneMAC)
	require.NoError(t, err)
	procs := f.Interactives()
	require.NotEmpty(t, procs)
	return status, procs[len(procs)-1]
}

func TestPairingStartSendsHandshake(t *testing.T) {
	o, f, _, _ := newTestPairing(t)

	status, proc := startPairing(t, o, f)

	assert.NotEmpty(t, status.ID)
	assert.Equal(t, phoneMAC, status.MAC)
	assert.Equal(t, PairStatePairing, status.State)
	assert.Nil(t, status.Passkey)
	assert.Nil(t, status.Error)
	assert.Equal(t, "bluetoothctl", proc.Name)
	assert.Equal(t, []string{
		"agent on",
		"default-agent",
		"pairable on",
		"discoverable on",
		"pair " + phoneMAC,
	}, proc.Sent())
}

func TestPairingSessionsAreIndependent(t *testing.T) {
	o, f, _, _ := newTestPairing(t)

	first, _ := startPairing(t, o, f)
	second, _ := startPairing(t, o, f)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, f.Interactives(), 2)
}

func TestPairingStartFailure(t *testing.T) {
	o, f, _, _ := newTestPairing(t)
	f.StartErr = errors.New("exec: not found")

	_, err := o.Start(context.Background(), phoneMAC)
	assert.ErrorContains(t, err, "failed to start pairing agent")
}

func TestPairingPasskeyTransitionsOnce(t *testing.T) {
	o, f, _, events := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("\x1b[0;94m[agent]\x1b[0m Confirm passkey 123456 (yes/no): ")
	proc.Emit("[agent] Passkey: 654321")

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStateConfirm, got.State)
	require.NotNil(t, got.Passkey)
	assert.Equal(t, "123456", *got.Passkey)
	assert.Equal(t, []string{"bluetooth/pairing"}, events.Types())
}

func TestPairingUnknownLinesIgnored(t *testing.T) {
	o, f, _, events := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("Attempting to pair with " + phoneMAC)
	proc.Emit("[CHG] Device " + phoneMAC + " Connected: yes")
	proc.Emit("")

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStatePairing, got.State)
	assert.Empty(t, events.Types())
}

func TestPairingSuccessFromConfirmFinalizesOnce(t *testing.T) {
	o, f, fin, _ := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("Request confirmation")
	proc.Emit("[agent] Confirm passkey 123456 (yes/no):")
	_, err := o.Confirm(status.ID, true)
	require.NoError(t, err)
	proc.Emit("Pairing successful")

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStatePaired, got.State)
	assert.True(t, proc.Killed())

	_, err = o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{phoneMAC}, fin.Calls())
	assert.Contains(t, proc.Sent(), "yes")
}

func TestPairingSuccessDirectlyFromPairing(t *testing.T) {
	o, f, fin, _ := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("Pairing successful")

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStatePaired, got.State)
	assert.Equal(t, []string{phoneMAC}, fin.Calls())
}

func TestPairingSuccessOverridesFailure(t *testing.T) {
	o, f, _, _ := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("Failed to pair: org.bluez.Error.AuthenticationFailed")
	proc.Emit("Pairing successful")

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStatePaired, got.State)
}

func TestPairingFailureCapturesLine(t *testing.T) {
	o, f, fin, _ := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("[agent] Confirm passkey 111111 (yes/no):")
	proc.Emit("Failed to pair: org.bluez.Error.AuthenticationCanceled")

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Failed to pair: org.bluez.Error.AuthenticationCanceled", *got.Error)
	assert.True(t, proc.Killed())
	assert.Empty(t, fin.Calls())
}

func TestPairingExitWhilePairingFails(t *testing.T) {
	o, f, _, events := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Exit(errors.New("exit status 1"))

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "bluetoothctl exited", *got.Error)
	assert.Equal(t, []string{"bluetooth/pairing"}, events.Types())
}

func TestPairingExitWhileConfirmingKeepsState(t *testing.T) {
	o, f, _, _ := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("[agent] Confirm passkey 123456 (yes/no):")
	proc.Exit(nil)

	got, err := o.Status(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, PairStateConfirm, got.State)
}

func TestPairingConfirmOnTerminalSessionIsNoop(t *testing.T) {
	o, f, _, _ := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("Failed to pair: org.bluez.Error.AuthenticationFailed")
	sentBefore := len(proc.Sent())

	got, err := o.Confirm(status.ID, true)
	require.NoError(t, err)
	assert.Equal(t, PairStateFailed, got.State)
	assert.Len(t, proc.Sent(), sentBefore)
}

func TestPairingConfirmReject(t *testing.T) {
	o, f, _, _ := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("[agent] Confirm passkey 123456 (yes/no):")
	got, err := o.Confirm(status.ID, false)
	require.NoError(t, err)
	assert.Equal(t, PairStateConfirm, got.State)

	sent := proc.Sent()
	assert.Equal(t, "no", sent[len(sent)-1])
}

func TestPairingConfirmWriteFailure(t *testing.T) {
	o, f, _, events := newTestPairing(t)
	status, proc := startPairing(t, o, f)

	proc.Emit("[agent] Confirm passkey 123456 (yes/no):")
	proc.FailSends(errors.New("write |1: broken pipe"))

	got, err := o.Confirm(status.ID, true)
	require.NoError(t, err)
	assert.Equal(t, PairStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "failed to respond to agent", *got.Error)
	assert.True(t, proc.Killed())
	assert.Equal(t, []string{"bluetooth/pairing", "bluetooth/pairing"}, events.Types())
}

func TestPairingUnknownSession(t *testing.T) {
	o, _, _, _ := newTestPairing(t)

	_, err := o.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = o.Confirm("missing", true)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPairingReapsFinishedSessions(t *testing.T) {
	o, f, _, _ := newTestPairing(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	old, proc := startPairing(t, o, f)
	proc.Emit("Failed to pair: org.bluez.Error.AuthenticationFailed")

	now = now.Add(pairSessionTTL + time.Minute)
	startPairing(t, o, f)

	_, err := o.Status(context.Background(), old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPairingCloseKillsAgents(t *testing.T) {
	o, f, _, _ := newTestPairing(t)
	_, proc := startPairing(t, o, f)

	o.Close()
	assert.True(t, proc.Killed())
}
