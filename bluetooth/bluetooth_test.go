package bluetooth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpou/digital-dash/dashd/runner"
	"github.com/bpou/digital-dash/dashd/runner/runnertest"
	"github.com/bpou/digital-dash/dashd/utils"
)

const (
	phoneMAC = "AA:BB:CC:DD:EE:01"
	kitMAC   = "AA:BB:CC:DD:EE:02"
	tabMAC   = "AA:BB:CC:DD:EE:03"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []utils.WebSocketEvent
}

func (r *eventRecorder) Broadcast(event utils.WebSocketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func newTestManager(t *testing.T) (*BluetoothManager, *runnertest.Fake, *eventRecorder) {
	t.Helper()
	f := runnertest.New()
	events := &eventRecorder{}
	m := NewBluetoothManager(f, Config{ScanTimeout: time.Hour}, events)
	t.Cleanup(m.Close)
	return m, f, events
}

func TestParseDeviceList(t *testing.T) {
	out := "[bluetooth]# devices\n" +
		"Device aa:bb:cc:dd:ee:01 Phone\n" +
		"garbage line\n" +
		"Device AA:BB:CC:DD:EE:02   Car Kit  \n"

	devices := parseDeviceList(out)
	require.Len(t, devices, 2)
	assert.Equal(t, listedDevice{MAC: phoneMAC, Name: "Phone"}, devices[0])
	assert.Equal(t, listedDevice{MAC: kitMAC, Name: "Car Kit"}, devices[1])
}

func TestParseRSSI(t *testing.T) {
	tests := []struct {
		in   string
		want *int
	}{
		{"-60", intPtr(-60)},
		{"0xffffffc4 (-60)", intPtr(-60)},
		{"", nil},
		{"unknown", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRSSI(tt.in))
		})
	}
}

func intPtr(n int) *int { return &n }

func TestGetDevicesPairedIsUnionOfSources(t *testing.T) {
	m, f, _ := newTestManager(t)

	f.Set("Device "+phoneMAC+" Phone\nDevice "+kitMAC+" Car Kit\nDevice "+tabMAC+" Tablet\n", nil, "bluetoothctl", "devices")
	f.Set("Device "+kitMAC+" Car Kit\n", nil, "bluetoothctl", "paired-devices")
	f.Set("Device "+phoneMAC+" (public)\n"+
		"\tName: Phone\n"+
		"\tAlias: My Phone\n"+
		"\tPaired: no\n"+
		"\tTrusted: yes\n"+
		"\tBlocked: no\n"+
		"\tConnected: yes\n"+
		"\tRSSI: 0xffffffc4 (-60)\n", nil, "bluetoothctl", "info", phoneMAC)
	f.Set("Device "+tabMAC+" (public)\n"+
		"\tAlias: Tablet\n"+
		"\tPaired: yes\n"+
		"\tConnected: no\n", nil, "bluetoothctl", "info", tabMAC)

	devices, err := m.GetDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)

	phone := devices[0]
	assert.Equal(t, phoneMAC, phone.MAC)
	assert.Equal(t, "Phone", phone.Name)
	assert.Equal(t, "My Phone", phone.Alias)
	assert.True(t, phone.Connected)
	assert.True(t, phone.Trusted)
	assert.False(t, phone.Paired)
	require.NotNil(t, phone.RSSI)
	assert.Equal(t, -60, *phone.RSSI)

	// Detail query fails: minimal record, paired from the listing.
	kit := devices[1]
	assert.Equal(t, Device{MAC: kitMAC, Name: "Car Kit", Alias: "Car Kit", Paired: true}, kit)

	tablet := devices[2]
	assert.Equal(t, "Tablet", tablet.Name)
	assert.True(t, tablet.Paired)
	assert.Nil(t, tablet.RSSI)
}

func TestGetDevicesFallsBackToFilteredPairedListing(t *testing.T) {
	m, f, _ := newTestManager(t)

	f.Set("Device "+kitMAC+" Car Kit\n", nil, "bluetoothctl", "devices")
	f.Set("Device "+kitMAC+" Car Kit\n", nil, "bluetoothctl", "devices", "Paired")

	devices, err := m.GetDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Paired)
}

func TestGetDevicesToleratesMissingPairedListing(t *testing.T) {
	m, f, _ := newTestManager(t)

	f.Set("Device "+kitMAC+" Car Kit\n", nil, "bluetoothctl", "devices")

	devices, err := m.GetDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.False(t, devices[0].Paired)
}

func TestGetDevicesListingFailure(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.GetDevices(context.Background())
	var perr *runner.ProcessError
	assert.ErrorAs(t, err, &perr)
}

func TestGetConnectedDevice(t *testing.T) {
	m, f, _ := newTestManager(t)

	f.Set("Device "+phoneMAC+" Phone\nDevice "+kitMAC+" Car Kit\n", nil, "bluetoothctl", "devices")
	f.Set("\tName: Phone\n\tConnected: no\n", nil, "bluetoothctl", "info", phoneMAC)
	f.Set("\tName: Car Kit\n\tConnected: yes\n", nil, "bluetoothctl", "info", kitMAC)

	device, err := m.GetConnectedDevice(context.Background())
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, kitMAC, device.MAC)

	f.Set("\tName: Car Kit\n\tConnected: no\n", nil, "bluetoothctl", "info", kitMAC)
	device, err = m.GetConnectedDevice(context.Background())
	require.NoError(t, err)
	assert.Nil(t, device)
}

func TestConnectDeviceBroadcastsEvenWhenAudioFails(t *testing.T) {
	m, f, events := newTestManager(t)

	require.NoError(t, m.ConnectDevice(context.Background(), phoneMAC))

	batches := f.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"agent on", "default-agent", "connect " + phoneMAC}, batches[0])
	assert.Equal(t, []string{"bluetooth/connect"}, events.Types())
}

func TestConnectDeviceFailure(t *testing.T) {
	m, f, events := newTestManager(t)
	f.Set("", errors.New("boom"), "bluetoothctl", "agent on", "default-agent", "connect "+phoneMAC)

	err := m.ConnectDevice(context.Background(), phoneMAC)
	assert.ErrorContains(t, err, "failed to connect to device")
	assert.Empty(t, events.Types())
}

func TestDisconnectAndRemove(t *testing.T) {
	m, f, events := newTestManager(t)
	f.Set("", nil, "bluetoothctl", "disconnect", phoneMAC)
	f.Set("", nil, "bluetoothctl", "remove", phoneMAC)

	require.NoError(t, m.DisconnectDevice(context.Background(), phoneMAC))
	require.NoError(t, m.RemoveDevice(context.Background(), phoneMAC))
	assert.Equal(t, []string{"bluetooth/disconnect", "bluetooth/removed"}, events.Types())

	assert.Error(t, m.RemoveDevice(context.Background(), kitMAC))
}

func TestAudioUseMovesStreamsToBluetoothSink(t *testing.T) {
	f := runnertest.New()
	a := NewAudioRouter(f, "pactl")

	f.Set("1\talsa_output.platform\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n"+
		"2\tbluez_output.AA_BB_CC_DD_EE_01.1\tmodule-bluez5-device.c\ts16le 2ch 48000Hz\tRUNNING\n",
		nil, "pactl", "list", "short", "sinks")
	f.Set("", nil, "pactl", "set-default-sink", "bluez_output.AA_BB_CC_DD_EE_01.1")
	f.Set("12\t2\t5\tprotocol-native.c\tfloat32le 2ch 44100Hz\n"+
		"13\t2\t6\tprotocol-native.c\tfloat32le 2ch 44100Hz\n", nil, "pactl", "list", "short", "sink-inputs")
	f.Set("", nil, "pactl", "move-sink-input", "12", "bluez_output.AA_BB_CC_DD_EE_01.1")
	f.Set("", nil, "pactl", "move-sink-input", "13", "bluez_output.AA_BB_CC_DD_EE_01.1")

	require.NoError(t, a.Use(context.Background(), phoneMAC))
	assert.Equal(t, 1, f.CallCount("pactl", "move-sink-input", "12", "bluez_output.AA_BB_CC_DD_EE_01.1"))
	assert.Equal(t, 1, f.CallCount("pactl", "move-sink-input", "13", "bluez_output.AA_BB_CC_DD_EE_01.1"))
}

func TestAudioUseLegacySinkName(t *testing.T) {
	f := runnertest.New()
	a := NewAudioRouter(f, "pactl")
	f.Set("3\tbluez_sink.aa_bb_cc_dd_ee_01.a2dp_sink\tmodule-bluez5-device.c\n", nil, "pactl", "list", "short", "sinks")

	sink, err := a.FindSink(context.Background(), phoneMAC)
	require.NoError(t, err)
	assert.Equal(t, "bluez_sink.aa_bb_cc_dd_ee_01.a2dp_sink", sink)
}

func TestAudioUseWithoutSink(t *testing.T) {
	f := runnertest.New()
	a := NewAudioRouter(f, "pactl")
	f.Set("1\talsa_output.platform\tmodule-alsa-card.c\n", nil, "pactl", "list", "short", "sinks")

	err := a.Use(context.Background(), phoneMAC)
	assert.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Equal(t, 0, f.CallCount("pactl", "list", "short", "sink-inputs"))
}

func TestScanStartIsIdempotent(t *testing.T) {
	f := runnertest.New()
	s := NewScanController(f, "bluetoothctl", time.Hour)
	t.Cleanup(s.Close)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	spawned := f.Spawned()
	require.Len(t, spawned, 1)
	assert.Equal(t, []string{"--timeout", "3600", "scan", "on"}, spawned[0].Args)
	assert.True(t, s.Active())
}

func TestScanStopWithoutScan(t *testing.T) {
	f := runnertest.New()
	s := NewScanController(f, "bluetoothctl", time.Hour)

	assert.NotPanics(t, func() { s.Stop(context.Background()) })
	assert.Equal(t, 1, f.CallCount("bluetoothctl", "scan", "off"))
	assert.False(t, s.Active())
}

func TestScanStopDisarmsWindow(t *testing.T) {
	f := runnertest.New()
	s := NewScanController(f, "bluetoothctl", time.Hour)
	f.Set("", nil, "bluetoothctl", "scan", "off")

	require.NoError(t, s.Start())
	s.Stop(context.Background())
	assert.False(t, s.Active())

	require.NoError(t, s.Start())
	assert.Len(t, f.Spawned(), 2)
	s.Close()
}

func TestScanTimerIssuesStop(t *testing.T) {
	f := runnertest.New()
	s := NewScanController(f, "bluetoothctl", 20*time.Millisecond)

	require.NoError(t, s.Start())
	assert.Equal(t, "1", f.Spawned()[0].Args[1])

	assert.Eventually(t, func() bool {
		return f.CallCount("bluetoothctl", "scan", "off") == 1 && !s.Active()
	}, time.Second, 5*time.Millisecond)
}

func TestScanSpawnFailure(t *testing.T) {
	f := runnertest.New()
	f.SpawnErr = errors.New("no such file")
	s := NewScanController(f, "bluetoothctl", time.Hour)

	assert.Error(t, s.Start())
	assert.False(t, s.Active())
}

func TestConnectionChange(t *testing.T) {
	signal := &dbus.Signal{
		Path: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01",
		Name: DBUS_PROPERTIES_CHANGED,
		Body: []interface{}{
			BLUEZ_DEVICE_INTERFACE,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)},
			[]string{},
		},
	}

	address, connected, ok := connectionChange(signal)
	require.True(t, ok)
	assert.Equal(t, phoneMAC, address)
	assert.False(t, connected)

	signal.Body[0] = "org.bluez.MediaPlayer1"
	_, _, ok = connectionChange(signal)
	assert.False(t, ok)

	signal.Body[0] = BLUEZ_DEVICE_INTERFACE
	signal.Body[1] = map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-50))}
	_, _, ok = connectionChange(signal)
	assert.False(t, ok)
}

func TestHandlePropertiesChangedNotifies(t *testing.T) {
	m, _, events := newTestManager(t)

	var got []string
	signal := &dbus.Signal{
		Path: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02",
		Name: DBUS_PROPERTIES_CHANGED,
		Body: []interface{}{
			BLUEZ_DEVICE_INTERFACE,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)},
			[]string{},
		},
	}
	m.handlePropertiesChanged(signal, func(address string, connected bool) {
		if connected {
			got = append(got, address)
		}
	})

	assert.Equal(t, []string{kitMAC}, got)
	assert.Equal(t, []string{"bluetooth/connect"}, events.Types())
}
