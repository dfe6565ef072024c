package bridge

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/backkem/xcomfort/pkg/auth"
	"github.com/backkem/xcomfort/pkg/message"
)

// startClient connects a client to a fresh mock bridge.
func startClient(t *testing.T) (*mockBridge, *Client) {
	t.Helper()
	b := newMockBridge(t)
	c, err := NewClient(b.clientConfig())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Cleanup)

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return b, c
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{AuthKey: "k"}); !errors.Is(err, ErrConfigMissing) {
		t.Errorf("missing IP: err = %v, want ErrConfigMissing", err)
	}
	if _, err := NewClient(Config{BridgeIP: "192.168.1.2"}); !errors.Is(err, ErrConfigMissing) {
		t.Errorf("missing auth key: err = %v, want ErrConfigMissing", err)
	}
}

func TestInitHappyPath(t *testing.T) {
	b, c := startClient(t)

	if !c.Connected() {
		t.Error("Connected() = false after Init")
	}

	devices := c.Devices()
	if len(devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(devices))
	}
	if devices[0].ID != "D1" || devices[0].Name != "Lamp" || !devices[0].Dimmable || devices[0].DevType != 101 {
		t.Errorf("device = %+v", devices[0])
	}
	if room, ok := c.Room(7); !ok || room.Name != "Kitchen" {
		t.Errorf("room = %+v ok=%v", room, ok)
	}
	if scene, ok := c.Scene(3); !ok || scene.Name != "Evening" {
		t.Errorf("scene = %+v ok=%v", scene, ok)
	}

	// Client-originated counters form a strictly increasing sequence
	// starting at 1 (acks carry no mc and are exempt).
	last := 0
	for i, m := range b.messagesOn(1) {
		if m.Type == message.TypeAck {
			if m.MC != 0 {
				t.Errorf("ack %d carries mc %d", i, m.MC)
			}
			continue
		}
		if m.MC != last+1 {
			t.Errorf("message %d (%s): mc = %d, want %d", i, m.Type, m.MC, last+1)
		}
		last = m.MC
	}
	if last == 0 {
		t.Error("no mc-carrying messages recorded")
	}
}

func TestInitFailsWithoutBridge(t *testing.T) {
	// Nothing listens on this port.
	c, err := NewClient(Config{
		BridgeIP:       "127.0.0.1",
		Port:           1,
		AuthKey:        "k",
		ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Cleanup()

	if err := c.Init(context.Background()); err == nil {
		t.Error("Init succeeded with no bridge")
	}
	if c.Connected() {
		t.Error("Connected() = true after failed Init")
	}
}

func TestInitDeclined(t *testing.T) {
	b := newMockBridge(t)
	b.setDecline(true)

	c, err := NewClient(b.clientConfig())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Cleanup()

	if err := c.Init(context.Background()); !errors.Is(err, auth.ErrConnectionDeclined) {
		t.Errorf("Init err = %v, want ErrConnectionDeclined", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after declined handshake")
	}
}

func TestStateUpdateReachesListener(t *testing.T) {
	b, c := startClient(t)

	updates := make(chan DeviceStateUpdate, 4)
	c.AddDeviceStateListener("D1", func(u DeviceStateUpdate) { updates <- u })

	m, err := message.NewWithPayload(message.TypeStateUpdate, map[string]interface{}{
		"item": []map[string]interface{}{
			{"deviceId": "D1", "switch": true, "dimmvalue": 50},
		},
	})
	if err != nil {
		t.Fatalf("building state update: %v", err)
	}
	m.MC = 1000
	b.sendMessage(m)

	select {
	case u := <-updates:
		if u.Switch == nil || !*u.Switch {
			t.Errorf("switch = %v", u.Switch)
		}
		if u.DimmValue == nil || *u.DimmValue != 50 {
			t.Errorf("dimmvalue = %v", u.DimmValue)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not fire")
	}

	// The mandatory acknowledgement is emitted before the update is
	// processed, so it must already be on its way to the bridge.
	b.waitFor(t, message.TypeAck, func(m *message.Message) bool { return m.Ref == 1000 })
}

func TestMergedStateAndMetadata(t *testing.T) {
	b, c := startClient(t)

	updates := make(chan DeviceStateUpdate, 4)
	c.AddDeviceStateListener("D1", func(u DeviceStateUpdate) { updates <- u })

	m, err := message.NewWithPayload(message.TypeStateUpdate, map[string]interface{}{
		"item": []map[string]interface{}{
			{"deviceId": "D1", "switch": true, "dimmvalue": 80},
			{"deviceId": "D1", "info": []map[string]interface{}{{"text": "1109", "value": "22.5"}}},
		},
	})
	if err != nil {
		t.Fatalf("building state update: %v", err)
	}
	b.sendMessage(m)

	select {
	case u := <-updates:
		if u.Switch == nil || !*u.Switch || u.DimmValue == nil || *u.DimmValue != 80 {
			t.Errorf("switch/dim = %v/%v", u.Switch, u.DimmValue)
		}
		if u.Metadata == nil || u.Metadata.Temperature == nil || *u.Metadata.Temperature != 22.5 {
			t.Errorf("metadata = %+v", u.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not fire")
	}

	// Exactly one merged update for the two items.
	select {
	case u := <-updates:
		t.Errorf("second callback fired: %+v", u)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSwitchDeviceAcked(t *testing.T) {
	b, c := startClient(t)

	if err := c.SwitchDevice("D1", true); err != nil {
		t.Fatalf("SwitchDevice: %v", err)
	}

	m := b.waitFor(t, message.TypeDeviceSwitch, nil)
	var payload deviceSwitchPayload
	if err := m.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.DeviceID != "D1" || !payload.Switch {
		t.Errorf("payload = %+v", payload)
	}
}

func TestAckRetrySucceedsAfterDrops(t *testing.T) {
	b, c := startClient(t)

	b.dropAcksFor(message.TypeDeviceSwitch, 2)

	if err := c.SwitchDevice("D1", true); err != nil {
		t.Fatalf("SwitchDevice: %v", err)
	}

	// Three attempts hit the wire, each with a fresh, larger mc.
	waitUntil(t, 2*time.Second, func() bool {
		n := 0
		for _, m := range b.messagesOn(1) {
			if m.Type == message.TypeDeviceSwitch {
				n++
			}
		}
		return n == 3
	}, "three switch attempts")

	var mcs []int
	for _, m := range b.messagesOn(1) {
		if m.Type == message.TypeDeviceSwitch {
			mcs = append(mcs, m.MC)
		}
	}
	for i := 1; i < len(mcs); i++ {
		if mcs[i] <= mcs[i-1] {
			t.Errorf("retry mcs not increasing: %v", mcs)
		}
	}
}

func TestAckRetryExhaustion(t *testing.T) {
	b, c := startClient(t)

	b.dropAcksFor(message.TypeDeviceSwitch, 100)

	start := time.Now()
	err := c.SwitchDevice("D1", true)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
	// Three attempts of 300ms plus two retry delays of 50ms.
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("gave up after %s, want at least 900ms", elapsed)
	}
}

func TestReconnectPreservesSubscriptions(t *testing.T) {
	b, c := startClient(t)

	updates := make(chan DeviceStateUpdate, 4)
	c.AddDeviceStateListener("D1", func(u DeviceStateUpdate) { updates <- u })

	b.closeConn()
	waitUntil(t, 3*time.Second, func() bool { return !c.Connected() }, "disconnect")
	waitUntil(t, 3*time.Second, c.Connected, "reconnect")

	// The new session re-ran the handshake from mc 1.
	second := b.messagesOn(2)
	if len(second) == 0 {
		t.Fatal("no messages on second connection")
	}
	if second[0].Type != message.TypeConnectionConfirm || second[0].MC != 1 {
		t.Errorf("first message on reconnect = %s mc=%d, want ConnectionConfirm mc=1",
			second[0].Type, second[0].MC)
	}

	m, err := message.NewWithPayload(message.TypeStateUpdate, map[string]interface{}{
		"item": []map[string]interface{}{
			{"deviceId": "D1", "switch": false},
		},
	})
	if err != nil {
		t.Fatalf("building state update: %v", err)
	}
	b.sendMessage(m)

	select {
	case u := <-updates:
		if u.Switch == nil || *u.Switch {
			t.Errorf("switch = %v, want false", u.Switch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not survive the reconnect")
	}
}

func TestUnknownMessageTypeAckedAndIgnored(t *testing.T) {
	b, c := startClient(t)

	unknown := message.New(message.Type(999))
	unknown.MC = 555
	b.sendMessage(unknown)

	b.waitFor(t, message.TypeAck, func(m *message.Message) bool { return m.Ref == 555 })

	// Subsequent messages are processed normally.
	updates := make(chan DeviceStateUpdate, 1)
	c.AddDeviceStateListener("D1", func(u DeviceStateUpdate) { updates <- u })

	m, _ := message.NewWithPayload(message.TypeStateUpdate, map[string]interface{}{
		"item": []map[string]interface{}{{"deviceId": "D1", "switch": true}},
	})
	b.sendMessage(m)

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("client stopped processing after unknown type")
	}
}

func TestDimClamping(t *testing.T) {
	b, c := startClient(t)

	if err := c.SetDimmerValue("D1", 150); err != nil {
		t.Fatalf("SetDimmerValue: %v", err)
	}
	m := b.waitFor(t, message.TypeDeviceDim, nil)
	var payload deviceDimPayload
	m.DecodePayload(&payload)
	if payload.DimmValue != 99 {
		t.Errorf("dimmvalue = %d, want 99", payload.DimmValue)
	}

	if err := c.SetDimmerValue("D1", -3); err != nil {
		t.Fatalf("SetDimmerValue: %v", err)
	}
	m = b.waitFor(t, message.TypeDeviceDim, func(m *message.Message) bool {
		var p deviceDimPayload
		return m.DecodePayload(&p) == nil && p.DimmValue == 1
	})
	if m == nil {
		t.Error("low value not clamped to 1")
	}
}

func TestControlRoom(t *testing.T) {
	b, c := startClient(t)

	if err := c.ControlRoom(7, RoomActionSwitch, true); err != nil {
		t.Fatalf("ControlRoom switch: %v", err)
	}
	m := b.waitFor(t, message.TypeRoomSwitch, nil)
	var sw roomSwitchPayload
	m.DecodePayload(&sw)
	if sw.RoomID != 7 || !sw.Switch {
		t.Errorf("payload = %+v", sw)
	}

	if err := c.ControlRoom(7, RoomActionDimm, 120); err != nil {
		t.Fatalf("ControlRoom dimm: %v", err)
	}
	m = b.waitFor(t, message.TypeRoomDim, nil)
	var dim roomDimPayload
	m.DecodePayload(&dim)
	if dim.RoomID != 7 || dim.DimmValue != 99 {
		t.Errorf("payload = %+v", dim)
	}
}

func TestActivateScene(t *testing.T) {
	b, c := startClient(t)

	if err := c.ActivateScene(3); err != nil {
		t.Fatalf("ActivateScene: %v", err)
	}
	m := b.waitFor(t, message.TypeActivateScene, nil)
	var payload activateScenePayload
	m.DecodePayload(&payload)
	if payload.SceneID != 3 {
		t.Errorf("sceneId = %d, want 3", payload.SceneID)
	}
}

func TestRefreshAllDeviceInfo(t *testing.T) {
	b, c := startClient(t)

	if err := c.RefreshAllDeviceInfo(); err != nil {
		t.Fatalf("RefreshAllDeviceInfo: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		devices, rooms := 0, 0
		for _, m := range b.messagesOn(1) {
			switch m.Type {
			case message.TypeRequestDevices:
				devices++
			case message.TypeRequestRooms:
				rooms++
			}
		}
		return devices >= 2 && rooms >= 2
	}, "re-issued inventory requests")
}

func TestArgumentValidation(t *testing.T) {
	c, err := NewClient(Config{BridgeIP: "192.168.1.2", AuthKey: "k"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Cleanup()

	cases := []struct {
		name string
		call func() error
	}{
		{"empty device id on switch", func() error { return c.SwitchDevice("", true) }},
		{"empty device id on dim", func() error { return c.SetDimmerValue("", 50) }},
		{"NaN dim value", func() error { return c.SetDimmerValue("D1", math.NaN()) }},
		{"negative scene id", func() error { return c.ActivateScene(-1) }},
		{"unknown room action", func() error { return c.ControlRoom(7, "toggle", true) }},
		{"switch action with number", func() error { return c.ControlRoom(7, RoomActionSwitch, 1) }},
		{"dimm action with bool", func() error { return c.ControlRoom(7, RoomActionDimm, true) }},
	}
	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: err = %v, want ErrInvalidArgument", tc.name, err)
		}
	}

	// Valid arguments without a session fail with ErrNotConnected instead.
	if err := c.SwitchDevice("D1", true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected switch: err = %v, want ErrNotConnected", err)
	}
}

func TestCleanup(t *testing.T) {
	_, c := startClient(t)

	c.Cleanup()

	if c.Connected() {
		t.Error("Connected() = true after Cleanup")
	}
	if err := c.SwitchDevice("D1", true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.Init(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Init after Cleanup: err = %v, want ErrClientClosed", err)
	}

	// Cleanup is idempotent.
	c.Cleanup()
}

func TestConnectionChangedCallback(t *testing.T) {
	b := newMockBridge(t)
	cfg := b.clientConfig()

	changes := make(chan bool, 8)
	cfg.OnConnectionChanged = func(connected bool) { changes <- connected }

	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Cleanup()

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	select {
	case v := <-changes:
		if !v {
			t.Errorf("first change = %v, want true", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection change reported")
	}

	b.closeConn()
	select {
	case v := <-changes:
		if v {
			t.Errorf("change after drop = %v, want false", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestClampDim(t *testing.T) {
	cases := map[float64]int{
		-10:  1,
		0:    1,
		0.4:  1,
		1:    1,
		49.6: 50,
		99:   99,
		100:  99,
		1e9:  99,
	}
	for in, want := range cases {
		if got := clampDim(in); got != want {
			t.Errorf("clampDim(%v) = %d, want %d", in, got, want)
		}
	}
}
