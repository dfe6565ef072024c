package bridge

import (
	"strconv"
	"sync"

	"github.com/pion/logging"
)

// Metadata text codes the bridge reports inside info arrays. Other codes are
// ignored.
const (
	infoCodeTemperature         = "1222"
	infoCodeHumidity            = "1223"
	infoCodeActuatorTemperature = "1109"
)

// deviceListenerEntry identifies one registration so unsubscribing removes
// exactly that registration.
type deviceListenerEntry struct {
	fn DeviceStateListener
}

type roomListenerEntry struct {
	fn RoomStateListener
}

// fanout holds per-entity listener lists and dispatches state updates.
// Listener registrations survive reconnects. Callbacks run on the client's
// dispatch goroutine; panics are caught and logged.
type fanout struct {
	log logging.LeveledLogger

	mu     sync.Mutex
	device map[string][]*deviceListenerEntry
	room   map[int][]*roomListenerEntry
}

func newFanout(log logging.LeveledLogger) *fanout {
	return &fanout{
		log:    log,
		device: make(map[string][]*deviceListenerEntry),
		room:   make(map[int][]*roomListenerEntry),
	}
}

// AddDevice registers a listener for one device id and returns its
// unsubscribe function.
func (f *fanout) AddDevice(deviceID string, fn DeviceStateListener) func() {
	entry := &deviceListenerEntry{fn: fn}

	f.mu.Lock()
	f.device[deviceID] = append(f.device[deviceID], entry)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		listeners := f.device[deviceID]
		for i, e := range listeners {
			if e == entry {
				f.device[deviceID] = append(listeners[:i:i], listeners[i+1:]...)
				return
			}
		}
	}
}

// AddRoom registers a listener for one room id and returns its unsubscribe
// function.
func (f *fanout) AddRoom(roomID int, fn RoomStateListener) func() {
	entry := &roomListenerEntry{fn: fn}

	f.mu.Lock()
	f.room[roomID] = append(f.room[roomID], entry)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		listeners := f.room[roomID]
		for i, e := range listeners {
			if e == entry {
				f.room[roomID] = append(listeners[:i:i], listeners[i+1:]...)
				return
			}
		}
	}
}

// Dispatch processes one StateUpdate payload: device items are coalesced by
// id, room items map one-to-one, and listeners fire in payload order.
func (f *fanout) Dispatch(payload *stateUpdatePayload) {
	merged := make(map[string]*DeviceStateUpdate)
	var order []func()

	for _, item := range payload.Item {
		switch {
		case item.DeviceID != nil:
			update, exists := merged[*item.DeviceID]
			if !exists {
				update = &DeviceStateUpdate{DeviceID: *item.DeviceID}
			}
			if !mergeDeviceItem(update, item) {
				continue
			}
			if !exists {
				merged[*item.DeviceID] = update
				order = append(order, func() { f.notifyDevice(*update) })
			}
		case item.RoomID != nil:
			update := roomUpdateFromItem(item)
			order = append(order, func() { f.notifyRoom(update) })
		}
	}

	for _, notify := range order {
		notify()
	}
}

// mergeDeviceItem folds one device-scoped item into the coalesced update.
// Returns false if the item contributed nothing.
func mergeDeviceItem(update *DeviceStateUpdate, item stateItem) bool {
	if item.Switch != nil || item.DimmValue != nil {
		update.Switch = item.Switch
		update.DimmValue = item.DimmValue
		update.Power = item.Power
		update.CurState = item.CurState
		return true
	}
	if item.Info != nil {
		if meta := parseInfoMetadata(item.Info); meta != nil {
			update.Metadata = meta
			return true
		}
	}
	return false
}

// roomUpdateFromItem builds the full aggregate update for one room item.
// Room items are not coalesced.
func roomUpdateFromItem(item stateItem) RoomStateUpdate {
	return RoomStateUpdate{
		RoomID: *item.RoomID,
		RoomState: RoomState{
			Switch:       item.Switch,
			DimmValue:    item.DimmValue,
			LightsOn:     item.LightsOn,
			LoadsOn:      item.LoadsOn,
			WindowsOpen:  item.WindowsOpen,
			DoorsOpen:    item.DoorsOpen,
			Presence:     item.Presence,
			ShadesClosed: item.ShadesClosed,
			Power:        item.Power,
			Error:        item.Error,
		},
	}
}

// parseInfoMetadata decodes recognized sensor codes from an info array.
// Returns nil when no entry matched.
func parseInfoMetadata(entries []InfoEntry) *DeviceMetadata {
	var meta DeviceMetadata
	found := false

	for _, entry := range entries {
		value, ok := toFloat(entry.Value)
		if !ok {
			continue
		}
		switch entry.Text {
		case infoCodeTemperature, infoCodeActuatorTemperature:
			v := value
			meta.Temperature = &v
			found = true
		case infoCodeHumidity:
			v := value
			meta.Humidity = &v
			found = true
		}
	}

	if !found {
		return nil
	}
	return &meta
}

// toFloat converts an info value to a float. The bridge reports numbers both
// as JSON numbers and as strings.
func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (f *fanout) notifyDevice(update DeviceStateUpdate) {
	f.mu.Lock()
	listeners := append([]*deviceListenerEntry(nil), f.device[update.DeviceID]...)
	f.mu.Unlock()

	for _, entry := range listeners {
		f.invoke(func() { entry.fn(update) })
	}
}

func (f *fanout) notifyRoom(update RoomStateUpdate) {
	f.mu.Lock()
	listeners := append([]*roomListenerEntry(nil), f.room[update.RoomID]...)
	f.mu.Unlock()

	for _, entry := range listeners {
		f.invoke(func() { entry.fn(update) })
	}
}

// invoke runs one callback, containing panics so a bad listener cannot kill
// the dispatch loop.
func (f *fanout) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Errorf("state listener panicked: %v", r)
		}
	}()
	fn()
}
