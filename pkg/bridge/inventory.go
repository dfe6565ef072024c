package bridge

import (
	"sort"
	"sync"
)

// inventory holds the bridge's discovered devices, rooms, and scenes.
// Entries are replaced wholesale on re-discovery and survive reconnects and
// Cleanup; the client never removes them.
//
// Safe for concurrent use: the dispatch goroutine mutates, facade accessors
// read snapshots.
type inventory struct {
	mu      sync.RWMutex
	devices map[string]Device
	rooms   map[int]Room
	scenes  map[int]Scene
}

func newInventory() *inventory {
	return &inventory{
		devices: make(map[string]Device),
		rooms:   make(map[int]Room),
		scenes:  make(map[int]Scene),
	}
}

// apply merges one discovery payload and reports whether it carried the
// lastItem marker that completes discovery.
func (inv *inventory) apply(payload *discoveryPayload) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for _, d := range payload.Devices {
		inv.devices[d.ID] = d
	}
	for _, r := range payload.Rooms {
		inv.rooms[r.ID] = r
	}
	for _, s := range payload.Scenes {
		inv.scenes[s.ID] = s
	}
	return payload.LastItem
}

// Device returns one device by id.
func (inv *inventory) Device(id string) (Device, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	d, ok := inv.devices[id]
	return d, ok
}

// Room returns one room by id.
func (inv *inventory) Room(id int) (Room, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	r, ok := inv.rooms[id]
	return r, ok
}

// Scene returns one scene by id.
func (inv *inventory) Scene(id int) (Scene, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	s, ok := inv.scenes[id]
	return s, ok
}

// Devices returns a snapshot of all devices, ordered by id.
func (inv *inventory) Devices() []Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]Device, 0, len(inv.devices))
	for _, d := range inv.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rooms returns a snapshot of all rooms, ordered by id.
func (inv *inventory) Rooms() []Room {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]Room, 0, len(inv.rooms))
	for _, r := range inv.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scenes returns a snapshot of all scenes, ordered by id.
func (inv *inventory) Scenes() []Scene {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]Scene, 0, len(inv.scenes))
	for _, s := range inv.scenes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
