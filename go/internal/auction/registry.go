package auction

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// Registry maps properties to their live rooms. Its lock only guards the map
// and is never held while a room is held.
type Registry struct {
	mu    sync.Mutex
	rooms map[models.PropertyID]*Room
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[models.PropertyID]*Room)}
}

// GetOrCreate returns the room for a property, creating it from cfg on first
// use. Concurrent callers for the same property always get the same room.
func (g *Registry) GetOrCreate(propertyID models.PropertyID, cfg RoomConfig) (*Room, bool, error) {
	g.mu.Lock()
	if room, ok := g.rooms[propertyID]; ok {
		g.mu.Unlock()
		return room, false, nil
	}
	g.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[propertyID]; ok {
		return room, false, nil
	}
	room := NewRoom(propertyID, cfg)
	g.rooms[propertyID] = room

	log.Debug().
		Str("property_id", string(propertyID)).
		Int("rooms", len(g.rooms)).
		Msg("room created")
	return room, true, nil
}

// Get returns the room for a property if one is registered.
func (g *Registry) Get(propertyID models.PropertyID) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[propertyID]
	return room, ok
}

// Evict removes a room if it is settled and its retention has elapsed. It is
// a no-op otherwise.
func (g *Registry) Evict(propertyID models.PropertyID, now time.Time) bool {
	room, ok := g.Get(propertyID)
	if !ok || !room.Evictable(now) {
		return false
	}

	// Settled is terminal, so eligibility cannot be lost between the check
	// above and the delete below.
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[propertyID] != room {
		return false
	}
	delete(g.rooms, propertyID)

	log.Debug().Str("property_id", string(propertyID)).Msg("room evicted")
	return true
}

// Sweep evicts every eligible room and returns the evicted property IDs.
func (g *Registry) Sweep(now time.Time) []models.PropertyID {
	var evicted []models.PropertyID
	for _, room := range g.Rooms() {
		if g.Evict(room.PropertyID(), now) {
			evicted = append(evicted, room.PropertyID())
		}
	}
	return evicted
}

// Rooms returns the currently registered rooms.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		out = append(out, room)
	}
	return out
}

// Len returns the number of registered rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// NextEvent returns the earliest time any registered room may change phase or
// become evictable.
func (g *Registry) NextEvent() (time.Time, bool) {
	var next time.Time
	found := false
	for _, room := range g.Rooms() {
		at, ok := room.NextEvent()
		if !ok {
			continue
		}
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found
}
