package simserver

import (
	"sync"
)

// Room is the set of sessions subscribed to one topic, e.g. "route:R1".
type Room struct {
	name     string
	sessions map[string]*session
	mu       sync.RWMutex
}

func NewRoom(name string) *Room {
	return &Room{
		name:     name,
		sessions: make(map[string]*session),
	}
}

func (r *Room) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *Room) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Room) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sessions[id]
	return exists
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) members() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

func (rm *RoomManager) getRoom(name string) *Room {
	rm.mu.RLock()
	room, exists := rm.rooms[name]
	rm.mu.RUnlock()

	if !exists {
		rm.mu.Lock()
		if room, exists = rm.rooms[name]; !exists {
			room = NewRoom(name)
			rm.rooms[name] = room
		}
		rm.mu.Unlock()
	}

	return room
}

func (rm *RoomManager) Join(name string, s *session) {
	rm.getRoom(name).add(s)
}

func (rm *RoomManager) Leave(name string, sessionID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[name]
	if !exists {
		return
	}
	room.remove(sessionID)
	if room.Count() == 0 {
		delete(rm.rooms, name)
	}
}

func (rm *RoomManager) LeaveAll(sessionID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for name, room := range rm.rooms {
		if room.has(sessionID) {
			room.remove(sessionID)
			if room.Count() == 0 {
				delete(rm.rooms, name)
			}
		}
	}
}

// membersOf returns the union of sessions in the named rooms, each once.
func (rm *RoomManager) membersOf(names ...string) []*session {
	rm.mu.RLock()
	rooms := make([]*Room, 0, len(names))
	for _, name := range names {
		if room, ok := rm.rooms[name]; ok {
			rooms = append(rooms, room)
		}
	}
	rm.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*session
	for _, room := range rooms {
		for _, s := range room.members() {
			if !seen[s.id] {
				seen[s.id] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func (rm *RoomManager) Count(name string) int {
	rm.mu.RLock()
	room, exists := rm.rooms[name]
	rm.mu.RUnlock()

	if !exists {
		return 0
	}
	return room.Count()
}
