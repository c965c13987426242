package roomstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]*Room
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]*Room),
		now:   time.Now,
	}
}

func (m *Memory) CreateRoom(ctx context.Context, maxParticipants int) (Room, error) {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := NewRoomID()
	for m.rooms[id] != nil {
		id = NewRoomID()
	}
	room := &Room{
		ID:              id,
		MaxParticipants: maxParticipants,
		CreatedAt:       m.now().UTC(),
	}
	m.rooms[id] = room
	return room.clone(), nil
}

func (m *Memory) GetRoom(ctx context.Context, id string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room.clone(), nil
}

func (m *Memory) AddParticipant(ctx context.Context, roomID, clientID, username string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	if err := room.add(clientID, username); err != nil {
		return Room{}, err
	}
	return room.clone(), nil
}

func (m *Memory) RemoveParticipant(ctx context.Context, roomID, clientID string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return Room{}, nil
	}
	room.remove(clientID)
	if len(room.Participants) == 0 {
		delete(m.rooms, roomID)
		return Room{ID: roomID, MaxParticipants: room.MaxParticipants}, nil
	}
	return room.clone(), nil
}

func (m *Memory) ListRooms(ctx context.Context) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		out = append(out, room.clone())
	}
	return out, nil
}

func (r *Room) clone() Room {
	out := *r
	out.Participants = append([]Participant(nil), r.Participants...)
	return out
}
