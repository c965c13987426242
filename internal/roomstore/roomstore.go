// Package roomstore persists room membership for the relay.
//
// Two implementations: Memory for single-process deployments and tests,
// Redis for deployments where several relay instances share room state.
package roomstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("roomstore: room not found")
	ErrRoomFull = errors.New("roomstore: room is full")
)

// DefaultMaxParticipants caps a room when the creator does not specify.
const DefaultMaxParticipants = 5

// Participant is one room member.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Room is one room's membership record. Participants is kept in join
// order: index 0 is the earliest member still present.
type Room struct {
	ID              string        `json:"id"`
	MaxParticipants int           `json:"max_participants"`
	CreatedAt       time.Time     `json:"created_at"`
	Participants    []Participant `json:"participants"`
}

// ParticipantIDs returns the member ids in join order.
func (r Room) ParticipantIDs() []string {
	out := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		out[i] = p.ID
	}
	return out
}

func (r Room) indexOf(clientID string) int {
	for i, p := range r.Participants {
		if p.ID == clientID {
			return i
		}
	}
	return -1
}

// add appends a member, or refreshes the username of an existing one
// without disturbing its position.
func (r *Room) add(clientID, username string) error {
	if i := r.indexOf(clientID); i >= 0 {
		r.Participants[i].Username = username
		return nil
	}
	if len(r.Participants) >= r.MaxParticipants {
		return ErrRoomFull
	}
	r.Participants = append(r.Participants, Participant{ID: clientID, Username: username})
	return nil
}

// remove drops a member, preserving the order of the rest. Unknown ids
// are ignored.
func (r *Room) remove(clientID string) {
	if i := r.indexOf(clientID); i >= 0 {
		r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
	}
}

// Store is the relay's view of room state.
type Store interface {
	// CreateRoom registers an empty room. maxParticipants <= 0 applies the
	// default cap.
	CreateRoom(ctx context.Context, maxParticipants int) (Room, error)

	// GetRoom returns the room or ErrNotFound.
	GetRoom(ctx context.Context, id string) (Room, error)

	// AddParticipant records clientID in the room, returning the updated
	// room. Re-adding a member refreshes its username and is not an error;
	// a full room returns ErrRoomFull.
	AddParticipant(ctx context.Context, roomID, clientID, username string) (Room, error)

	// RemoveParticipant drops clientID, deleting the room once empty. The
	// returned room reflects the state after removal. Unknown rooms and
	// members are not errors.
	RemoveParticipant(ctx context.Context, roomID, clientID string) (Room, error)

	// ListRooms returns every live room.
	ListRooms(ctx context.Context) ([]Room, error)
}

// NewRoomID generates a short shareable room code.
func NewRoomID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
