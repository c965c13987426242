package roomstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	room, err := store.CreateRoom(ctx, 0)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(room.ID) != 8 {
		t.Fatalf("room id = %q, want 8 chars", room.ID)
	}
	if room.MaxParticipants != DefaultMaxParticipants {
		t.Fatalf("max = %d, want default %d", room.MaxParticipants, DefaultMaxParticipants)
	}

	if _, err := store.AddParticipant(ctx, room.ID, "client_a", "alice"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	got, err := store.AddParticipant(ctx, room.ID, "client_b", "bob")
	if err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if len(got.Participants) != 2 || got.Participants[0].Username != "alice" {
		t.Fatalf("participants = %+v", got.Participants)
	}

	// Duplicate joins refresh the username without moving the member.
	got, err = store.AddParticipant(ctx, room.ID, "client_a", "alice2")
	if err != nil {
		t.Fatalf("duplicate AddParticipant: %v", err)
	}
	if len(got.Participants) != 2 || got.Participants[0].ID != "client_a" || got.Participants[0].Username != "alice2" {
		t.Fatalf("participants after rejoin = %+v", got.Participants)
	}

	got, err = store.RemoveParticipant(ctx, room.ID, "client_a")
	if err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if len(got.Participants) != 1 || got.Participants[0].ID != "client_b" {
		t.Fatalf("participants after leave = %+v", got.Participants)
	}

	// The last leaver deletes the room.
	if _, err := store.RemoveParticipant(ctx, room.ID, "client_b"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if _, err := store.GetRoom(ctx, room.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRoom after empty = %v, want ErrNotFound", err)
	}
}

func TestMemoryParticipantsKeepJoinOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	room, _ := store.CreateRoom(ctx, 0)

	// Deliberately join in reverse lexicographic order.
	store.AddParticipant(ctx, room.ID, "client_c", "carol")
	store.AddParticipant(ctx, room.ID, "client_b", "bob")
	got, err := store.AddParticipant(ctx, room.ID, "client_a", "alice")
	if err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	want := []string{"client_c", "client_b", "client_a"}
	if ids := got.ParticipantIDs(); !slicesEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}

	// Removing the middle member keeps the remaining order intact.
	got, err = store.RemoveParticipant(ctx, room.ID, "client_b")
	if err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if ids := got.ParticipantIDs(); !slicesEqual(ids, []string{"client_c", "client_a"}) {
		t.Fatalf("ids after leave = %v", ids)
	}
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemoryCapacity(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	room, _ := store.CreateRoom(ctx, 2)

	store.AddParticipant(ctx, room.ID, "client_a", "a")
	store.AddParticipant(ctx, room.ID, "client_b", "b")
	if _, err := store.AddParticipant(ctx, room.ID, "client_c", "c"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}
	// A member re-joining a full room is still fine.
	if _, err := store.AddParticipant(ctx, room.ID, "client_a", "a"); err != nil {
		t.Fatalf("member rejoin on full room: %v", err)
	}
}

func TestMemoryUnknownRoom(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if _, err := store.AddParticipant(ctx, "NOPE", "client_a", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := store.RemoveParticipant(ctx, "NOPE", "client_a"); err != nil {
		t.Fatalf("remove from unknown room: %v", err)
	}
}

func TestMemoryListRooms(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	store.CreateRoom(ctx, 0)
	store.CreateRoom(ctx, 0)
	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("listed %d rooms, want 2", len(rooms))
	}
}
