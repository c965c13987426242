package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "room:"

	// DefaultRoomTTL bounds abandoned rooms; every membership change
	// refreshes it.
	DefaultRoomTTL = 24 * time.Hour
)

// Redis is a Store backed by a shared redis instance, for running more
// than one relay against the same room space.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis builds the store. ttl <= 0 applies DefaultRoomTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (s *Redis) CreateRoom(ctx context.Context, maxParticipants int) (Room, error) {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	room := Room{
		ID:              NewRoomID(),
		MaxParticipants: maxParticipants,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.save(ctx, room); err != nil {
		return Room{}, err
	}
	return room, nil
}

func (s *Redis) GetRoom(ctx context.Context, id string) (Room, error) {
	data, err := s.client.Get(ctx, roomKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("roomstore: get room: %w", err)
	}
	var room Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return Room{}, fmt.Errorf("roomstore: decode room %s: %w", id, err)
	}
	return room, nil
}

func (s *Redis) AddParticipant(ctx context.Context, roomID, clientID, username string) (Room, error) {
	key := roomKeyPrefix + roomID
	var out Room

	// Optimistic transaction: membership updates from concurrent relays
	// retry instead of clobbering each other.
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var room Room
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			return err
		}
		if err := room.add(clientID, username); err != nil {
			return err
		}
		out = room

		encoded, err := json.Marshal(room)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRoomFull) {
			return Room{}, err
		}
		return Room{}, fmt.Errorf("roomstore: add participant: %w", err)
	}
	return out, nil
}

func (s *Redis) RemoveParticipant(ctx context.Context, roomID, clientID string) (Room, error) {
	key := roomKeyPrefix + roomID
	var out Room

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			out = Room{}
			return nil
		}
		if err != nil {
			return err
		}
		var room Room
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			return err
		}
		room.remove(clientID)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(room.Participants) == 0 {
				pipe.Del(ctx, key)
				out = Room{ID: roomID, MaxParticipants: room.MaxParticipants}
				return nil
			}
			encoded, err := json.Marshal(room)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, encoded, s.ttl)
			out = room
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Room{}, fmt.Errorf("roomstore: remove participant: %w", err)
	}
	return out, nil
}

func (s *Redis) ListRooms(ctx context.Context) ([]Room, error) {
	var out []Room
	iter := s.client.Scan(ctx, 0, roomKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(roomKeyPrefix):]
		room, err := s.GetRoom(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired between scan and get.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("roomstore: scan rooms: %w", err)
	}
	return out, nil
}

func (s *Redis) save(ctx context.Context, room Room) error {
	encoded, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("roomstore: encode room: %w", err)
	}
	if err := s.client.Set(ctx, roomKeyPrefix+room.ID, encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("roomstore: save room: %w", err)
	}
	return nil
}
