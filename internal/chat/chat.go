// Package chat holds the room chat transcript.
//
// Messages are relay-stamped: the sender id and timestamp on a Message come
// from the relay's broadcast, not from the local clock, so every
// participant records the same transcript order and attribution.
package chat

import (
	"sync"
	"time"
)

// Message is one chat entry as broadcast by the relay.
type Message struct {
	SenderID    string
	DisplayName string
	Text        string
	RoomID      string
	Timestamp   time.Time
}

// Transcript is an append-only message log, safe for concurrent use.
type Transcript struct {
	mu       sync.Mutex
	messages []Message
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Append(m Message) {
	t.mu.Lock()
	t.messages = append(t.messages, m)
	t.mu.Unlock()
}

// Messages returns a copy of the transcript in arrival order.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len reports the number of recorded messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Clear drops the transcript, used when leaving a room.
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
}
