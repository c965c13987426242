// Package metrics is a minimal concurrency-safe counter registry for the
// relay, exposed in Prometheus text format.
package metrics

import "sync"

// Counter names used by the relay.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	RoomsCreated        = "rooms_created"
	RoomsDeleted        = "rooms_deleted"
	JoinsAccepted       = "joins_accepted"
	JoinsRejected       = "joins_rejected"
	ChatBroadcast       = "chat_broadcast"
	SignalsForwarded    = "signals_forwarded"
	SignalsDropped      = "signals_dropped"
	MessagesRejected    = "messages_rejected"
	MessagesRateLimited = "messages_rate_limited"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
