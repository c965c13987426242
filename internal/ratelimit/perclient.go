package ratelimit

import (
	"container/list"
	"sync"
)

const defaultMaxClients = 4096

// PerClientLimiter applies an independent token bucket per client id. The
// bucket table is LRU-bounded so an id spray cannot grow memory without
// limit; evicting an id effectively refills its bucket on next sight.
type PerClientLimiter struct {
	clock      Clock
	capacity   int64
	rate       int64
	maxClients int
	onEvicted  func(clientID string)

	mu      sync.Mutex
	clients map[string]*clientEntry
	order   *list.List // front = most recently used
}

type clientEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

type PerClientConfig struct {
	Clock    Clock
	Capacity int64 // burst, tokens
	Rate     int64 // tokens/sec

	// MaxClients bounds the bucket table. <= 0 applies a default.
	MaxClients int

	// OnEvicted is called outside the limiter's lock for each evicted id.
	OnEvicted func(clientID string)
}

func NewPerClientLimiter(cfg PerClientConfig) *PerClientLimiter {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	return &PerClientLimiter{
		clock:      clock,
		capacity:   cfg.Capacity,
		rate:       cfg.Rate,
		maxClients: maxClients,
		onEvicted:  cfg.OnEvicted,
		clients:    make(map[string]*clientEntry),
		order:      list.New(),
	}
}

// Allow consumes one token from clientID's bucket.
func (l *PerClientLimiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN consumes tokens from clientID's bucket, creating it on first
// sight.
func (l *PerClientLimiter) AllowN(clientID string, tokens int64) bool {
	if l.rate <= 0 && l.capacity <= 0 {
		// Unconfigured limiter imposes no limit.
		return true
	}

	var evicted []string
	l.mu.Lock()
	entry, ok := l.clients[clientID]
	if !ok {
		entry = &clientEntry{bucket: NewTokenBucket(l.clock, l.capacity, l.rate)}
		entry.elem = l.order.PushFront(clientID)
		l.clients[clientID] = entry
		for len(l.clients) > l.maxClients {
			oldest := l.order.Back()
			id := oldest.Value.(string)
			l.order.Remove(oldest)
			delete(l.clients, id)
			evicted = append(evicted, id)
		}
	} else {
		l.order.MoveToFront(entry.elem)
	}
	l.mu.Unlock()

	if l.onEvicted != nil {
		for _, id := range evicted {
			l.onEvicted(id)
		}
	}
	return entry.bucket.Allow(tokens)
}

// Forget drops clientID's bucket, typically on disconnect.
func (l *PerClientLimiter) Forget(clientID string) {
	l.mu.Lock()
	if entry, ok := l.clients[clientID]; ok {
		l.order.Remove(entry.elem)
		delete(l.clients, clientID)
	}
	l.mu.Unlock()
}
