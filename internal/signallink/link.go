// Package signallink owns the single control-channel WebSocket connection a
// participant holds to the relay.
//
// The link is deliberately not self-healing: once the socket has been open,
// any read error or close is terminal for the whole session and is reported
// through the OnFatal callback. Reconnecting would require re-negotiating
// every peer connection, which the session layer does not attempt.
package signallink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/offensive-vk/collabshare/internal/protocol"
)

// ErrNotAvailable is the recoverable "connection not available" condition: a
// send was attempted before the link opened (and the single delayed retry
// also found it unopened) or after it closed.
var ErrNotAvailable = errors.New("signaling connection not available")

const writeWait = 1 * time.Second

// DefaultSendRetryDelay is how long a send attempted before the link opens
// waits before its single retry.
const DefaultSendRetryDelay = 250 * time.Millisecond

type linkState int

const (
	stateIdle linkState = iota
	stateOpen
	stateClosed
)

type Config struct {
	// URL is the full signaling endpoint including the client id path
	// segment, e.g. ws://host/ws/client_abc123.
	URL string

	// Handler receives every inbound envelope, in receipt order, on the
	// link's read goroutine. Required before Connect.
	Handler func(protocol.Envelope)

	// OnFatal is invoked at most once when the link fails after a
	// successful open. Optional.
	OnFatal func(error)

	// OnSendDropped is invoked when a queued send is abandoned because the
	// link never opened. Optional.
	OnSendDropped func(protocol.Envelope, error)

	SendRetryDelay time.Duration

	Logger *slog.Logger

	// Dial overrides the WebSocket dialer, for tests. Optional.
	Dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// Link is a single-use signaling connection. Connect once, Send from any
// goroutine, Close when done.
type Link struct {
	url           string
	handler       func(protocol.Envelope)
	onFatal       func(error)
	onSendDropped func(protocol.Envelope, error)
	retryDelay    time.Duration
	dial          func(ctx context.Context, url string) (*websocket.Conn, error)
	log           *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu    sync.Mutex
	state linkState

	fatalOnce sync.Once
	closeOnce sync.Once
}

func New(cfg Config) (*Link, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("signallink: missing URL")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("signallink: missing Handler")
	}
	l := &Link{
		url:           cfg.URL,
		handler:       cfg.Handler,
		onFatal:       cfg.OnFatal,
		onSendDropped: cfg.OnSendDropped,
		retryDelay:    cfg.SendRetryDelay,
		dial:          cfg.Dial,
		log:           cfg.Logger,
	}
	if l.retryDelay <= 0 {
		l.retryDelay = DefaultSendRetryDelay
	}
	if l.dial == nil {
		l.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
			return conn, err
		}
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l, nil
}

// Connect dials the relay and starts the read loop. It may be called once.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state != stateIdle {
		l.mu.Unlock()
		return fmt.Errorf("signallink: already connected or closed")
	}
	l.mu.Unlock()

	conn, err := l.dial(ctx, l.url)
	if err != nil {
		return fmt.Errorf("signallink: dial %s: %w", l.url, err)
	}

	l.mu.Lock()
	if l.state == stateClosed {
		l.mu.Unlock()
		_ = conn.Close()
		return ErrNotAvailable
	}
	l.conn = conn
	l.state = stateOpen
	l.mu.Unlock()

	go l.readLoop(conn)
	return nil
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.fail(fmt.Errorf("signaling link lost: %w", err))
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			// A malformed message from our own relay is a bug, not
			// something the session can act on. Drop it loudly.
			l.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		l.handler(env)
	}
}

// Send writes one envelope. If the link has not opened yet, the envelope is
// retried once after a short delay; if the link is still unavailable the
// send is dropped and reported through OnSendDropped. Send never panics and
// never blocks on the connection state.
func (l *Link) Send(env protocol.Envelope) error {
	switch l.currentState() {
	case stateOpen:
		return l.write(env)
	case stateClosed:
		return ErrNotAvailable
	}

	// Not open yet: queue exactly one delayed retry.
	go func() {
		time.Sleep(l.retryDelay)
		if l.currentState() != stateOpen {
			l.log.Warn("dropping signaling send, link never opened", "type", env.Type)
			if l.onSendDropped != nil {
				l.onSendDropped(env, ErrNotAvailable)
			}
			return
		}
		if err := l.write(env); err != nil && l.onSendDropped != nil {
			l.onSendDropped(env, err)
		}
	}()
	return nil
}

func (l *Link) write(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signallink: marshal %s: %w", env.Type, err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.conn == nil {
		return ErrNotAvailable
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signallink: write %s: %w", env.Type, err)
	}
	return nil
}

func (l *Link) currentState() linkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// fail marks the link closed and reports the terminal error exactly once.
// Client-initiated Close does not count as a failure.
func (l *Link) fail(err error) {
	l.mu.Lock()
	wasClosed := l.state == stateClosed
	l.state = stateClosed
	l.mu.Unlock()
	if wasClosed {
		return
	}
	l.fatalOnce.Do(func() {
		l.log.Error("signaling link failed", "err", err)
		if l.onFatal != nil {
			l.onFatal(err)
		}
	})
}

// Close shuts the link down without reporting a fatal error. Safe to call
// more than once and before Connect.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = stateClosed
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			l.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			l.writeMu.Unlock()
			_ = conn.Close()
		}
	})
}
