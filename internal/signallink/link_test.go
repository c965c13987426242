package signallink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/offensive-vk/collabshare/internal/protocol"
)

type echoServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

// newEchoServer upgrades every request and echoes text frames back verbatim.
func newEchoServer(t *testing.T) (*echoServer, *httptest.Server) {
	t.Helper()
	es := &echoServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := es.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		es.mu.Unlock()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return es, srv
}

func (es *echoServer) closeAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		_ = c.Close()
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/client_test"
}

func TestSendAndReceive(t *testing.T) {
	_, srv := newEchoServer(t)

	got := make(chan protocol.Envelope, 1)
	link, err := New(Config{
		URL:     wsURL(srv),
		Handler: func(env protocol.Envelope) { got <- env },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer link.Close()

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := link.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, RoomID: "R1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-got:
		if env.Type != protocol.TypeLeaveRoom || env.RoomID != "R1" {
			t.Fatalf("unexpected envelope: %#v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed envelope")
	}
}

func TestSendBeforeOpenFlushesOnce(t *testing.T) {
	_, srv := newEchoServer(t)

	got := make(chan protocol.Envelope, 1)
	link, err := New(Config{
		URL:            wsURL(srv),
		Handler:        func(env protocol.Envelope) { got <- env },
		SendRetryDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer link.Close()

	// Send before Connect: must not error synchronously, must flush after
	// the link opens within the retry delay.
	if err := link.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, RoomID: "R1"}); err != nil {
		t.Fatalf("Send before open: %v", err)
	}
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case env := <-got:
		if env.RoomID != "R1" {
			t.Fatalf("unexpected envelope: %#v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued send never flushed")
	}
}

func TestSendWhileNeverOpenedIsDropped(t *testing.T) {
	dropped := make(chan error, 1)
	link, err := New(Config{
		URL:            "ws://127.0.0.1:0/ws/client_test",
		Handler:        func(protocol.Envelope) {},
		OnSendDropped:  func(_ protocol.Envelope, err error) { dropped <- err },
		SendRetryDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer link.Close()

	if err := link.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, RoomID: "R1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case err := <-dropped:
		if !errors.Is(err, ErrNotAvailable) {
			t.Fatalf("dropped with %v, want ErrNotAvailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send was never reported dropped")
	}
}

func TestRemoteCloseAfterOpenIsFatal(t *testing.T) {
	es, srv := newEchoServer(t)

	fatal := make(chan error, 1)
	link, err := New(Config{
		URL:     wsURL(srv),
		Handler: func(protocol.Envelope) {},
		OnFatal: func(err error) { fatal <- err },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer link.Close()

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	es.closeAll()

	select {
	case <-fatal:
	case <-time.After(2 * time.Second):
		t.Fatal("remote close never reported fatal")
	}

	if err := link.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, RoomID: "R1"}); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("Send after fatal: got %v, want ErrNotAvailable", err)
	}
}

func TestLocalCloseIsNotFatal(t *testing.T) {
	_, srv := newEchoServer(t)

	fatal := make(chan error, 1)
	link, err := New(Config{
		URL:     wsURL(srv),
		Handler: func(protocol.Envelope) {},
		OnFatal: func(err error) { fatal <- err },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	link.Close()
	link.Close() // idempotent

	select {
	case err := <-fatal:
		t.Fatalf("local close reported fatal: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
