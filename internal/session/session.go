// Package session ties the signaling link, peer mesh, media controller and
// chat transcript together into one room session.
//
// All session state is owned by a single event loop goroutine. Public
// methods and inbound signaling events post closures onto the loop, so
// handlers never race: an offer arriving while a join is being processed
// is simply handled after it. Blocking calls hand the loop a completion
// callback and wait outside it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offensive-vk/collabshare/internal/chat"
	"github.com/offensive-vk/collabshare/internal/media"
	"github.com/offensive-vk/collabshare/internal/peer"
	"github.com/offensive-vk/collabshare/internal/protocol"
	"github.com/offensive-vk/collabshare/internal/roomapi"
	"github.com/offensive-vk/collabshare/internal/rtc"
	"github.com/offensive-vk/collabshare/internal/signallink"
)

var (
	ErrUsernameRequired = errors.New("session: username required")
	ErrNotConnected     = errors.New("session: not connected")
	ErrNotInRoom        = errors.New("session: not in a room")
	ErrAlreadyInRoom    = errors.New("session: already joined a room")
	ErrJoinTimeout      = errors.New("session: room join timed out")
	ErrJoinCanceled     = errors.New("session: room join canceled")
	ErrRoomNotFound     = errors.New("session: room not found")
	ErrRoomFull         = errors.New("session: room is full")
	ErrClosed           = errors.New("session: closed")
)

const (
	// DefaultJoinRetryInterval is how often an unacknowledged join_room is
	// resent. The relay deduplicates joins, so resending is harmless.
	DefaultJoinRetryInterval = 500 * time.Millisecond

	// DefaultJoinAttempts bounds the join retries before giving up.
	DefaultJoinAttempts = 10
)

// Link is the signaling transport the session speaks through.
type Link interface {
	Send(protocol.Envelope) error
	Close()
}

// RoomService creates rooms over the relay's REST surface.
type RoomService interface {
	CreateRoom(ctx context.Context, maxParticipants int) (string, error)
}

// Participant is one roster entry. Username is empty for participants that
// were already present at join time; the relay only carries usernames on
// participant_joined.
type Participant struct {
	ID       string
	Username string
}

type Config struct {
	// ServerURL is the relay's HTTP base, e.g. http://localhost:8000.
	ServerURL string

	// ClientID overrides the generated id. Tests only.
	ClientID string

	Factory rtc.Factory
	RTC     rtc.Config
	Source  media.Source

	// Rooms overrides the REST client derived from ServerURL.
	Rooms RoomService

	// NewLink overrides how the signaling link is dialed. The default
	// derives a ws:// URL from ServerURL.
	NewLink func(ctx context.Context, wsURL string, onEvent func(protocol.Envelope), onFatal func(error)) (Link, error)

	// OnRemoteTrack surfaces inbound media, keyed by the sending peer.
	OnRemoteTrack func(peerID string, track rtc.RemoteTrack)

	// OnPeerState reports peer link transitions. Optional.
	OnPeerState func(peerID string, state peer.State)

	// OnChat is invoked for every chat broadcast, the session's own
	// messages included. Optional; the transcript records them either way.
	OnChat func(chat.Message)

	JoinRetryInterval time.Duration
	JoinAttempts      int

	// SendRetryDelay is passed through to the signaling link; zero keeps
	// the link's default.
	SendRetryDelay time.Duration

	Logger *slog.Logger
}

type joinAttempt struct {
	roomID    string
	username  string
	remaining int
	timer     *time.Timer
	result    chan error
}

// Session is one participant's connection to the collaboration service.
type Session struct {
	cfg      Config
	log      *slog.Logger
	clientID string
	rooms    RoomService
	newLink  func(ctx context.Context, wsURL string, onEvent func(protocol.Envelope), onFatal func(error)) (Link, error)

	loop     chan func()
	quit     chan struct{}
	quitOnce sync.Once

	// Everything below is owned by the loop goroutine.
	link        Link
	failed      error
	inRoom      bool
	roomID      string
	username    string
	firstJoiner bool
	roster      []Participant
	pendingJoin *joinAttempt
	lastErr     error

	coord      *peer.Coordinator
	mediaCtrl  *media.Controller
	transcript *chat.Transcript
}

func New(cfg Config) (*Session, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("session: missing rtc factory")
	}
	if cfg.ServerURL == "" && (cfg.NewLink == nil || cfg.Rooms == nil) {
		return nil, fmt.Errorf("session: missing server URL")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.JoinRetryInterval <= 0 {
		cfg.JoinRetryInterval = DefaultJoinRetryInterval
	}
	if cfg.JoinAttempts <= 0 {
		cfg.JoinAttempts = DefaultJoinAttempts
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
	}

	s := &Session{
		cfg:        cfg,
		log:        log.With("client_id", clientID),
		clientID:   clientID,
		rooms:      cfg.Rooms,
		newLink:    cfg.NewLink,
		loop:       make(chan func(), 64),
		quit:       make(chan struct{}),
		transcript: chat.NewTranscript(),
	}
	if s.rooms == nil {
		s.rooms = roomapi.NewClient(cfg.ServerURL)
	}
	if s.newLink == nil {
		s.newLink = s.dialSignalLink
	}

	s.coord = peer.NewCoordinator(peer.Config{
		SelfID:        clientID,
		RoomID:        func() string { return s.roomID },
		Factory:       cfg.Factory,
		RTC:           cfg.RTC,
		Send:          s.sendEnvelope,
		Dispatch:      s.dispatch,
		LocalTracks:   func() []rtc.LocalTrack { return s.mediaCtrl.Tracks() },
		OnRemoteTrack: cfg.OnRemoteTrack,
		OnStateChange: cfg.OnPeerState,
		Logger:        s.log,
	})
	s.mediaCtrl = media.NewController(media.Config{
		Source:   cfg.Source,
		Dispatch: s.dispatch,
		Attach:   s.coord.AttachTrack,
		Detach:   s.coord.DetachTrack,
		Logger:   s.log,
	})

	go s.run()
	return s, nil
}

func (s *Session) ClientID() string { return s.clientID }

// Transcript exposes the chat transcript. It is safe for concurrent use.
func (s *Session) Transcript() *chat.Transcript { return s.transcript }

func (s *Session) run() {
	for {
		select {
		case f := <-s.loop:
			f()
		case <-s.quit:
			return
		}
	}
}

func (s *Session) dispatch(f func()) {
	select {
	case s.loop <- f:
	case <-s.quit:
	}
}

// do runs f on the loop and waits for it.
func (s *Session) do(ctx context.Context, f func() error) error {
	res := make(chan error, 1)
	s.dispatch(func() { res <- f() })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

// doWait runs f on the loop and waits for the completion callback f hands
// off, for operations that finish asynchronously.
func (s *Session) doWait(ctx context.Context, f func(done func(error))) error {
	res := make(chan error, 1)
	s.dispatch(func() { f(func(err error) { res <- err }) })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

// Connect dials the signaling link. Must be called before JoinRoom.
func (s *Session) Connect(ctx context.Context) error {
	var already bool
	if err := s.do(ctx, func() error {
		if s.failed != nil {
			return s.failed
		}
		already = s.link != nil
		return nil
	}); err != nil {
		return err
	}
	if already {
		return nil
	}

	var wsURL string
	if s.cfg.ServerURL != "" {
		var err error
		wsURL, err = signalURL(s.cfg.ServerURL, s.clientID)
		if err != nil {
			return err
		}
	}
	link, err := s.newLink(ctx, wsURL, s.onEvent, s.onLinkFatal)
	if err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	return s.do(ctx, func() error {
		if s.link != nil {
			link.Close()
			return nil
		}
		s.link = link
		return nil
	})
}

func (s *Session) dialSignalLink(ctx context.Context, wsURL string, onEvent func(protocol.Envelope), onFatal func(error)) (Link, error) {
	l, err := signallink.New(signallink.Config{
		URL:            wsURL,
		Handler:        onEvent,
		OnFatal:        onFatal,
		SendRetryDelay: s.cfg.SendRetryDelay,
		Logger:         s.log,
	})
	if err != nil {
		return nil, err
	}
	if err := l.Connect(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func signalURL(serverURL, clientID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + clientID
	return u.String(), nil
}

func (s *Session) onEvent(env protocol.Envelope) {
	s.dispatch(func() { s.route(env) })
}

func (s *Session) onLinkFatal(err error) {
	s.dispatch(func() {
		err = fmt.Errorf("signaling link lost: %w", err)
		s.log.Error("signaling link failed", "err", err)
		s.failed = err
		s.lastErr = err
		s.finishJoin(err)
		s.leaveRoomLocked(false)
	})
}

// JoinRoom joins roomID under the given display name. An empty roomID
// creates a fresh room first. It returns the joined room id.
func (s *Session) JoinRoom(ctx context.Context, roomID, username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrUsernameRequired
	}

	if err := s.do(ctx, func() error {
		if s.failed != nil {
			return s.failed
		}
		if s.link == nil {
			return ErrNotConnected
		}
		if s.inRoom || s.pendingJoin != nil {
			return ErrAlreadyInRoom
		}
		return nil
	}); err != nil {
		return "", err
	}

	if roomID == "" {
		created, err := s.rooms.CreateRoom(ctx, 0)
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}
		roomID = created
	}

	res := make(chan error, 1)
	s.dispatch(func() { s.startJoin(roomID, username, res) })
	select {
	case err := <-res:
		if err != nil {
			return "", err
		}
		return roomID, nil
	case <-ctx.Done():
		s.dispatch(func() { s.finishJoin(ErrJoinCanceled) })
		return "", ctx.Err()
	case <-s.quit:
		return "", ErrClosed
	}
}

func (s *Session) startJoin(roomID, username string, res chan error) {
	if s.failed != nil {
		res <- s.failed
		return
	}
	if s.link == nil {
		res <- ErrNotConnected
		return
	}
	if s.inRoom || s.pendingJoin != nil {
		res <- ErrAlreadyInRoom
		return
	}
	s.username = username
	s.pendingJoin = &joinAttempt{
		roomID:    roomID,
		username:  username,
		remaining: s.cfg.JoinAttempts,
		result:    res,
	}
	s.sendJoin(s.pendingJoin)
}

func (s *Session) sendJoin(j *joinAttempt) {
	if s.pendingJoin != j {
		return
	}
	if j.remaining <= 0 {
		s.finishJoin(ErrJoinTimeout)
		return
	}
	j.remaining--
	if err := s.link.Send(protocol.Envelope{
		Type:     protocol.TypeJoinRoom,
		RoomID:   j.roomID,
		Username: j.username,
	}); err != nil {
		s.log.Warn("join_room send failed", "err", err)
	}
	j.timer = time.AfterFunc(s.cfg.JoinRetryInterval, func() {
		s.dispatch(func() { s.sendJoin(j) })
	})
}

func (s *Session) finishJoin(err error) {
	j := s.pendingJoin
	if j == nil {
		return
	}
	s.pendingJoin = nil
	if j.timer != nil {
		j.timer.Stop()
	}
	j.result <- err
}

// LeaveRoom leaves the current room, tearing down every peer connection
// and releasing all capture media. Safe to call when not in a room.
func (s *Session) LeaveRoom(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.leaveRoomLocked(true)
		return nil
	})
}

func (s *Session) leaveRoomLocked(sendLeave bool) {
	s.finishJoin(ErrJoinCanceled)
	if !s.inRoom {
		return
	}
	if sendLeave && s.link != nil {
		if err := s.link.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, RoomID: s.roomID}); err != nil {
			s.log.Debug("leave_room send failed", "err", err)
		}
	}
	s.coord.CloseAll()
	s.mediaCtrl.StopAll()
	s.transcript.Clear()
	s.inRoom = false
	s.roomID = ""
	s.firstJoiner = false
	s.roster = nil
	s.log.Info("left room")
}

// SendChat broadcasts a chat message to the room. Whitespace-only input is
// silently dropped.
func (s *Session) SendChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.do(ctx, func() error {
		if s.failed != nil {
			return s.failed
		}
		if !s.inRoom {
			return ErrNotInRoom
		}
		return s.link.Send(protocol.Envelope{
			Type:     protocol.TypeChatMessage,
			RoomID:   s.roomID,
			Username: s.username,
			Message:  text,
		})
	})
}

// SetVideo toggles the camera.
func (s *Session) SetVideo(ctx context.Context, enabled bool) error {
	return s.doWait(ctx, func(done func(error)) {
		if s.failed != nil {
			done(s.failed)
			return
		}
		s.mediaCtrl.SetVideo(enabled, done)
	})
}

// SetAudio toggles the microphone.
func (s *Session) SetAudio(ctx context.Context, enabled bool) error {
	return s.doWait(ctx, func(done func(error)) {
		if s.failed != nil {
			done(s.failed)
			return
		}
		s.mediaCtrl.SetAudio(enabled, done)
	})
}

// StartScreenShare begins display capture, replacing any user media.
func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.doWait(ctx, func(done func(error)) {
		if s.failed != nil {
			done(s.failed)
			return
		}
		s.mediaCtrl.StartScreenShare(done)
	})
}

// StopScreenShare ends display capture. No-op when not sharing.
func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.mediaCtrl.StopScreenShare()
		return nil
	})
}

// MediaState reports which capture kinds are live.
func (s *Session) MediaState(ctx context.Context) (video, audio, screen bool, err error) {
	err = s.do(ctx, func() error {
		video = s.mediaCtrl.VideoEnabled()
		audio = s.mediaCtrl.AudioEnabled()
		screen = s.mediaCtrl.ScreenSharing()
		return nil
	})
	return
}

// Roster returns the known remote participants in the order they joined
// the room.
func (s *Session) Roster(ctx context.Context) ([]Participant, error) {
	var out []Participant
	err := s.do(ctx, func() error {
		out = append(out, s.roster...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RoomID returns the joined room id, empty when not in a room.
func (s *Session) RoomID(ctx context.Context) (string, error) {
	var id string
	err := s.do(ctx, func() error { id = s.roomID; return nil })
	return id, err
}

// FirstJoiner reports whether the relay designated this participant the
// room's first joiner.
func (s *Session) FirstJoiner(ctx context.Context) (bool, error) {
	var v bool
	err := s.do(ctx, func() error { v = s.firstJoiner; return nil })
	return v, err
}

// LastError returns the most recent non-fatal application error.
func (s *Session) LastError(ctx context.Context) (error, error) {
	var last error
	err := s.do(ctx, func() error { last = s.lastErr; return nil })
	return last, err
}

// PeerState reports the link state toward peerID.
func (s *Session) PeerState(ctx context.Context, peerID string) (peer.State, error) {
	var st peer.State
	err := s.do(ctx, func() error { st = s.coord.PeerState(peerID); return nil })
	return st, err
}

// Close leaves the room, closes the signaling link and stops the event
// loop. The session is unusable afterwards.
func (s *Session) Close() {
	_ = s.do(context.Background(), func() error {
		s.leaveRoomLocked(true)
		if s.link != nil {
			s.link.Close()
			s.link = nil
		}
		if s.failed == nil {
			s.failed = ErrClosed
		}
		return nil
	})
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) sendEnvelope(env protocol.Envelope) error {
	if s.link == nil {
		return ErrNotConnected
	}
	return s.link.Send(env)
}

func (s *Session) route(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomJoined:
		s.onRoomJoined(env)
	case protocol.TypeRoomReady:
		// Informational: the relay tells the first joiner it is alone.
		s.firstJoiner = env.YouAreSender
	case protocol.TypeParticipantJoined:
		s.onParticipantJoined(env)
	case protocol.TypeParticipantLeft:
		s.onParticipantLeft(env)
	case protocol.TypeOffer:
		if s.inRoom && env.From != "" {
			s.coord.HandleOffer(env.From, *env.Offer)
		}
	case protocol.TypeAnswer:
		if s.inRoom && env.From != "" {
			s.coord.HandleAnswer(env.From, *env.Answer)
		}
	case protocol.TypeCandidate:
		if s.inRoom && env.From != "" {
			s.coord.HandleCandidate(env.From, *env.Candidate)
		}
	case protocol.TypeChatMessage:
		s.onChatMessage(env)
	case protocol.TypeError:
		s.onErrorEnvelope(env)
	default:
		s.log.Debug("unhandled signaling event", "type", string(env.Type))
	}
}

func (s *Session) onRoomJoined(env protocol.Envelope) {
	if s.inRoom || s.pendingJoin == nil {
		// Ack of a retried join, or a stray event.
		return
	}
	if env.RoomID != s.pendingJoin.roomID {
		s.log.Warn("room_joined for unexpected room", "room_id", env.RoomID)
		return
	}
	s.inRoom = true
	s.roomID = env.RoomID
	// The relay lists participants in join order; keep that order so the
	// roster always reads oldest first.
	for _, id := range env.Participants {
		if id == s.clientID {
			continue
		}
		if s.rosterIndex(id) < 0 {
			s.roster = append(s.roster, Participant{ID: id})
		}
		s.coord.Establish(id, true)
	}
	s.log.Info("joined room", "room_id", s.roomID, "participants", len(s.roster))
	s.finishJoin(nil)
}

func (s *Session) onParticipantJoined(env protocol.Envelope) {
	if !s.inRoom || env.ClientID == "" || env.ClientID == s.clientID {
		return
	}
	if i := s.rosterIndex(env.ClientID); i >= 0 {
		s.roster[i].Username = env.Username
	} else {
		s.roster = append(s.roster, Participant{ID: env.ClientID, Username: env.Username})
	}
	s.coord.Establish(env.ClientID, true)
	s.log.Info("participant joined", "peer_id", env.ClientID, "username", env.Username)
}

func (s *Session) onParticipantLeft(env protocol.Envelope) {
	if !s.inRoom || env.ClientID == "" {
		return
	}
	if i := s.rosterIndex(env.ClientID); i >= 0 {
		s.roster = append(s.roster[:i], s.roster[i+1:]...)
	}
	s.coord.Teardown(env.ClientID)
	s.log.Info("participant left", "peer_id", env.ClientID)
}

func (s *Session) rosterIndex(id string) int {
	for i, p := range s.roster {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) onChatMessage(env protocol.Envelope) {
	if !s.inRoom {
		return
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		ts = time.Time{}
	}
	msg := chat.Message{
		SenderID:    env.From,
		DisplayName: env.Username,
		Text:        env.Message,
		RoomID:      s.roomID,
		Timestamp:   ts,
	}
	s.transcript.Append(msg)
	if s.cfg.OnChat != nil {
		s.cfg.OnChat(msg)
	}
}

func (s *Session) onErrorEnvelope(env protocol.Envelope) {
	err := mapServerError(env.Message)
	if s.pendingJoin != nil {
		s.finishJoin(err)
		return
	}
	s.lastErr = err
	s.log.Warn("server error", "message", env.Message)
}

func mapServerError(message string) error {
	switch message {
	case "Room not found":
		return ErrRoomNotFound
	case "Room is full":
		return ErrRoomFull
	default:
		return fmt.Errorf("server error: %s", message)
	}
}
