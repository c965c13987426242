// Package relayserver is the signaling relay: a REST surface for room
// management and a WebSocket endpoint that routes envelopes between
// participants of a room.
//
// The relay is deliberately unaware of WebRTC semantics. Offers, answers
// and candidates are opaque payloads forwarded to their target; only room
// membership and chat are interpreted here.
package relayserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/offensive-vk/collabshare/internal/metrics"
	"github.com/offensive-vk/collabshare/internal/protocol"
	"github.com/offensive-vk/collabshare/internal/ratelimit"
	"github.com/offensive-vk/collabshare/internal/roomstore"
)

const (
	writeWait = 10 * time.Second

	defaultMaxMessageBytes = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay is origin-agnostic; deployments needing origin policy put
	// it in front of the relay.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Config struct {
	Store   roomstore.Store
	Metrics *metrics.Metrics

	// Limiter throttles inbound signaling per client id. Optional.
	Limiter *ratelimit.PerClientLimiter

	// MaxMessageBytes caps an inbound signaling frame. <= 0 applies a
	// default.
	MaxMessageBytes int64

	Logger *slog.Logger

	// Now stamps chat broadcasts. Tests override it.
	Now func() time.Time
}

type Server struct {
	store    roomstore.Store
	metrics  *metrics.Metrics
	limiter  *ratelimit.PerClientLimiter
	maxBytes int64
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	rooms   map[string]map[string]*client
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Server{
		store:    cfg.Store,
		metrics:  m,
		limiter:  cfg.Limiter,
		maxBytes: maxBytes,
		log:      log,
		now:      now,
		clients:  make(map[string]*client),
		rooms:    make(map[string]map[string]*client),
	}
}

// Router builds the gin engine serving the REST and WebSocket surface.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/rooms", s.handleCreateRoom)
	r.GET("/api/rooms", s.handleListRooms)
	r.GET("/api/rooms/:roomId", s.handleGetRoom)
	r.GET("/ws/:clientId", s.handleWebSocket)
	r.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(s.metrics)))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return r
}

type createRoomRequest struct {
	MaxParticipants int `json:"max_participants"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	room, err := s.store.CreateRoom(c.Request.Context(), req.MaxParticipants)
	if err != nil {
		s.log.Error("create room failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	s.metrics.Inc(metrics.RoomsCreated)
	s.log.Info("room created", "room_id", room.ID, "max_participants", room.MaxParticipants)
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID, "max_participants": room.MaxParticipants})
}

// handleGetRoom keeps the historical contract of answering 200 with an
// error body for unknown rooms; clients probe room existence through it.
func (s *Server) handleGetRoom(c *gin.Context) {
	room, err := s.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":          room.ID,
		"participants":     room.ParticipantIDs(),
		"max_participants": room.MaxParticipants,
	})
}

func (s *Server) handleListRooms(c *gin.Context) {
	rooms, err := s.store.ListRooms(c.Request.Context())
	if err != nil {
		s.log.Error("list rooms failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	out := make([]gin.H, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, gin.H{
			"room_id":          room.ID,
			"participants":     len(room.Participants),
			"max_participants": room.MaxParticipants,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	clientID := c.Param("clientId")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientId is required"})
		return
	}

	s.mu.Lock()
	if _, taken := s.clients[clientID]; taken {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "client id already connected"})
		return
	}
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "client_id", clientID, "err", err)
		return
	}

	cl := &client{id: clientID, conn: conn}
	s.mu.Lock()
	if _, taken := s.clients[clientID]; taken {
		// Lost the race against a concurrent connect with the same id.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[clientID] = cl
	s.mu.Unlock()

	s.metrics.Inc(metrics.ConnectionsOpened)
	s.log.Info("client connected", "client_id", clientID)

	s.readLoop(cl)

	// A dropped connection is a leave.
	s.leaveRoom(cl)
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
	if s.limiter != nil {
		s.limiter.Forget(clientID)
	}
	conn.Close()
	s.metrics.Inc(metrics.ConnectionsClosed)
	s.log.Info("client disconnected", "client_id", clientID)
}

func (s *Server) readLoop(cl *client) {
	cl.conn.SetReadLimit(s.maxBytes)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.limiter != nil && !s.limiter.Allow(cl.id) {
			s.metrics.Inc(metrics.MessagesRateLimited)
			cl.sendError("Rate limit exceeded")
			continue
		}
		env, err := protocol.Parse(data)
		if err != nil {
			s.metrics.Inc(metrics.MessagesRejected)
			s.log.Debug("rejected message", "client_id", cl.id, "err", err)
			cl.sendError("Invalid message")
			continue
		}
		s.route(cl, env)
	}
}

func (s *Server) route(cl *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinRoom:
		s.joinRoom(cl, env)
	case protocol.TypeLeaveRoom:
		s.leaveRoom(cl)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		s.forward(cl, env)
	case protocol.TypeChatMessage:
		s.broadcastChat(cl, env)
	default:
		s.metrics.Inc(metrics.MessagesRejected)
		s.log.Debug("unroutable message", "client_id", cl.id, "type", string(env.Type))
	}
}

func (s *Server) joinRoom(cl *client, env protocol.Envelope) {
	s.mu.Lock()
	already := cl.roomID == env.RoomID
	s.mu.Unlock()
	if already {
		// Duplicate join: the client resends until acknowledged. Repeat
		// the ack, do not re-announce.
		s.sendRoomState(cl, env.RoomID)
		return
	}

	room, err := s.store.AddParticipant(context.Background(), env.RoomID, cl.id, env.Username)
	if err != nil {
		s.metrics.Inc(metrics.JoinsRejected)
		switch err {
		case roomstore.ErrNotFound:
			cl.sendError("Room not found")
		case roomstore.ErrRoomFull:
			cl.sendError("Room is full")
		default:
			s.log.Error("join failed", "client_id", cl.id, "room_id", env.RoomID, "err", err)
			cl.sendError("Failed to join room")
		}
		return
	}

	s.mu.Lock()
	// Joining a different room implies leaving the old one first.
	oldRoom := cl.roomID
	s.mu.Unlock()
	if oldRoom != "" && oldRoom != env.RoomID {
		s.leaveRoom(cl)
	}

	s.mu.Lock()
	cl.roomID = room.ID
	cl.username = env.Username
	members := s.rooms[room.ID]
	if members == nil {
		members = make(map[string]*client)
		s.rooms[room.ID] = members
	}
	members[cl.id] = cl
	peers := s.roomPeersLocked(room.ID, cl.id)
	s.mu.Unlock()

	s.metrics.Inc(metrics.JoinsAccepted)
	s.log.Info("joined room", "client_id", cl.id, "room_id", room.ID, "username", env.Username,
		"participants", len(room.Participants))

	// Rosters go out in join order; clients rely on index 0 being the
	// earliest member.
	ids := room.ParticipantIDs()
	cl.send(protocol.Envelope{
		Type:         protocol.TypeRoomJoined,
		RoomID:       room.ID,
		Participants: ids,
	})
	if len(room.Participants) == 1 {
		cl.send(protocol.Envelope{
			Type:         protocol.TypeRoomReady,
			RoomID:       room.ID,
			YouAreSender: true,
		})
		return
	}
	for _, peer := range peers {
		peer.send(protocol.Envelope{
			Type:         protocol.TypeParticipantJoined,
			RoomID:       room.ID,
			ClientID:     cl.id,
			Username:     env.Username,
			Participants: ids,
		})
	}
}

// sendRoomState re-acks a join the client already holds.
func (s *Server) sendRoomState(cl *client, roomID string) {
	room, err := s.store.GetRoom(context.Background(), roomID)
	if err != nil {
		cl.sendError("Room not found")
		return
	}
	cl.send(protocol.Envelope{
		Type:         protocol.TypeRoomJoined,
		RoomID:       room.ID,
		Participants: room.ParticipantIDs(),
	})
}

func (s *Server) leaveRoom(cl *client) {
	s.mu.Lock()
	roomID := cl.roomID
	if roomID == "" {
		s.mu.Unlock()
		return
	}
	cl.roomID = ""
	if members := s.rooms[roomID]; members != nil {
		delete(members, cl.id)
		if len(members) == 0 {
			delete(s.rooms, roomID)
		}
	}
	peers := s.roomPeersLocked(roomID, cl.id)
	s.mu.Unlock()

	room, err := s.store.RemoveParticipant(context.Background(), roomID, cl.id)
	if err != nil {
		s.log.Error("remove participant failed", "client_id", cl.id, "room_id", roomID, "err", err)
	} else if len(room.Participants) == 0 {
		s.metrics.Inc(metrics.RoomsDeleted)
		s.log.Info("room emptied", "room_id", roomID)
	}

	for _, peer := range peers {
		peer.send(protocol.Envelope{
			Type:     protocol.TypeParticipantLeft,
			RoomID:   roomID,
			ClientID: cl.id,
		})
	}
	s.log.Info("left room", "client_id", cl.id, "room_id", roomID)
}

// forward routes a negotiation envelope to its target, stamping the
// sender. The payload is not inspected.
func (s *Server) forward(cl *client, env protocol.Envelope) {
	s.mu.Lock()
	target := s.clients[env.Target]
	sameRoom := target != nil && target.roomID != "" && target.roomID == cl.roomID
	s.mu.Unlock()

	if !sameRoom {
		s.metrics.Inc(metrics.SignalsDropped)
		s.log.Debug("dropped signal", "from", cl.id, "target", env.Target, "type", string(env.Type))
		return
	}
	env.From = cl.id
	env.Target = ""
	target.send(env)
	s.metrics.Inc(metrics.SignalsForwarded)
}

// broadcastChat stamps sender identity and time onto a chat message and
// fans it out to every room member, the sender included, so all
// transcripts agree.
func (s *Server) broadcastChat(cl *client, env protocol.Envelope) {
	s.mu.Lock()
	roomID := cl.roomID
	var members []*client
	if roomID != "" {
		for _, m := range s.rooms[roomID] {
			members = append(members, m)
		}
	}
	username := cl.username
	s.mu.Unlock()

	if roomID == "" {
		cl.sendError("Not in a room")
		return
	}

	out := protocol.Envelope{
		Type:      protocol.TypeChatMessage,
		RoomID:    roomID,
		From:      cl.id,
		Username:  username,
		Message:   env.Message,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	for _, m := range members {
		m.send(out)
	}
	s.metrics.Inc(metrics.ChatBroadcast)
}

func (s *Server) roomPeersLocked(roomID, exceptID string) []*client {
	var out []*client
	for id, m := range s.rooms[roomID] {
		if id != exceptID {
			out = append(out, m)
		}
	}
	return out
}

// client is one connected WebSocket participant. Writes are serialized by
// writeMu; roomID and username are guarded by the server's mutex.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	roomID   string
	username string
}

func (c *client) send(env protocol.Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		// The read loop will observe the broken connection and clean up.
		_ = c.conn.Close()
	}
}

func (c *client) sendError(message string) {
	c.send(protocol.Envelope{Type: protocol.TypeError, Message: message})
}
