// Package peer maintains the mesh of peer connections for one room session.
//
// The coordinator owns one Link per remote participant and drives each
// link's negotiation state machine from signaling events. All methods must
// be called from the session's event loop goroutine; engine callbacks are
// re-dispatched onto that loop through the configured Dispatch function, so
// no locking is needed and races between local and remote negotiation are
// resolved purely by the glare rule below.
//
// Glare: both sides of a pair may start negotiating independently (the
// joiner reacts to room_joined, existing members react to
// participant_joined). The lexicographically smaller client id is the
// impolite peer for the pair and its offer wins; the polite peer discards
// any offer it already sent and answers the incoming one. Both sides apply
// the rule using only locally-known ids, so the outcome is deterministic
// with no coordination.
package peer

import (
	"log/slog"

	"github.com/offensive-vk/collabshare/internal/protocol"
	"github.com/offensive-vk/collabshare/internal/rtc"
)

// State is the negotiation state of one link.
//
// Offering side: idle -> offering -> awaiting-answer -> connected.
// Answering side: idle -> offer-received -> answering -> connected.
// closed is terminal and reachable from every state.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateOfferReceived
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Health is the per-link error surface: application failures on one link
// degrade that link only and never tear down the session.
type Health int

const (
	HealthOK Health = iota
	HealthDegraded
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Link is the per-peer connection record.
type Link struct {
	peerID string
	conn   rtc.Conn

	state  State
	health Health

	haveRemoteDescription bool
	offerOutstanding      bool

	// Remote candidates received before the remote description; applied in
	// arrival order once the description lands. Never dropped.
	pendingCandidates []protocol.Candidate

	senders map[string]rtc.Sender
}

func (l *Link) State() State   { return l.state }
func (l *Link) Health() Health { return l.health }

type Config struct {
	// SelfID is this participant's client id, used for the glare tie-break.
	SelfID string

	// RoomID returns the current room id for outbound envelopes.
	RoomID func() string

	Factory rtc.Factory
	RTC     rtc.Config

	// Send forwards an envelope over the signaling link.
	Send func(protocol.Envelope) error

	// Dispatch schedules a closure onto the session loop. Engine callbacks
	// arrive on engine goroutines and must be re-dispatched.
	Dispatch func(func())

	// LocalTracks returns the currently-enabled capture tracks, attached to
	// every new link at creation time.
	LocalTracks func() []rtc.LocalTrack

	// OnRemoteTrack surfaces inbound media keyed by peer id. This is the
	// only path by which remote media reaches presentation.
	OnRemoteTrack func(peerID string, track rtc.RemoteTrack)

	// OnStateChange reports link state transitions. Optional.
	OnStateChange func(peerID string, state State)

	Logger *slog.Logger
}

type Coordinator struct {
	cfg   Config
	log   *slog.Logger
	links map[string]*Link
}

func NewCoordinator(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	return &Coordinator{
		cfg:   cfg,
		log:   log,
		links: make(map[string]*Link),
	}
}

// offersTo reports whether self is the impolite (designated offering) peer
// for the pair.
func (c *Coordinator) offersTo(peerID string) bool {
	return c.cfg.SelfID < peerID
}

// Establish creates the link toward peerID if absent, attaches the current
// local tracks, and when asOfferer is set sends an offer. Establishing an
// already-known peer is a no-op.
func (c *Coordinator) Establish(peerID string, asOfferer bool) {
	if peerID == c.cfg.SelfID {
		return
	}
	if _, ok := c.links[peerID]; ok {
		return
	}
	link := c.newLink(peerID)
	if link == nil {
		return
	}
	if asOfferer {
		c.sendOffer(link)
	}
}

// HandleOffer applies a remote offer, resolving glare first.
func (c *Coordinator) HandleOffer(peerID string, sdp protocol.SDP) {
	link := c.links[peerID]

	if link != nil && link.offerOutstanding {
		if c.offersTo(peerID) {
			// Impolite: our offer stands; the polite remote will discard
			// its own and answer ours.
			c.log.Debug("ignoring glare offer from polite peer", "peer_id", peerID)
			return
		}
		// Polite: discard our pending offer and start over as the
		// answering side. Candidates buffered on the discarded link carry
		// over to its replacement.
		c.log.Debug("glare: yielding own offer", "peer_id", peerID)
		pending := link.pendingCandidates
		c.closeLink(link)
		link = c.newLink(peerID)
		if link == nil {
			return
		}
		link.pendingCandidates = pending
	}

	if link == nil {
		link = c.newLink(peerID)
		if link == nil {
			return
		}
	}

	c.setState(link, StateOfferReceived)
	if err := link.conn.SetRemoteDescription(sdp); err != nil {
		c.degrade(link, "apply remote offer", err)
		return
	}
	link.haveRemoteDescription = true
	c.flushCandidates(link)

	c.setState(link, StateAnswering)
	answer, err := link.conn.CreateAnswer()
	if err != nil {
		c.degrade(link, "create answer", err)
		return
	}
	if err := c.cfg.Send(protocol.Envelope{
		Type:   protocol.TypeAnswer,
		Target: peerID,
		Answer: &answer,
		RoomID: c.cfg.RoomID(),
	}); err != nil {
		c.degrade(link, "send answer", err)
	}
}

// HandleAnswer applies a remote answer to the awaiting link. A missing link
// or a rejected description is logged and leaves the link untouched; it is
// not retried.
func (c *Coordinator) HandleAnswer(peerID string, sdp protocol.SDP) {
	link := c.links[peerID]
	if link == nil {
		c.log.Warn("answer for unknown peer", "peer_id", peerID)
		return
	}
	if link.state != StateAwaitingAnswer {
		c.log.Warn("answer in unexpected state", "peer_id", peerID, "state", link.state.String())
		return
	}
	if err := link.conn.SetRemoteDescription(sdp); err != nil {
		c.degrade(link, "apply remote answer", err)
		return
	}
	link.haveRemoteDescription = true
	link.offerOutstanding = false
	c.flushCandidates(link)
}

// HandleCandidate applies a remote path candidate, buffering it until the
// remote description exists. Candidates racing ahead of the offer create
// the link in idle state so nothing is lost.
func (c *Coordinator) HandleCandidate(peerID string, cand protocol.Candidate) {
	link := c.links[peerID]
	if link == nil {
		link = c.newLink(peerID)
		if link == nil {
			return
		}
	}
	if !link.haveRemoteDescription {
		link.pendingCandidates = append(link.pendingCandidates, cand)
		return
	}
	if err := link.conn.AddICECandidate(cand); err != nil {
		c.degrade(link, "apply candidate", err)
	}
}

// Teardown closes and discards the link for peerID. Safe to call for
// unknown peers and safe to call twice.
func (c *Coordinator) Teardown(peerID string) {
	if link, ok := c.links[peerID]; ok {
		c.closeLink(link)
	}
}

// CloseAll tears down every link, leaving an empty table.
func (c *Coordinator) CloseAll() {
	for _, link := range c.links {
		c.closeLink(link)
	}
}

// AttachTrack adds a capture track to every live link, so peers connected
// before a media toggle still receive the new track.
func (c *Coordinator) AttachTrack(t rtc.LocalTrack) {
	for _, link := range c.links {
		if _, ok := link.senders[t.ID()]; ok {
			continue
		}
		sender, err := link.conn.AddTrack(t)
		if err != nil {
			c.degrade(link, "attach track", err)
			continue
		}
		link.senders[t.ID()] = sender
	}
}

// DetachTrack removes a capture track from every link holding it.
func (c *Coordinator) DetachTrack(trackID string) {
	for _, link := range c.links {
		sender, ok := link.senders[trackID]
		if !ok {
			continue
		}
		delete(link.senders, trackID)
		if err := link.conn.RemoveTrack(sender); err != nil {
			c.degrade(link, "detach track", err)
		}
	}
}

// Peers returns the ids of every tracked link.
func (c *Coordinator) Peers() []string {
	out := make([]string, 0, len(c.links))
	for id := range c.links {
		out = append(out, id)
	}
	return out
}

// PeerState reports the link state for peerID; closed for unknown peers.
func (c *Coordinator) PeerState(peerID string) State {
	if link, ok := c.links[peerID]; ok {
		return link.state
	}
	return StateClosed
}

// PeerHealth reports the per-link health indicator for peerID.
func (c *Coordinator) PeerHealth(peerID string) Health {
	if link, ok := c.links[peerID]; ok {
		return link.health
	}
	return HealthFailed
}

func (c *Coordinator) newLink(peerID string) *Link {
	conn, err := c.cfg.Factory.NewConn(c.cfg.RTC)
	if err != nil {
		c.log.Error("create peer connection", "peer_id", peerID, "err", err)
		return nil
	}

	link := &Link{
		peerID:  peerID,
		conn:    conn,
		state:   StateIdle,
		senders: make(map[string]rtc.Sender),
	}
	c.links[peerID] = link

	conn.OnICECandidate(func(cand protocol.Candidate) {
		c.cfg.Dispatch(func() {
			// The link may have been replaced (glare) or torn down since
			// this candidate was discovered.
			if c.links[peerID] != link || link.state == StateClosed {
				return
			}
			if err := c.cfg.Send(protocol.Envelope{
				Type:      protocol.TypeCandidate,
				Target:    peerID,
				Candidate: &cand,
				RoomID:    c.cfg.RoomID(),
			}); err != nil {
				c.degrade(link, "send candidate", err)
			}
		})
	})

	conn.OnTrack(func(t rtc.RemoteTrack) {
		c.cfg.Dispatch(func() {
			if c.links[peerID] != link {
				return
			}
			if c.cfg.OnRemoteTrack != nil {
				c.cfg.OnRemoteTrack(peerID, t)
			}
		})
	})

	conn.OnStateChange(func(s rtc.ConnState) {
		c.cfg.Dispatch(func() {
			if c.links[peerID] != link || link.state == StateClosed {
				return
			}
			switch s {
			case rtc.StateConnected:
				link.offerOutstanding = false
				link.health = HealthOK
				c.setState(link, StateConnected)
			case rtc.StateDisconnected:
				link.health = HealthDegraded
			case rtc.StateFailed:
				link.health = HealthFailed
				c.log.Warn("peer connection failed", "peer_id", peerID)
			}
		})
	})

	if c.cfg.LocalTracks != nil {
		for _, t := range c.cfg.LocalTracks() {
			sender, err := conn.AddTrack(t)
			if err != nil {
				c.degrade(link, "attach track", err)
				continue
			}
			link.senders[t.ID()] = sender
		}
	}

	return link
}

func (c *Coordinator) sendOffer(link *Link) {
	c.setState(link, StateOffering)
	offer, err := link.conn.CreateOffer()
	if err != nil {
		c.degrade(link, "create offer", err)
		return
	}
	link.offerOutstanding = true
	c.setState(link, StateAwaitingAnswer)
	if err := c.cfg.Send(protocol.Envelope{
		Type:   protocol.TypeOffer,
		Target: link.peerID,
		Offer:  &offer,
		RoomID: c.cfg.RoomID(),
	}); err != nil {
		c.degrade(link, "send offer", err)
	}
}

func (c *Coordinator) flushCandidates(link *Link) {
	pending := link.pendingCandidates
	link.pendingCandidates = nil
	for _, cand := range pending {
		if err := link.conn.AddICECandidate(cand); err != nil {
			c.degrade(link, "apply buffered candidate", err)
		}
	}
}

func (c *Coordinator) closeLink(link *Link) {
	if link.state == StateClosed {
		return
	}
	c.setState(link, StateClosed)
	if err := link.conn.Close(); err != nil {
		c.log.Warn("close peer connection", "peer_id", link.peerID, "err", err)
	}
	if c.links[link.peerID] == link {
		delete(c.links, link.peerID)
	}
}

func (c *Coordinator) setState(link *Link, s State) {
	if link.state == s {
		return
	}
	link.state = s
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(link.peerID, s)
	}
}

func (c *Coordinator) degrade(link *Link, op string, err error) {
	if link.health == HealthOK {
		link.health = HealthDegraded
	}
	c.log.Warn("peer link degraded", "peer_id", link.peerID, "op", op, "err", err)
}
