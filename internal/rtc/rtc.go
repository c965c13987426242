// Package rtc is the seam between the peer-connection coordinator and the
// underlying WebRTC engine.
//
// The coordinator's state machine only needs a narrow slice of a peer
// connection: generate and apply descriptions/candidates, attach tracks, and
// observe state. Keeping that slice behind an interface lets the negotiation
// logic be tested deterministically with the in-memory fake while production
// code runs on pion.
package rtc

import "github.com/offensive-vk/collabshare/internal/protocol"

// ConnState mirrors the peer connection state transitions the coordinator
// cares about.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LocalTrack is an outbound capture track. Kind is "audio" or "video".
type LocalTrack interface {
	ID() string
	Kind() string
}

// Sender is the handle returned by AddTrack, used to detach the track later.
type Sender interface {
	Track() LocalTrack
}

// RemoteTrack is an inbound media track surfaced to the presentation layer.
type RemoteTrack interface {
	ID() string
	Kind() string
	StreamID() string
}

// Conn is one peer connection. Callbacks fire on engine-owned goroutines;
// callers are expected to re-dispatch onto their own loop.
type Conn interface {
	// CreateOffer produces and installs a local offer.
	CreateOffer() (protocol.SDP, error)
	// CreateAnswer produces and installs a local answer. A remote offer
	// must have been applied first.
	CreateAnswer() (protocol.SDP, error)
	SetRemoteDescription(protocol.SDP) error
	// AddICECandidate applies a remote candidate. It fails when no remote
	// description is set, which is why callers buffer.
	AddICECandidate(protocol.Candidate) error

	AddTrack(LocalTrack) (Sender, error)
	RemoveTrack(Sender) error

	OnICECandidate(func(protocol.Candidate))
	OnTrack(func(RemoteTrack))
	OnStateChange(func(ConnState))

	// Close releases all transport resources. Safe to call twice.
	Close() error
}

// Config carries per-connection engine settings.
type Config struct {
	// STUNURLs is the fixed list of address-discovery servers, e.g.
	// "stun:stun.l.google.com:19302". No TURN fallback is configured.
	STUNURLs []string
}

// Factory constructs connections. Implemented by the pion engine and the
// test fake.
type Factory interface {
	NewConn(Config) (Conn, error)
}
