package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/offensive-vk/collabshare/internal/protocol"
)

// NewPionFactory returns the production Factory backed by pion/webrtc.
func NewPionFactory() Factory {
	return pionFactory{}
}

type pionFactory struct{}

func (pionFactory) NewConn(cfg Config) (Conn, error) {
	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (protocol.SDP, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return protocol.SDP{}, fmt.Errorf("rtc: set local offer: %w", err)
	}
	return protocol.SDPFromPion(offer), nil
}

func (c *pionConn) CreateAnswer() (protocol.SDP, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return protocol.SDP{}, fmt.Errorf("rtc: set local answer: %w", err)
	}
	return protocol.SDPFromPion(answer), nil
}

func (c *pionConn) SetRemoteDescription(s protocol.SDP) error {
	desc, err := s.ToPion()
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("rtc: set remote %s: %w", s.Type, err)
	}
	return nil
}

func (c *pionConn) AddICECandidate(cand protocol.Candidate) error {
	if cand.Candidate == "" {
		// End-of-candidates marker; nothing to apply.
		return nil
	}
	if err := c.pc.AddICECandidate(cand.ToPion()); err != nil {
		return fmt.Errorf("rtc: add ice candidate: %w", err)
	}
	return nil
}

func (c *pionConn) AddTrack(t LocalTrack) (Sender, error) {
	pt, ok := t.(pionLocalTrack)
	if !ok {
		return nil, fmt.Errorf("rtc: track %q is not a pion track", t.ID())
	}
	sender, err := c.pc.AddTrack(pt.t)
	if err != nil {
		return nil, fmt.Errorf("rtc: add track %q: %w", t.ID(), err)
	}
	return pionSender{track: t, sender: sender}, nil
}

func (c *pionConn) RemoveTrack(s Sender) error {
	ps, ok := s.(pionSender)
	if !ok {
		return fmt.Errorf("rtc: sender is not a pion sender")
	}
	if err := c.pc.RemoveTrack(ps.sender); err != nil {
		return fmt.Errorf("rtc: remove track: %w", err)
	}
	return nil
}

func (c *pionConn) OnICECandidate(f func(protocol.Candidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		f(protocol.CandidateFromPion(cand.ToJSON()))
	})
}

func (c *pionConn) OnTrack(f func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(pionRemoteTrack{track})
	})
}

func (c *pionConn) OnStateChange(f func(ConnState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f(connStateFromPion(s))
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func connStateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// WrapPionTrack adapts a pion local track (e.g. TrackLocalStaticRTP) for use
// with this package's Conn.
func WrapPionTrack(t webrtc.TrackLocal) LocalTrack {
	return pionLocalTrack{t}
}

type pionLocalTrack struct {
	t webrtc.TrackLocal
}

func (p pionLocalTrack) ID() string   { return p.t.ID() }
func (p pionLocalTrack) Kind() string { return p.t.Kind().String() }

type pionSender struct {
	track  LocalTrack
	sender *webrtc.RTPSender
}

func (p pionSender) Track() LocalTrack { return p.track }

type pionRemoteTrack struct {
	t *webrtc.TrackRemote
}

func (p pionRemoteTrack) ID() string       { return p.t.ID() }
func (p pionRemoteTrack) Kind() string     { return p.t.Kind().String() }
func (p pionRemoteTrack) StreamID() string { return p.t.StreamID() }
