package rtc

import (
	"fmt"
	"sync"

	"github.com/offensive-vk/collabshare/internal/protocol"
)

// FakeFactory builds in-memory connections for tests. It records every
// connection it hands out so tests can drive remote-side events and inspect
// what the coordinator did.
type FakeFactory struct {
	mu    sync.Mutex
	conns []*FakeConn

	// NewConnErr, when set, makes NewConn fail.
	NewConnErr error
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{}
}

func (f *FakeFactory) NewConn(Config) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewConnErr != nil {
		return nil, f.NewConnErr
	}
	c := &FakeConn{id: len(f.conns)}
	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns every connection created so far, in creation order.
func (f *FakeFactory) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeConn, len(f.conns))
	copy(out, f.conns)
	return out
}

// FakeConn implements Conn with deterministic, synchronous behavior. Apply
// and describe calls enforce the same preconditions pion does (answer needs
// a remote offer, candidates need a remote description) so buffering logic
// is exercised for real.
type FakeConn struct {
	id int

	mu sync.Mutex

	localSDP  *protocol.SDP
	remoteSDP *protocol.SDP

	SetRemoteErr error
	AnswerErr    error
	CandidateErr error

	RemoteCandidates []protocol.Candidate
	Tracks           []LocalTrack
	Removed          []LocalTrack
	CloseCount       int

	onCandidate func(protocol.Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnState)
}

func (c *FakeConn) CreateOffer() (protocol.SDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sdp := protocol.SDP{Type: "offer", SDP: fmt.Sprintf("fake-offer-%d", c.id)}
	c.localSDP = &sdp
	return sdp, nil
}

func (c *FakeConn) CreateAnswer() (protocol.SDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AnswerErr != nil {
		return protocol.SDP{}, c.AnswerErr
	}
	if c.remoteSDP == nil || c.remoteSDP.Type != "offer" {
		return protocol.SDP{}, fmt.Errorf("fake rtc: create answer without remote offer")
	}
	sdp := protocol.SDP{Type: "answer", SDP: fmt.Sprintf("fake-answer-%d", c.id)}
	c.localSDP = &sdp
	return sdp, nil
}

func (c *FakeConn) SetRemoteDescription(s protocol.SDP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	c.remoteSDP = &s
	return nil
}

func (c *FakeConn) AddICECandidate(cand protocol.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CandidateErr != nil {
		return c.CandidateErr
	}
	if c.remoteSDP == nil {
		return fmt.Errorf("fake rtc: candidate before remote description")
	}
	c.RemoteCandidates = append(c.RemoteCandidates, cand)
	return nil
}

func (c *FakeConn) AddTrack(t LocalTrack) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tracks = append(c.Tracks, t)
	return fakeSender{conn: c, track: t}, nil
}

func (c *FakeConn) RemoveTrack(s Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.Tracks {
		if t.ID() == s.Track().ID() {
			c.Tracks = append(c.Tracks[:i], c.Tracks[i+1:]...)
			c.Removed = append(c.Removed, s.Track())
			return nil
		}
	}
	return fmt.Errorf("fake rtc: track %q not attached", s.Track().ID())
}

func (c *FakeConn) OnICECandidate(f func(protocol.Candidate)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *FakeConn) OnTrack(f func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *FakeConn) OnStateChange(f func(ConnState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.CloseCount++
	c.mu.Unlock()
	return nil
}

// RemoteSDP returns the last applied remote description, or nil.
func (c *FakeConn) RemoteSDP() *protocol.SDP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSDP
}

// LocalSDP returns the last generated local description, or nil.
func (c *FakeConn) LocalSDP() *protocol.SDP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSDP
}

// FireCandidate simulates local candidate discovery.
func (c *FakeConn) FireCandidate(cand protocol.Candidate) {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(cand)
	}
}

// FireState simulates a connection state transition.
func (c *FakeConn) FireState(s ConnState) {
	c.mu.Lock()
	f := c.onState
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// FireTrack simulates an inbound remote track.
func (c *FakeConn) FireTrack(t RemoteTrack) {
	c.mu.Lock()
	f := c.onTrack
	c.mu.Unlock()
	if f != nil {
		f(t)
	}
}

type fakeSender struct {
	conn  *FakeConn
	track LocalTrack
}

func (s fakeSender) Track() LocalTrack { return s.track }

// StaticTrack is a trivial LocalTrack for tests.
type StaticTrack struct {
	TrackID   string
	TrackKind string
}

func (t StaticTrack) ID() string   { return t.TrackID }
func (t StaticTrack) Kind() string { return t.TrackKind }

// StaticRemoteTrack is a trivial RemoteTrack for tests.
type StaticRemoteTrack struct {
	TrackID   string
	TrackKind string
	Stream    string
}

func (t StaticRemoteTrack) ID() string       { return t.TrackID }
func (t StaticRemoteTrack) Kind() string     { return t.TrackKind }
func (t StaticRemoteTrack) StreamID() string { return t.Stream }
