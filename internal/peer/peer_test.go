package peer

import (
	"io"
	"log/slog"
	"testing"

	"github.com/offensive-vk/collabshare/internal/protocol"
	"github.com/offensive-vk/collabshare/internal/rtc"
)

type harness struct {
	coord   *Coordinator
	factory *rtc.FakeFactory
	sent    []protocol.Envelope
	states  []string
	tracks  []rtc.LocalTrack
}

func newHarness(t *testing.T, selfID string) *harness {
	t.Helper()
	h := &harness{factory: rtc.NewFakeFactory()}
	h.coord = NewCoordinator(Config{
		SelfID:  selfID,
		RoomID:  func() string { return "ROOM1234" },
		Factory: h.factory,
		Send: func(env protocol.Envelope) error {
			h.sent = append(h.sent, env)
			return nil
		},
		LocalTracks: func() []rtc.LocalTrack { return h.tracks },
		OnStateChange: func(peerID string, s State) {
			h.states = append(h.states, peerID+":"+s.String())
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) sentOfType(typ protocol.Type) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range h.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func TestEstablishAsOffererThenAnswer(t *testing.T) {
	h := newHarness(t, "client_aaa")
	h.coord.Establish("client_bbb", true)

	offers := h.sentOfType(protocol.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	if offers[0].Target != "client_bbb" {
		t.Fatalf("offer target = %q", offers[0].Target)
	}
	if got := h.coord.PeerState("client_bbb"); got != StateAwaitingAnswer {
		t.Fatalf("state = %v, want awaiting-answer", got)
	}

	h.coord.HandleAnswer("client_bbb", protocol.SDP{Type: "answer", SDP: "x"})
	conn := h.factory.Conns()[0]
	if conn.RemoteSDP() == nil || conn.RemoteSDP().Type != "answer" {
		t.Fatalf("remote description not applied: %+v", conn.RemoteSDP())
	}

	conn.FireState(rtc.StateConnected)
	if got := h.coord.PeerState("client_bbb"); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if got := h.coord.PeerHealth("client_bbb"); got != HealthOK {
		t.Fatalf("health = %v, want ok", got)
	}
}

func TestIncomingOfferProducesAnswer(t *testing.T) {
	h := newHarness(t, "client_bbb")
	h.coord.HandleOffer("client_aaa", protocol.SDP{Type: "offer", SDP: "x"})

	answers := h.sentOfType(protocol.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	}
	if answers[0].Target != "client_aaa" {
		t.Fatalf("answer target = %q", answers[0].Target)
	}
	if got := h.coord.PeerState("client_aaa"); got != StateAnswering {
		t.Fatalf("state = %v, want answering", got)
	}
}

func TestGlareImpoliteIgnoresIncomingOffer(t *testing.T) {
	// Smaller id is the designated offerer; its own offer stands.
	h := newHarness(t, "client_aaa")
	h.coord.Establish("client_bbb", true)
	h.coord.HandleOffer("client_bbb", protocol.SDP{Type: "offer", SDP: "x"})

	if len(h.factory.Conns()) != 1 {
		t.Fatalf("created %d conns, want 1", len(h.factory.Conns()))
	}
	if h.factory.Conns()[0].RemoteSDP() != nil {
		t.Fatal("incoming offer was applied on the impolite side")
	}
	if got := h.sentOfType(protocol.TypeAnswer); len(got) != 0 {
		t.Fatalf("impolite side sent %d answers", len(got))
	}
	if got := h.coord.PeerState("client_bbb"); got != StateAwaitingAnswer {
		t.Fatalf("state = %v, want awaiting-answer", got)
	}
}

func TestGlarePoliteYieldsAndAnswers(t *testing.T) {
	// Larger id yields: its pending offer is discarded and it answers the
	// remote one on a fresh connection.
	h := newHarness(t, "client_bbb")
	h.coord.Establish("client_aaa", true)
	h.coord.HandleOffer("client_aaa", protocol.SDP{Type: "offer", SDP: "x"})

	conns := h.factory.Conns()
	if len(conns) != 2 {
		t.Fatalf("created %d conns, want 2", len(conns))
	}
	if conns[0].CloseCount != 1 {
		t.Fatalf("discarded conn CloseCount = %d, want 1", conns[0].CloseCount)
	}
	if len(h.sentOfType(protocol.TypeAnswer)) != 1 {
		t.Fatal("polite side did not answer")
	}
	if got := h.coord.PeerState("client_aaa"); got != StateAnswering {
		t.Fatalf("state = %v, want answering", got)
	}
}

func TestGlareYieldKeepsBufferedCandidates(t *testing.T) {
	h := newHarness(t, "client_bbb")
	h.coord.Establish("client_aaa", true)

	// A candidate racing ahead of the remote offer is buffered on the
	// link that glare is about to discard.
	h.coord.HandleCandidate("client_aaa", protocol.Candidate{Candidate: "early"})
	h.coord.HandleOffer("client_aaa", protocol.SDP{Type: "offer", SDP: "x"})

	conns := h.factory.Conns()
	if len(conns) != 2 {
		t.Fatalf("created %d conns, want 2", len(conns))
	}
	if got := conns[1].RemoteCandidates; len(got) != 1 || got[0].Candidate != "early" {
		t.Fatalf("replacement link candidates = %+v, want the buffered one", got)
	}
	if len(conns[0].RemoteCandidates) != 0 {
		t.Fatalf("candidate applied to the discarded link: %+v", conns[0].RemoteCandidates)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, "client_bbb")

	// Candidates can outrun the offer that spawned them.
	h.coord.HandleCandidate("client_aaa", protocol.Candidate{Candidate: "c1"})
	h.coord.HandleCandidate("client_aaa", protocol.Candidate{Candidate: "c2"})

	conn := h.factory.Conns()[0]
	if len(conn.RemoteCandidates) != 0 {
		t.Fatalf("candidates applied before remote description: %d", len(conn.RemoteCandidates))
	}

	h.coord.HandleOffer("client_aaa", protocol.SDP{Type: "offer", SDP: "x"})
	if len(conn.RemoteCandidates) != 2 {
		t.Fatalf("flushed %d candidates, want 2", len(conn.RemoteCandidates))
	}
	if conn.RemoteCandidates[0].Candidate != "c1" || conn.RemoteCandidates[1].Candidate != "c2" {
		t.Fatalf("candidates flushed out of order: %+v", conn.RemoteCandidates)
	}

	// Once the description is in, candidates apply immediately.
	h.coord.HandleCandidate("client_aaa", protocol.Candidate{Candidate: "c3"})
	if len(conn.RemoteCandidates) != 3 {
		t.Fatalf("late candidate not applied: %d", len(conn.RemoteCandidates))
	}
}

func TestTeardownIdempotent(t *testing.T) {
	h := newHarness(t, "client_aaa")
	h.coord.Establish("client_bbb", true)

	h.coord.Teardown("client_bbb")
	h.coord.Teardown("client_bbb")
	h.coord.Teardown("client_never_seen")

	if got := h.factory.Conns()[0].CloseCount; got != 1 {
		t.Fatalf("CloseCount = %d, want 1", got)
	}
	if got := len(h.coord.Peers()); got != 0 {
		t.Fatalf("%d links left after teardown", got)
	}
}

func TestOutboundCandidatesStopAfterTeardown(t *testing.T) {
	h := newHarness(t, "client_aaa")
	h.coord.Establish("client_bbb", true)
	conn := h.factory.Conns()[0]

	conn.FireCandidate(protocol.Candidate{Candidate: "local1"})
	if got := h.sentOfType(protocol.TypeCandidate); len(got) != 1 || got[0].Target != "client_bbb" {
		t.Fatalf("candidate not forwarded: %+v", got)
	}

	h.coord.Teardown("client_bbb")
	conn.FireCandidate(protocol.Candidate{Candidate: "local2"})
	if got := h.sentOfType(protocol.TypeCandidate); len(got) != 1 {
		t.Fatalf("candidate forwarded after teardown: %d", len(got))
	}
}

func TestTrackFanout(t *testing.T) {
	h := newHarness(t, "client_aaa")
	h.coord.Establish("client_bbb", true)
	h.coord.Establish("client_ccc", true)

	cam := rtc.StaticTrack{TrackID: "cam-1", TrackKind: "video"}
	h.coord.AttachTrack(cam)
	h.tracks = []rtc.LocalTrack{cam}

	for i, conn := range h.factory.Conns() {
		if len(conn.Tracks) != 1 || conn.Tracks[0].ID() != "cam-1" {
			t.Fatalf("conn %d tracks = %+v", i, conn.Tracks)
		}
	}

	// Links created after the toggle pick the track up at creation.
	h.coord.Establish("client_ddd", true)
	late := h.factory.Conns()[2]
	if len(late.Tracks) != 1 {
		t.Fatalf("late link tracks = %+v", late.Tracks)
	}

	h.coord.DetachTrack("cam-1")
	for i, conn := range h.factory.Conns() {
		if len(conn.Tracks) != 0 {
			t.Fatalf("conn %d still holds tracks after detach: %+v", i, conn.Tracks)
		}
	}
}

func TestRemoteTrackKeyedByPeer(t *testing.T) {
	var gotPeer, gotTrack string
	h := newHarness(t, "client_aaa")
	h.coord.cfg.OnRemoteTrack = func(peerID string, tr rtc.RemoteTrack) {
		gotPeer, gotTrack = peerID, tr.ID()
	}
	h.coord.Establish("client_bbb", true)

	h.factory.Conns()[0].FireTrack(rtc.StaticRemoteTrack{TrackID: "remote-1", TrackKind: "audio"})
	if gotPeer != "client_bbb" || gotTrack != "remote-1" {
		t.Fatalf("remote track = %q from %q", gotTrack, gotPeer)
	}
}

func TestHandleAnswerOutOfOrder(t *testing.T) {
	h := newHarness(t, "client_aaa")

	// Unknown peer: nothing created, nothing sent.
	h.coord.HandleAnswer("client_bbb", protocol.SDP{Type: "answer", SDP: "x"})
	if len(h.factory.Conns()) != 0 {
		t.Fatal("stray answer created a link")
	}

	// Answer while already connected leaves the link untouched.
	h.coord.Establish("client_bbb", true)
	h.coord.HandleAnswer("client_bbb", protocol.SDP{Type: "answer", SDP: "x"})
	h.factory.Conns()[0].FireState(rtc.StateConnected)
	h.coord.HandleAnswer("client_bbb", protocol.SDP{Type: "answer", SDP: "y"})
	if got := h.factory.Conns()[0].RemoteSDP().SDP; got != "x" {
		t.Fatalf("duplicate answer applied: %q", got)
	}
}

func TestCloseAllEmptiesMesh(t *testing.T) {
	h := newHarness(t, "client_aaa")
	for _, id := range []string{"client_b", "client_c", "client_d", "client_e"} {
		h.coord.Establish(id, true)
	}
	if got := len(h.coord.Peers()); got != 4 {
		t.Fatalf("mesh size = %d, want 4", got)
	}

	h.coord.CloseAll()
	if got := len(h.coord.Peers()); got != 0 {
		t.Fatalf("%d links left after CloseAll", got)
	}
	for i, conn := range h.factory.Conns() {
		if conn.CloseCount != 1 {
			t.Fatalf("conn %d CloseCount = %d", i, conn.CloseCount)
		}
	}
}

func TestFailedEngineStateDegradesLinkOnly(t *testing.T) {
	h := newHarness(t, "client_aaa")
	h.coord.Establish("client_bbb", true)
	h.coord.Establish("client_ccc", true)

	h.factory.Conns()[0].FireState(rtc.StateFailed)
	if got := h.coord.PeerHealth("client_bbb"); got != HealthFailed {
		t.Fatalf("failed link health = %v", got)
	}
	if got := h.coord.PeerHealth("client_ccc"); got != HealthOK {
		t.Fatalf("healthy link health = %v", got)
	}
}
