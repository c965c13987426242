package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/offensive-vk/collabshare/internal/rtc"
)

// FakeSource hands out synthetic streams for tests. Every open call is
// recorded; opened streams track whether they were stopped.
type FakeSource struct {
	mu sync.Mutex

	// UserErr and DisplayErr, when set, fail the corresponding open call.
	UserErr    error
	DisplayErr error

	// Gate, when non-nil, is received from before each open call returns.
	// Tests use it to hold an acquisition in flight.
	Gate chan struct{}

	opened  []*FakeStream
	userSeq int
}

// FakeStream records the lifecycle of one synthetic stream.
type FakeStream struct {
	Stream  *Stream
	Video   bool
	Audio   bool
	Stopped bool

	ended func()
}

func NewFakeSource() *FakeSource {
	return &FakeSource{}
}

func (f *FakeSource) OpenUserMedia(ctx context.Context, video, audio bool) (*Stream, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UserErr != nil {
		return nil, f.UserErr
	}
	f.userSeq++
	rec := &FakeStream{Video: video, Audio: audio}
	var tracks []rtc.LocalTrack
	if video {
		tracks = append(tracks, rtc.StaticTrack{TrackID: fmt.Sprintf("video-%d", f.userSeq), TrackKind: "video"})
	}
	if audio {
		tracks = append(tracks, rtc.StaticTrack{TrackID: fmt.Sprintf("audio-%d", f.userSeq), TrackKind: "audio"})
	}
	rec.Stream = &Stream{
		Kind:   StreamUser,
		Tracks: tracks,
		Stop: func() {
			f.mu.Lock()
			rec.Stopped = true
			f.mu.Unlock()
		},
	}
	f.opened = append(f.opened, rec)
	return rec.Stream, nil
}

func (f *FakeSource) OpenDisplayMedia(ctx context.Context) (*Stream, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DisplayErr != nil {
		return nil, f.DisplayErr
	}
	rec := &FakeStream{}
	rec.Stream = &Stream{
		Kind:   StreamDisplay,
		Tracks: []rtc.LocalTrack{rtc.StaticTrack{TrackID: "screen-1", TrackKind: "video"}},
		Stop: func() {
			f.mu.Lock()
			rec.Stopped = true
			f.mu.Unlock()
		},
		OnEnded: func(cb func()) {
			f.mu.Lock()
			rec.ended = cb
			f.mu.Unlock()
		},
	}
	f.opened = append(f.opened, rec)
	return rec.Stream, nil
}

// Opened returns every stream handed out so far, in order.
func (f *FakeSource) Opened() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeStream, len(f.opened))
	copy(out, f.opened)
	return out
}

// EndDisplay fires the registered end callback of stream, simulating the
// user revoking a display capture at the source.
func (f *FakeSource) EndDisplay(rec *FakeStream) {
	f.mu.Lock()
	cb := rec.ended
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *FakeSource) wait() {
	f.mu.Lock()
	gate := f.Gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}
