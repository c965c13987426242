package media

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/offensive-vk/collabshare/internal/rtc"
)

type testEnv struct {
	ctrl     *Controller
	source   *FakeSource
	attached []string
	detached []string
}

func newTestEnv() *testEnv {
	env := &testEnv{source: NewFakeSource()}
	env.ctrl = NewController(Config{
		Source: env.source,
		Attach: func(t rtc.LocalTrack) { env.attached = append(env.attached, t.ID()) },
		Detach: func(id string) { env.detached = append(env.detached, id) },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return env
}

func await(t *testing.T, start func(done func(error))) error {
	t.Helper()
	ch := make(chan error, 1)
	start(func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("media operation did not complete")
		return nil
	}
}

func TestEnableVideoAttachesTrack(t *testing.T) {
	env := newTestEnv()
	if err := await(t, func(done func(error)) { env.ctrl.SetVideo(true, done) }); err != nil {
		t.Fatalf("SetVideo: %v", err)
	}
	if !env.ctrl.VideoEnabled() || env.ctrl.AudioEnabled() {
		t.Fatalf("state = video %v audio %v", env.ctrl.VideoEnabled(), env.ctrl.AudioEnabled())
	}
	if len(env.attached) != 1 || env.attached[0] != "video-1" {
		t.Fatalf("attached = %v", env.attached)
	}
}

func TestTogglesPreserveOtherKind(t *testing.T) {
	env := newTestEnv()
	if err := await(t, func(done func(error)) { env.ctrl.SetVideo(true, done) }); err != nil {
		t.Fatalf("enable video: %v", err)
	}
	if err := await(t, func(done func(error)) { env.ctrl.SetAudio(true, done) }); err != nil {
		t.Fatalf("enable audio: %v", err)
	}

	opened := env.source.Opened()
	if len(opened) != 2 {
		t.Fatalf("opened %d streams, want 2", len(opened))
	}
	if !opened[1].Video || !opened[1].Audio {
		t.Fatalf("second acquisition kinds = video %v audio %v, want both", opened[1].Video, opened[1].Audio)
	}
	if !opened[0].Stopped {
		t.Fatal("superseded stream not released")
	}

	// Dropping video must not drop audio with it.
	if err := await(t, func(done func(error)) { env.ctrl.SetVideo(false, done) }); err != nil {
		t.Fatalf("disable video: %v", err)
	}
	opened = env.source.Opened()
	if len(opened) != 3 || opened[2].Video || !opened[2].Audio {
		t.Fatalf("shrink acquisition wrong: %+v", opened[len(opened)-1])
	}
	if !env.ctrl.AudioEnabled() || env.ctrl.VideoEnabled() {
		t.Fatalf("state after shrink = video %v audio %v", env.ctrl.VideoEnabled(), env.ctrl.AudioEnabled())
	}

	// Dropping the last kind needs no acquisition at all.
	if err := await(t, func(done func(error)) { env.ctrl.SetAudio(false, done) }); err != nil {
		t.Fatalf("disable audio: %v", err)
	}
	if len(env.source.Opened()) != 3 {
		t.Fatal("disable-to-empty acquired a stream")
	}
	if !opened[2].Stopped {
		t.Fatal("final stream not released")
	}
}

func TestRedundantToggleIsNoOp(t *testing.T) {
	env := newTestEnv()
	if err := await(t, func(done func(error)) { env.ctrl.SetVideo(true, done) }); err != nil {
		t.Fatalf("SetVideo: %v", err)
	}
	if err := await(t, func(done func(error)) { env.ctrl.SetVideo(true, done) }); err != nil {
		t.Fatalf("repeat SetVideo: %v", err)
	}
	if got := len(env.source.Opened()); got != 1 {
		t.Fatalf("opened %d streams, want 1", got)
	}
}

func TestOverlappingToggleRejected(t *testing.T) {
	env := newTestEnv()
	env.source.Gate = make(chan struct{})

	first := make(chan error, 1)
	env.ctrl.SetVideo(true, func(err error) { first <- err })

	err := await(t, func(done func(error)) { env.ctrl.SetAudio(true, done) })
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping toggle err = %v, want ErrBusy", err)
	}

	close(env.source.Gate)
	if err := <-first; err != nil {
		t.Fatalf("first toggle: %v", err)
	}
}

func TestStopAllDiscardsInflightAcquisition(t *testing.T) {
	env := newTestEnv()
	env.source.Gate = make(chan struct{})

	first := make(chan error, 1)
	env.ctrl.SetVideo(true, func(err error) { first <- err })
	env.ctrl.StopAll()
	close(env.source.Gate)

	if err := <-first; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("in-flight toggle err = %v, want ErrSuperseded", err)
	}
	if env.ctrl.VideoEnabled() {
		t.Fatal("video reported enabled after StopAll")
	}
	if got := env.source.Opened(); !got[0].Stopped {
		t.Fatal("late stream not released")
	}
	if len(env.attached) != 0 {
		t.Fatalf("late stream attached tracks: %v", env.attached)
	}
}

func TestAcquisitionFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv()
	env.source.UserErr = errors.New("no device")
	err := await(t, func(done func(error)) { env.ctrl.SetAudio(true, done) })
	if err == nil || env.ctrl.AudioEnabled() {
		t.Fatalf("err = %v, audio = %v", err, env.ctrl.AudioEnabled())
	}
}

func TestScreenShareEndedAtSource(t *testing.T) {
	env := newTestEnv()
	if err := await(t, func(done func(error)) { env.ctrl.StartScreenShare(done) }); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if !env.ctrl.ScreenSharing() {
		t.Fatal("not sharing after start")
	}

	rec := env.source.Opened()[0]
	env.source.EndDisplay(rec)

	if env.ctrl.ScreenSharing() {
		t.Fatal("still sharing after source ended the capture")
	}
	if !rec.Stopped {
		t.Fatal("ended stream not released")
	}
	if len(env.detached) != 1 || env.detached[0] != "screen-1" {
		t.Fatalf("detached = %v", env.detached)
	}
}

func TestScreenShareReplacesUserMedia(t *testing.T) {
	env := newTestEnv()
	if err := await(t, func(done func(error)) { env.ctrl.SetAudio(true, done) }); err != nil {
		t.Fatalf("SetAudio: %v", err)
	}
	if err := await(t, func(done func(error)) { env.ctrl.StartScreenShare(done) }); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	// One stream at a time: the microphone stream is released and detached.
	opened := env.source.Opened()
	if len(opened) != 2 || !opened[0].Stopped {
		t.Fatalf("user stream not released: %+v", opened)
	}
	if env.ctrl.AudioEnabled() {
		t.Fatal("audio reported enabled while screen sharing")
	}
	if got := len(env.ctrl.Tracks()); got != 1 {
		t.Fatalf("live tracks = %d, want 1", got)
	}
	if len(env.detached) != 1 || env.detached[0] != "audio-1" {
		t.Fatalf("detached = %v", env.detached)
	}

	env.ctrl.StopScreenShare()
	env.ctrl.StopScreenShare()
	if got := len(env.ctrl.Tracks()); got != 0 {
		t.Fatalf("live tracks after stop = %d, want 0", got)
	}
}

func TestEnablingCameraStopsScreenShare(t *testing.T) {
	env := newTestEnv()
	if err := await(t, func(done func(error)) { env.ctrl.StartScreenShare(done) }); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if err := await(t, func(done func(error)) { env.ctrl.SetVideo(true, done) }); err != nil {
		t.Fatalf("SetVideo: %v", err)
	}

	if env.ctrl.ScreenSharing() {
		t.Fatal("still sharing after camera enable")
	}
	if !env.ctrl.VideoEnabled() {
		t.Fatal("video not enabled")
	}
	opened := env.source.Opened()
	if len(opened) != 2 || !opened[0].Stopped {
		t.Fatalf("display stream not released: %+v", opened)
	}
	if got := len(env.ctrl.Tracks()); got != 1 {
		t.Fatalf("live tracks = %d, want 1", got)
	}
}
