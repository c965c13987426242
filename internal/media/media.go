// Package media manages the local capture stream shared with the room.
//
// At most one stream is live at a time: camera/microphone user media or a
// display capture for screen sharing. Enabling a capture stops whatever
// stream was held before, with one exception inside user media: camera and
// microphone travel together in a single stream, so toggling one kind
// re-acquires the union and never silently drops the other.
//
// Capture acquisition can block (device negotiation, permission prompts),
// so it runs off the session loop: the controller records the desired
// state, acquires from the Source on a worker goroutine, and commits the
// result back on the loop through Dispatch. A stop that lands while an
// acquisition is in flight wins; the late stream is released, never
// attached.
package media

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/offensive-vk/collabshare/internal/rtc"
)

// ErrBusy is returned when a toggle arrives while a previous acquisition
// is still in flight.
var ErrBusy = errors.New("media: acquisition in progress")

// ErrSuperseded is returned to a toggle whose acquired stream was
// discarded because the controller was stopped before it committed.
var ErrSuperseded = errors.New("media: stopped before acquisition finished")

// DefaultAcquireTimeout bounds a single Source open call.
const DefaultAcquireTimeout = 10 * time.Second

// StreamKind distinguishes user capture from display capture.
type StreamKind string

const (
	StreamUser    StreamKind = "user"
	StreamDisplay StreamKind = "display"
)

// Stream is one acquired capture stream and its release hooks.
type Stream struct {
	Kind   StreamKind
	Tracks []rtc.LocalTrack

	// Stop releases the underlying capture resources. May be nil.
	Stop func()

	// OnEnded registers a callback invoked when the source ends the
	// stream on its own, as display captures do when revoked. May be nil.
	OnEnded func(func())
}

func (s *Stream) release() {
	if s != nil && s.Stop != nil {
		s.Stop()
	}
}

// Source produces capture streams. Implementations may block until ctx
// expires.
type Source interface {
	// OpenUserMedia acquires a camera/microphone stream carrying the
	// requested kinds. At least one of video and audio is true.
	OpenUserMedia(ctx context.Context, video, audio bool) (*Stream, error)

	// OpenDisplayMedia acquires a display capture stream.
	OpenDisplayMedia(ctx context.Context) (*Stream, error)
}

type Config struct {
	Source Source

	// Dispatch schedules a closure onto the session loop; commits and
	// source-initiated end events go through it.
	Dispatch func(func())

	// Attach and Detach propagate track changes to the peer mesh.
	Attach func(rtc.LocalTrack)
	Detach func(trackID string)

	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

// Controller tracks which capture kinds are enabled and owns the live
// stream. All methods must be called from the session loop goroutine.
type Controller struct {
	cfg Config
	log *slog.Logger

	videoOn bool
	audioOn bool
	current *Stream

	busy  bool
	epoch int
}

func NewController(cfg Config) *Controller {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{cfg: cfg, log: log}
}

func (c *Controller) VideoEnabled() bool { return c.videoOn }
func (c *Controller) AudioEnabled() bool { return c.audioOn }

func (c *Controller) ScreenSharing() bool {
	return c.current != nil && c.current.Kind == StreamDisplay
}

// Tracks returns the live stream's tracks, empty when nothing is captured.
func (c *Controller) Tracks() []rtc.LocalTrack {
	if c.current == nil {
		return nil
	}
	return c.current.Tracks
}

// SetVideo enables or disables the camera, preserving the microphone
// state. Enabling while screen sharing replaces the display capture. done,
// if non-nil, is invoked on the session loop once the change has been
// applied or has failed.
func (c *Controller) SetVideo(enabled bool, done func(error)) {
	c.setUserMedia(enabled, c.audioOn, done)
}

// SetAudio enables or disables the microphone, preserving the camera
// state.
func (c *Controller) SetAudio(enabled bool, done func(error)) {
	c.setUserMedia(c.videoOn, enabled, done)
}

// setUserMedia moves user capture to the requested kind set. Growing or
// shrinking a live set re-acquires a single stream carrying the union, so
// a partial disable never drops the surviving kind.
func (c *Controller) setUserMedia(video, audio bool, done func(error)) {
	if video == c.videoOn && audio == c.audioOn {
		finish(done, nil)
		return
	}
	if !video && !audio {
		c.dropCurrent()
		c.videoOn, c.audioOn = false, false
		finish(done, nil)
		return
	}
	if c.busy {
		finish(done, ErrBusy)
		return
	}
	c.busy = true
	epoch := c.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AcquireTimeout)
		defer cancel()
		stream, err := c.cfg.Source.OpenUserMedia(ctx, video, audio)
		c.cfg.Dispatch(func() {
			c.busy = false
			if err != nil {
				c.log.Warn("user media acquisition failed", "video", video, "audio", audio, "err", err)
				finish(done, err)
				return
			}
			if epoch != c.epoch {
				stream.release()
				finish(done, ErrSuperseded)
				return
			}
			c.dropCurrent()
			c.current = stream
			c.videoOn, c.audioOn = video, audio
			c.attach(stream)
			finish(done, nil)
		})
	}()
}

// StartScreenShare acquires a display capture, replacing any user media
// held so far. Starting while already sharing is a no-op.
func (c *Controller) StartScreenShare(done func(error)) {
	if c.ScreenSharing() {
		finish(done, nil)
		return
	}
	if c.busy {
		finish(done, ErrBusy)
		return
	}
	c.busy = true
	epoch := c.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AcquireTimeout)
		defer cancel()
		stream, err := c.cfg.Source.OpenDisplayMedia(ctx)
		c.cfg.Dispatch(func() {
			c.busy = false
			if err != nil {
				c.log.Warn("display capture failed", "err", err)
				finish(done, err)
				return
			}
			if epoch != c.epoch || c.ScreenSharing() {
				stream.release()
				finish(done, ErrSuperseded)
				return
			}
			c.dropCurrent()
			c.current = stream
			c.videoOn, c.audioOn = false, false
			c.attach(stream)
			if stream.OnEnded != nil {
				stream.OnEnded(func() {
					c.cfg.Dispatch(func() {
						// The capture may have been replaced since it ended.
						if c.current == stream {
							c.StopScreenShare()
						}
					})
				})
			}
			finish(done, nil)
		})
	}()
}

// StopScreenShare detaches and releases the display capture. Safe to call
// when not sharing.
func (c *Controller) StopScreenShare() {
	if !c.ScreenSharing() {
		return
	}
	c.dropCurrent()
}

// StopAll releases the live capture stream and discards any acquisition
// still in flight. Used on room leave and session shutdown.
func (c *Controller) StopAll() {
	c.epoch++
	c.dropCurrent()
	c.videoOn, c.audioOn = false, false
}

func (c *Controller) dropCurrent() {
	if c.current == nil {
		return
	}
	c.detach(c.current)
	c.current.release()
	c.current = nil
}

func (c *Controller) attach(s *Stream) {
	if c.cfg.Attach == nil {
		return
	}
	for _, t := range s.Tracks {
		c.cfg.Attach(t)
	}
}

func (c *Controller) detach(s *Stream) {
	if c.cfg.Detach == nil {
		return
	}
	for _, t := range s.Tracks {
		c.cfg.Detach(t.ID())
	}
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
