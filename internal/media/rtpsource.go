package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/offensive-vk/collabshare/internal/rtc"
)

const defaultRTPMTU = 1500

// RTPSourceConfig names the local UDP ports an external encoder (a
// gstreamer or ffmpeg pipeline) sends RTP to, one per capture kind.
type RTPSourceConfig struct {
	VideoAddr   string
	AudioAddr   string
	DisplayAddr string
	MTU         int
	Logger      *slog.Logger
}

// RTPSource is a headless capture source: each acquired stream is a pion
// static RTP track fed by packets arriving on a local UDP port. Stopping
// the stream closes the port and ends the pump.
type RTPSource struct {
	cfg RTPSourceConfig
	log *slog.Logger
}

func NewRTPSource(cfg RTPSourceConfig) *RTPSource {
	if cfg.MTU <= 0 {
		cfg.MTU = defaultRTPMTU
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RTPSource{cfg: cfg, log: log}
}

func (s *RTPSource) OpenUserMedia(ctx context.Context, video, audio bool) (*Stream, error) {
	if !video && !audio {
		return nil, errors.New("media: no capture kind requested")
	}
	streamID := "user-" + uuid.NewString()[:8]
	var feeds []feed
	if video {
		f, err := s.openFeed(s.cfg.VideoAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "camera", streamID)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	if audio {
		f, err := s.openFeed(s.cfg.AudioAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "microphone", streamID)
		if err != nil {
			closeFeeds(feeds)
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return s.startStream(StreamUser, feeds), nil
}

func (s *RTPSource) OpenDisplayMedia(ctx context.Context) (*Stream, error) {
	streamID := "display-" + uuid.NewString()[:8]
	f, err := s.openFeed(s.cfg.DisplayAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "screen", streamID)
	if err != nil {
		return nil, err
	}
	return s.startStream(StreamDisplay, []feed{f}), nil
}

type feed struct {
	conn  *net.UDPConn
	track *webrtc.TrackLocalStaticRTP
	tag   string
}

func (s *RTPSource) openFeed(addr string, codec webrtc.RTPCodecCapability, tag, streamID string) (feed, error) {
	if addr == "" {
		return feed{}, fmt.Errorf("media: no RTP address configured for %s", tag)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return feed{}, fmt.Errorf("media: resolve %s addr %q: %w", tag, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return feed{}, fmt.Errorf("media: listen %s addr %q: %w", tag, addr, err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, tag+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		conn.Close()
		return feed{}, fmt.Errorf("media: create %s track: %w", tag, err)
	}
	return feed{conn: conn, track: track, tag: tag}, nil
}

func (s *RTPSource) startStream(kind StreamKind, feeds []feed) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	tracks := make([]rtc.LocalTrack, 0, len(feeds))
	for _, f := range feeds {
		tracks = append(tracks, rtc.WrapPionTrack(f.track))
		go s.pump(ctx, f)
	}
	return &Stream{
		Kind:   kind,
		Tracks: tracks,
		Stop: func() {
			cancel()
			closeFeeds(feeds)
		},
	}
}

// pump copies RTP packets from the UDP socket onto the track until the
// stream is stopped. Short read deadlines keep the shutdown check live.
func (s *RTPSource) pump(ctx context.Context, f feed) {
	buf := make([]byte, s.cfg.MTU)
	for {
		_ = f.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("rtp read failed", "tag", f.tag, "err", err)
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// Not RTP; skip.
			continue
		}
		if err := f.track.WriteRTP(&pkt); err != nil {
			s.log.Error("rtp write to track failed", "tag", f.tag, "err", err)
			return
		}
	}
}

func closeFeeds(feeds []feed) {
	for _, f := range feeds {
		f.conn.Close()
	}
}
