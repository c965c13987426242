package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/offensive-vk/collabshare/internal/chat"
	"github.com/offensive-vk/collabshare/internal/config"
	"github.com/offensive-vk/collabshare/internal/media"
	"github.com/offensive-vk/collabshare/internal/peer"
	"github.com/offensive-vk/collabshare/internal/rtc"
	"github.com/offensive-vk/collabshare/internal/session"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Username == "" {
		fmt.Fprintln(os.Stderr, "a username is required (-username or COLLABSHARE_USERNAME)")
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	source := media.NewRTPSource(media.RTPSourceConfig{
		VideoAddr:   cfg.VideoAddr,
		AudioAddr:   cfg.AudioAddr,
		DisplayAddr: cfg.DisplayAddr,
		Logger:      logger,
	})

	sess, err := session.New(session.Config{
		ServerURL:         cfg.ServerURL,
		Factory:           rtc.NewPionFactory(),
		RTC:               rtc.Config{STUNURLs: cfg.STUNURLs},
		Source:            source,
		JoinRetryInterval: cfg.JoinRetryInterval,
		JoinAttempts:      cfg.JoinAttempts,
		SendRetryDelay:    cfg.SendRetryDelay,
		OnChat: func(m chat.Message) {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.DisplayName, m.Text)
		},
		OnRemoteTrack: func(peerID string, track rtc.RemoteTrack) {
			logger.Info("remote track", "peer_id", peerID, "kind", track.Kind(), "track_id", track.ID())
		},
		OnPeerState: func(peerID string, state peer.State) {
			logger.Info("peer state", "peer_id", peerID, "state", state.String())
		},
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		logger.Error("connect failed", "err", err)
		os.Exit(1)
	}
	roomID, err := sess.JoinRoom(ctx, cfg.RoomID, cfg.Username)
	if err != nil {
		logger.Error("join failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("joined room %s as %s (client id %s)\n", roomID, cfg.Username, sess.ClientID())
	fmt.Println("commands: /video on|off, /audio on|off, /screen on|off, /roster, /quit; anything else is chat")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("leaving room")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := runCommand(ctx, sess, logger, line); done {
				return
			}
		}
	}
}

func runCommand(ctx context.Context, sess *session.Session, logger *slog.Logger, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := sess.SendChat(ctx, line); err != nil {
			logger.Error("chat failed", "err", err)
		}
		return false
	}

	fields := strings.Fields(line)
	cmd := fields[0]
	on := len(fields) > 1 && fields[1] == "on"

	var err error
	switch cmd {
	case "/quit":
		return true
	case "/video":
		err = sess.SetVideo(ctx, on)
	case "/audio":
		err = sess.SetAudio(ctx, on)
	case "/screen":
		if on {
			err = sess.StartScreenShare(ctx)
		} else {
			err = sess.StopScreenShare(ctx)
		}
	case "/roster":
		roster, rerr := sess.Roster(ctx)
		if rerr != nil {
			err = rerr
			break
		}
		for _, p := range roster {
			name := p.Username
			if name == "" {
				name = "(unknown)"
			}
			st, _ := sess.PeerState(ctx, p.ID)
			fmt.Printf("  %s  %s  %s\n", p.ID, name, st.String())
		}
	default:
		fmt.Printf("unknown command %s\n", cmd)
	}
	if err != nil {
		logger.Error("command failed", "cmd", cmd, "err", err)
	}
	return false
}
