// Package config loads relay and client configuration from environment
// variables and command-line flags. Flags win over environment values;
// both Load functions take an injectable lookup so tests never touch the
// process environment.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr        = "COLLABSHARE_RELAY_LISTEN_ADDR"
	envRedisURL          = "COLLABSHARE_REDIS_URL"
	envShutdownTimeout   = "COLLABSHARE_RELAY_SHUTDOWN_TIMEOUT"
	envMessagesPerSecond = "COLLABSHARE_RELAY_MESSAGES_PER_SECOND"
	envMessageBurst      = "COLLABSHARE_RELAY_MESSAGE_BURST"
	envMaxMessageBytes   = "COLLABSHARE_RELAY_MAX_MESSAGE_BYTES"
	envRoomTTL           = "COLLABSHARE_RELAY_ROOM_TTL"

	envServerURL         = "COLLABSHARE_SERVER_URL"
	envUsername          = "COLLABSHARE_USERNAME"
	envRoomID            = "COLLABSHARE_ROOM_ID"
	envSTUNURLs          = "COLLABSHARE_STUN_URLS"
	envJoinRetryInterval = "COLLABSHARE_JOIN_RETRY_INTERVAL"
	envJoinAttempts      = "COLLABSHARE_JOIN_ATTEMPTS"
	envSendRetryDelay    = "COLLABSHARE_SEND_RETRY_DELAY"
	envVideoAddr         = "COLLABSHARE_RTP_VIDEO_ADDR"
	envAudioAddr         = "COLLABSHARE_RTP_AUDIO_ADDR"
	envDisplayAddr       = "COLLABSHARE_RTP_DISPLAY_ADDR"

	envLogFormat = "COLLABSHARE_LOG_FORMAT"
	envLogLevel  = "COLLABSHARE_LOG_LEVEL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8000"
	DefaultServerURL       = "http://127.0.0.1:8000"
	DefaultShutdownTimeout = 15 * time.Second

	// Signaling messages per client: sustained rate and burst.
	DefaultMessagesPerSecond = 50
	DefaultMessageBurst      = 100

	DefaultMaxMessageBytes = 64 * 1024
	DefaultRoomTTL         = 24 * time.Hour

	DefaultJoinRetryInterval = 500 * time.Millisecond
	DefaultJoinAttempts      = 10
	DefaultSendRetryDelay    = 250 * time.Millisecond

	DefaultSTUNURL = "stun:stun.l.google.com:19302"

	DefaultVideoAddr   = "127.0.0.1:5004"
	DefaultAudioAddr   = "127.0.0.1:5006"
	DefaultDisplayAddr = "127.0.0.1:5008"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// RelayConfig configures the signaling relay binary.
type RelayConfig struct {
	ListenAddr string

	// RedisURL selects the shared room store; empty runs in-memory.
	RedisURL string

	ShutdownTimeout time.Duration

	MessagesPerSecond int64
	MessageBurst      int64
	MaxMessageBytes   int64

	// RoomTTL bounds abandoned rooms in the Redis store.
	RoomTTL time.Duration

	LogFormat LogFormat
	LogLevel  slog.Level
}

// ClientConfig configures the client binary.
type ClientConfig struct {
	ServerURL string
	Username  string

	// RoomID is the room to join; empty creates a new room.
	RoomID string

	STUNURLs []string

	JoinRetryInterval time.Duration
	JoinAttempts      int
	SendRetryDelay    time.Duration

	VideoAddr   string
	AudioAddr   string
	DisplayAddr string

	LogFormat LogFormat
	LogLevel  slog.Level
}

func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (RelayConfig, error) {
	shutdownTimeout, err := envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return RelayConfig{}, err
	}
	messagesPerSecond, err := envInt64OrDefault(lookup, envMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return RelayConfig{}, err
	}
	messageBurst, err := envInt64OrDefault(lookup, envMessageBurst, DefaultMessageBurst)
	if err != nil {
		return RelayConfig{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return RelayConfig{}, err
	}
	if maxMessageBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("%s must be > 0", envMaxMessageBytes)
	}
	roomTTL, err := envDurationOrDefault(lookup, envRoomTTL, DefaultRoomTTL)
	if err != nil {
		return RelayConfig{}, err
	}
	if roomTTL <= 0 {
		return RelayConfig{}, fmt.Errorf("%s must be > 0", envRoomTTL)
	}

	fs := flag.NewFlagSet("collabshare-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen", envOrDefault(lookup, envListenAddr, DefaultListenAddr), "address to listen on")
	redisURL := fs.String("redis-url", envOrDefault(lookup, envRedisURL, ""), "redis URL for shared room state (empty runs in-memory)")
	logFormatRaw := fs.String("log-format", envOrDefault(lookup, envLogFormat, string(LogFormatText)), "log format: text or json")
	logLevelRaw := fs.String("log-level", envOrDefault(lookup, envLogLevel, "info"), "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return RelayConfig{}, err
	}

	logFormat, err := parseLogFormat(*logFormatRaw)
	if err != nil {
		return RelayConfig{}, err
	}
	logLevel, err := parseLogLevel(*logLevelRaw)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		ListenAddr:        *listenAddr,
		RedisURL:          *redisURL,
		ShutdownTimeout:   shutdownTimeout,
		MessagesPerSecond: messagesPerSecond,
		MessageBurst:      messageBurst,
		MaxMessageBytes:   maxMessageBytes,
		RoomTTL:           roomTTL,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
	}, nil
}

func LoadClient(args []string) (ClientConfig, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, error) {
	joinRetryDefault, err := envDurationOrDefault(lookup, envJoinRetryInterval, DefaultJoinRetryInterval)
	if err != nil {
		return ClientConfig{}, err
	}
	joinAttemptsDefault, err := envInt64OrDefault(lookup, envJoinAttempts, DefaultJoinAttempts)
	if err != nil {
		return ClientConfig{}, err
	}
	sendRetryDefault, err := envDurationOrDefault(lookup, envSendRetryDelay, DefaultSendRetryDelay)
	if err != nil {
		return ClientConfig{}, err
	}

	fs := flag.NewFlagSet("collabshare", flag.ContinueOnError)
	serverURL := fs.String("server", envOrDefault(lookup, envServerURL, DefaultServerURL), "relay base URL")
	username := fs.String("username", envOrDefault(lookup, envUsername, ""), "display name")
	roomID := fs.String("room", envOrDefault(lookup, envRoomID, ""), "room id to join (empty creates one)")
	stunRaw := fs.String("stun-urls", envOrDefault(lookup, envSTUNURLs, DefaultSTUNURL), "comma-separated STUN URLs")
	joinRetry := fs.Duration("join-retry", joinRetryDefault, "interval between join_room retries")
	joinAttempts := fs.Int("join-attempts", int(joinAttemptsDefault), "join_room attempts before giving up")
	sendRetry := fs.Duration("send-retry", sendRetryDefault, "delay before retrying a send queued ahead of the socket opening")
	videoAddr := fs.String("video-rtp", envOrDefault(lookup, envVideoAddr, DefaultVideoAddr), "UDP address receiving camera RTP")
	audioAddr := fs.String("audio-rtp", envOrDefault(lookup, envAudioAddr, DefaultAudioAddr), "UDP address receiving microphone RTP")
	displayAddr := fs.String("display-rtp", envOrDefault(lookup, envDisplayAddr, DefaultDisplayAddr), "UDP address receiving screen capture RTP")
	logFormatRaw := fs.String("log-format", envOrDefault(lookup, envLogFormat, string(LogFormatText)), "log format: text or json")
	logLevelRaw := fs.String("log-level", envOrDefault(lookup, envLogLevel, "info"), "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	stunURLs, err := parseSTUNURLs(*stunRaw)
	if err != nil {
		return ClientConfig{}, err
	}
	if *joinRetry <= 0 {
		return ClientConfig{}, fmt.Errorf("join-retry must be > 0")
	}
	if *joinAttempts <= 0 {
		return ClientConfig{}, fmt.Errorf("join-attempts must be > 0")
	}
	if *sendRetry <= 0 {
		return ClientConfig{}, fmt.Errorf("send-retry must be > 0")
	}
	logFormat, err := parseLogFormat(*logFormatRaw)
	if err != nil {
		return ClientConfig{}, err
	}
	logLevel, err := parseLogLevel(*logLevelRaw)
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		ServerURL:         strings.TrimRight(*serverURL, "/"),
		Username:          *username,
		RoomID:            *roomID,
		STUNURLs:          stunURLs,
		JoinRetryInterval: *joinRetry,
		JoinAttempts:      *joinAttempts,
		SendRetryDelay:    *sendRetry,
		VideoAddr:         *videoAddr,
		AudioAddr:         *audioAddr,
		DisplayAddr:       *displayAddr,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
	}, nil
}

// NewLogger builds the process logger for the parsed format and level.
func NewLogger(format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseSTUNURLs(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "stun:") && !strings.HasPrefix(part, "stuns:") {
			return nil, fmt.Errorf("invalid STUN URL %q (expected stun: or stuns: scheme)", part)
		}
		out = append(out, part)
	}
	return out, nil
}
