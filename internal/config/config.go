// Package config loads the service configuration from environment variables
// with flag overrides, and constructs the process logger.
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

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	envVarListenAddr     = "LISTEN_ADDR"
	envVarLogFormat      = "LOG_FORMAT"
	envVarLogLevel       = "LOG_LEVEL"
	envVarShutdownTO     = "SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	envVarDatabaseURL    = "DATABASE_URL"

	envVarAuthMode    = "AUTH_MODE"
	envVarJWTSecret   = "JWT_SECRET"
	envVarAuthTimeout = "SIGNALING_AUTH_TIMEOUT"

	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueSize        = "SEND_QUEUE_SIZE"

	envVarKickGracePeriod    = "KICK_GRACE_PERIOD"
	envVarChatArchiveTimeout = "CHAT_ARCHIVE_TIMEOUT"

	envVarStunURLs           = "STUN_URLS"
	envVarTurnURLs           = "TURN_URLS"
	envVarTurnSharedSecret   = "TURN_SHARED_SECRET"
	envVarTurnCredentialTTL  = "TURN_CREDENTIAL_TTL"
	envVarTurnUsernamePrefix = "TURN_USERNAME_PREFIX"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultAuthTimeout          = 2 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024 // enough for any SDP payload
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueSize        = 64
	DefaultKickGracePeriod      = 500 * time.Millisecond
	DefaultChatArchiveTimeout   = 3 * time.Second
	DefaultTurnCredentialTTL    = time.Hour
	DefaultTurnUsernamePrefix   = "conf"
)

type Config struct {
	ListenAddr string
	LogFormat  LogFormat
	LogLevel   slog.Level

	ShutdownTimeout time.Duration

	AllowedOrigins []string

	AuthMode    AuthMode
	JWTSecret   string
	AuthTimeout time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int

	KickGracePeriod    time.Duration
	ChatArchiveTimeout time.Duration

	// STUN/TURN servers advertised to clients via the ICE config endpoint.
	// TURN entries get short-lived coturn REST credentials minted from
	// TurnSharedSecret.
	StunURLs           []string
	TurnURLs           []string
	TurnSharedSecret   string
	TurnCredentialTTL  time.Duration
	TurnUsernamePrefix string

	// DatabaseURL is the Postgres DSN for the meeting store and chat archive.
	// Empty selects the in-memory store (dev mode).
	DatabaseURL string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:           envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout:      DefaultShutdownTimeout,
		AuthTimeout:          DefaultAuthTimeout,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		SendQueueSize:        DefaultSendQueueSize,
		KickGracePeriod:      DefaultKickGracePeriod,
		ChatArchiveTimeout:   DefaultChatArchiveTimeout,
		DatabaseURL:          envOrDefault(lookup, envVarDatabaseURL, ""),
		JWTSecret:            envOrDefault(lookup, envVarJWTSecret, ""),
	}

	var err error
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTO, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AuthTimeout, err = envDurationOrDefault(lookup, envVarAuthTimeout, cfg.AuthTimeout); err != nil {
		return Config{}, err
	}
	if cfg.KickGracePeriod, err = envDurationOrDefault(lookup, envVarKickGracePeriod, cfg.KickGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.ChatArchiveTimeout, err = envDurationOrDefault(lookup, envVarChatArchiveTimeout, cfg.ChatArchiveTimeout); err != nil {
		return Config{}, err
	}

	maxBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(cfg.MaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)
	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, cfg.MaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueSize, err = envIntOrDefault(lookup, envVarSendQueueSize, cfg.SendQueueSize); err != nil {
		return Config{}, err
	}

	cfg.AllowedOrigins = splitList(envOrDefault(lookup, envVarAllowedOrigins, ""))
	cfg.StunURLs = splitList(envOrDefault(lookup, envVarStunURLs, ""))
	cfg.TurnURLs = splitList(envOrDefault(lookup, envVarTurnURLs, ""))
	cfg.TurnSharedSecret = envOrDefault(lookup, envVarTurnSharedSecret, "")
	cfg.TurnUsernamePrefix = envOrDefault(lookup, envVarTurnUsernamePrefix, DefaultTurnUsernamePrefix)
	if cfg.TurnCredentialTTL, err = envDurationOrDefault(lookup, envVarTurnCredentialTTL, DefaultTurnCredentialTTL); err != nil {
		return Config{}, err
	}

	authMode := envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))
	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevel := envOrDefault(lookup, envVarLogLevel, "info")

	fs := flag.NewFlagSet("conference-signaling", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "address to listen on (host:port)")
	fs.StringVar(&logFormat, "log-format", logFormat, "log format: text or json")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error")
	fs.StringVar(&authMode, "auth-mode", authMode, "connection auth mode: none or jwt")
	fs.DurationVar(&cfg.KickGracePeriod, "kick-grace-period", cfg.KickGracePeriod, "delay between notifying a kicked participant and closing its connection")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	switch AuthMode(strings.ToLower(authMode)) {
	case AuthModeNone:
		cfg.AuthMode = AuthModeNone
	case AuthModeJWT:
		cfg.AuthMode = AuthModeJWT
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
		}
	default:
		return Config{}, fmt.Errorf("unsupported auth mode %q", authMode)
	}

	switch LogFormat(strings.ToLower(logFormat)) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("unsupported log format %q", logFormat)
	}

	if cfg.LogLevel, err = parseLogLevel(logLevel); err != nil {
		return Config{}, err
	}

	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxMessagesPerSecond)
	}
	if cfg.SendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarSendQueueSize)
	}
	if cfg.KickGracePeriod < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", envVarKickGracePeriod)
	}
	if len(cfg.TurnURLs) > 0 && cfg.TurnSharedSecret == "" {
		return Config{}, fmt.Errorf("%s requires %s", envVarTurnURLs, envVarTurnSharedSecret)
	}
	if cfg.TurnCredentialTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarTurnCredentialTTL)
	}

	return cfg, nil
}

func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
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
