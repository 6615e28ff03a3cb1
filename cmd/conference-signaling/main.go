package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/oncolens/conference-signaling/internal/auth"
	"github.com/oncolens/conference-signaling/internal/config"
	"github.com/oncolens/conference-signaling/internal/httpserver"
	"github.com/oncolens/conference-signaling/internal/iceconfig"
	"github.com/oncolens/conference-signaling/internal/meeting"
	"github.com/oncolens/conference-signaling/internal/metrics"
	"github.com/oncolens/conference-signaling/internal/origin"
	"github.com/oncolens/conference-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// Optional .env for local development; production configures through the
	// real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting conference-signaling",
		"listen_addr", cfg.ListenAddr,
		"auth_mode", cfg.AuthMode,
		"database_configured", cfg.DatabaseURL != "",
		"allowed_origins", cfg.AllowedOrigins,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"kick_grace_period", cfg.KickGracePeriod,
	)

	store, archiver, cleanup, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open meeting store", "err", err)
		os.Exit(2)
	}
	defer cleanup()

	var verifier auth.Verifier
	if cfg.AuthMode == config.AuthModeJWT {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}

	m := metrics.New()
	registry := signaling.NewRegistry(store, archiver, m, logger, signaling.RegistryConfig{
		KickGrace:          cfg.KickGracePeriod,
		ChatArchiveTimeout: cfg.ChatArchiveTimeout,
	})
	gateway := signaling.NewGateway(registry, verifier, origin.NewChecker(cfg.AllowedOrigins), m, logger, signaling.GatewayConfig{
		AuthTimeout:          cfg.AuthTimeout,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueSize:        cfg.SendQueueSize,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	iceProvider, err := iceconfig.NewProvider(iceconfig.ProviderConfig{
		StunURLs:       cfg.StunURLs,
		TurnURLs:       cfg.TurnURLs,
		SharedSecret:   cfg.TurnSharedSecret,
		TTL:            cfg.TurnCredentialTTL,
		UsernamePrefix: cfg.TurnUsernamePrefix,
	})
	if err != nil {
		logger.Error("failed to configure ice servers", "err", err)
		os.Exit(2)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg.ListenAddr, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("GET /ws", gateway)
	srv.Mux().Handle("GET /ice-config", iceconfig.Handler(iceProvider))
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// buildStore selects the Postgres-backed store when a DSN is configured and
// the in-memory store otherwise. The in-memory store holds no meetings, so
// dev deployments pair it with auth mode none and seed via tests or a local
// harness.
func buildStore(cfg config.Config, logger *slog.Logger) (meeting.Store, meeting.ChatArchiver, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no DATABASE_URL configured, using in-memory meeting store")
		mem := meeting.NewMemStore()
		return mem, mem, func() {}, nil
	}
	gs, err := meeting.OpenGorm(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := gs.Close(); err != nil {
			logger.Warn("meeting store close failed", "err", err)
		}
	}
	return gs, gs, cleanup, nil
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values but fall back to Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
