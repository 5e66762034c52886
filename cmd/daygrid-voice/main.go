// Command daygrid-voice runs the Daygrid voice session daemon: it connects a
// live voice session against the configured model peer, serves Prometheus
// metrics, and executes the model's item operations against the configured
// store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daygrid/daygrid/internal/config"
	"github.com/daygrid/daygrid/internal/itemstore"
	pgstore "github.com/daygrid/daygrid/internal/itemstore/postgres"
	sqlitestore "github.com/daygrid/daygrid/internal/itemstore/sqlite"
	"github.com/daygrid/daygrid/internal/observe"
	"github.com/daygrid/daygrid/internal/voice"
	"github.com/daygrid/daygrid/pkg/live"
	geminilive "github.com/daygrid/daygrid/pkg/live/gemini"
	openairt "github.com/daygrid/daygrid/pkg/live/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "daygrid-voice: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "daygrid-voice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("daygrid-voice starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"store", cfg.Store.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metricsSrv := startMetricsServer(cfg.Server.MetricsAddr)
	defer func() {
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	// ── Item store ────────────────────────────────────────────────────────────
	store, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open item store", "backend", cfg.Store.Backend, "err", err)
		return 1
	}
	defer closeStore()
	slog.Info("item store ready", "backend", cfg.Store.Backend)

	// ── Live provider ─────────────────────────────────────────────────────────
	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		slog.Error("failed to build live provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}

	// ── Voice engine ──────────────────────────────────────────────────────────
	engine := voice.NewEngine(provider, store,
		voice.WithLogger(logger),
		voice.WithCallLimits(cfg.Limits.MaxCallsPerMinute, cfg.Limits.MinCallInterval),
	)

	session, err := engine.Connect(ctx, voice.SessionConfig{
		Voice:        cfg.Session.Voice,
		Instructions: cfg.Session.Instructions,
	})
	if err != nil {
		slog.Error("failed to connect voice session", "err", err)
		return 1
	}

	go logSessionEvents(session)

	slog.Info("voice session live — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case <-session.Done():
		if err := session.Err(); err != nil {
			slog.Error("voice session ended", "err", err)
			return 1
		}
		slog.Info("voice session ended by peer")
	}

	if err := session.Disconnect(); err != nil {
		slog.Error("disconnect error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// buildStore opens the configured item-store backend and returns it with its
// cleanup function.
func buildStore(ctx context.Context, cfg config.StoreConfig) (itemstore.Store, func(), error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return itemstore.NewMemStore(), func() {}, nil
	case config.StoreSQLite:
		s, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StorePostgres:
		s, err := pgstore.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildProvider constructs the configured live provider.
func buildProvider(cfg config.ProviderConfig) (live.Provider, error) {
	switch cfg.Name {
	case config.ProviderGeminiLive:
		var opts []geminilive.Option
		if cfg.Model != "" {
			opts = append(opts, geminilive.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(cfg.BaseURL))
		}
		return geminilive.New(cfg.APIKey, opts...), nil
	case config.ProviderOpenAIRealtime:
		var opts []openairt.Option
		if cfg.Model != "" {
			opts = append(opts, openairt.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(cfg.BaseURL))
		}
		return openairt.New(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// startMetricsServer serves /metrics on addr. Returns nil when addr is empty.
func startMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "err", err)
		}
	}()
	return srv
}

// logSessionEvents mirrors session signals into the log until the session
// closes. The dashboard UI would subscribe the same way.
func logSessionEvents(session *voice.Session) {
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	for ev := range events {
		switch ev.Kind {
		case voice.EventStateChanged:
			slog.Info("session state changed", "from", ev.From.String(), "to", ev.To.String())
		case voice.EventListeningChanged:
			slog.Info("listening changed", "active", ev.Active)
		case voice.EventSpeakingChanged:
			slog.Info("speaking changed", "active", ev.Active)
		case voice.EventTranscript:
			if ev.Transcript.Final {
				slog.Info("transcript", "role", string(ev.Transcript.Role), "text", ev.Transcript.Text)
			}
		case voice.EventCall:
			slog.Info("function call", "name", ev.CallName, "status", string(ev.CallStatus))
		case voice.EventItemsChanged:
			slog.Info("items changed", "revision", ev.Revision)
		}
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
