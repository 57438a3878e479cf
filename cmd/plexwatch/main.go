package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/use-agent/plexwatch/browser"
	"github.com/use-agent/plexwatch/classify"
	"github.com/use-agent/plexwatch/config"
	"github.com/use-agent/plexwatch/models"
	"github.com/use-agent/plexwatch/monitor"
	"github.com/use-agent/plexwatch/notify"
	"github.com/use-agent/plexwatch/probe"
	"github.com/use-agent/plexwatch/session"
)

// Exit codes: 0 = completed check (any target outcome, reported via
// webhook), 1 = the monitor itself failed, 2 = configuration error.
const (
	exitOK         = 0
	exitUnexpected = 1
	exitConfig     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env file not loaded", "error", err)
	}

	// ── 1. Load and validate configuration ──────────────────────────
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet; text output is fine for a
		// fatal config error.
		slog.Error("configuration invalid, aborting before browser launch", "error", err)
		return exitConfig
	}

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("plexwatch starting",
		"target", cfg.Target.URL,
		"startHour", cfg.Window.StartHour,
		"endHour", cfg.Window.EndHour,
		"headless", cfg.Browser.Headless,
	)

	// ── 3. Assemble the run ─────────────────────────────────────────
	store := session.NewStore(cfg.State.StateFile)
	notifier := notify.New(cfg.Notify.WebhookURL, cfg.Notify.BotName)

	var prober monitor.Prober
	if cfg.Check.ProbeEnabled {
		prober = probe.New(cfg.Browser.Proxy)
	}

	launch := func() (monitor.Driver, error) {
		return browser.New(
			cfg.Browser,
			classify.NewMarkerClassifier(),
			cfg.Check.ClassifyTimeout,
			cfg.State.ScreenshotDir,
		)
	}

	m := monitor.New(cfg, store, notifier, prober, launch)

	// ── 4. Run once under the hard deadline ─────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Check.MaxRunTime)
	defer cancel()

	result, ran := m.RunOnce(ctx)
	if !ran {
		slog.Info("plexwatch done (skipped by time window)")
		return exitOK
	}

	slog.Info("plexwatch done",
		"outcome", result.Outcome,
		"message", result.Message,
		"duration", result.Duration.String(),
	)

	if result.Outcome == models.OutcomeUnexpectedError {
		return exitUnexpected
	}
	return exitOK
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
