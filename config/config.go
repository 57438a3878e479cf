package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/use-agent/plexwatch/gate"
	"github.com/use-agent/plexwatch/models"
)

// Config holds all configuration for one check run. It is loaded once at
// startup and immutable afterwards.
type Config struct {
	Target  TargetConfig
	Window  WindowConfig
	Browser BrowserConfig
	Check   CheckConfig
	State   StateConfig
	Notify  NotifyConfig
	Log     LogConfig
}

// TargetConfig identifies the page under check and the credentials used
// to log in to it.
type TargetConfig struct {
	// URL is the login page to check. Required.
	URL string

	// Username and Password are the login credentials. Required.
	Username string
	Password string
}

// WindowConfig is the active-check time-of-day window.
type WindowConfig struct {
	// StartHour and EndHour bound the window (0-23, end exclusive,
	// may wrap past midnight). gate.HourUnset disables the window.
	StartHour int
	EndHour   int
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker/CI).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxy is the proxy URL for browser traffic and the probe.
	Proxy string

	// BlockedResourceTypes lists resource types the hijack router
	// drops during navigation. default: ["Media", "Font"]
	BlockedResourceTypes []string
}

// CheckConfig controls check behavior and deadlines.
type CheckConfig struct {
	// NavTimeout is the max time for navigation plus initial render.
	NavTimeout time.Duration // default: 60s

	// ClassifyTimeout bounds the marker poll for one classification.
	ClassifyTimeout time.Duration // default: 15s

	// ChallengeAttempts bounds the challenge re-classification loop.
	ChallengeAttempts int // default: 6

	// ChallengeBackoff is the fixed delay between challenge polls.
	ChallengeBackoff time.Duration // default: 10s

	// LoginTimeout bounds the post-submit verification wait.
	LoginTimeout time.Duration // default: 30s

	// MaxRunTime is the hard deadline for the whole run.
	MaxRunTime time.Duration // default: 4m

	// ProbeEnabled toggles the diagnostic HTTP preflight.
	ProbeEnabled bool // default: true
}

// StateConfig controls where the run leaves its files.
type StateConfig struct {
	// StateFile persists cookies and the last outcome across runs.
	StateFile string // default: "plexwatch_state.json"

	// ScreenshotDir receives per-stage diagnostic screenshots,
	// overwritten each run.
	ScreenshotDir string // default: "."
}

// NotifyConfig controls webhook notifications.
type NotifyConfig struct {
	// WebhookURL is the notification destination. Required.
	WebhookURL string

	// BotName is the display name in the webhook payload.
	BotName string // default: "plexwatch"

	// ChangesOnly suppresses repeat notifications for identical
	// consecutive outcomes.
	ChangesOnly bool // default: false
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables and validates it.
// Any malformed or missing required value is a fatal configuration
// error: the run must not silently proceed or silently skip.
func Load() (*Config, error) {
	var errs []error

	startHour, err := envHourOr("PLEXWATCH_START_HOUR")
	if err != nil {
		errs = append(errs, err)
	}
	endHour, err := envHourOr("PLEXWATCH_END_HOUR")
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		Target: TargetConfig{
			URL:      os.Getenv("PLEXWATCH_URL"),
			Username: os.Getenv("PLEXWATCH_USERNAME"),
			Password: os.Getenv("PLEXWATCH_PASSWORD"),
		},
		Window: WindowConfig{
			StartHour: startHour,
			EndHour:   endHour,
		},
		Browser: BrowserConfig{
			Headless:   envBoolOr("PLEXWATCH_HEADLESS", true),
			NoSandbox:  envBoolOr("PLEXWATCH_NO_SANDBOX", false),
			BrowserBin: os.Getenv("PLEXWATCH_BROWSER_BIN"),
			Proxy:      os.Getenv("PLEXWATCH_PROXY"),
			BlockedResourceTypes: envSliceOr("PLEXWATCH_BLOCKED_RESOURCES", []string{
				"Media", "Font",
			}),
		},
		Check: CheckConfig{
			NavTimeout:        envDurationOr("PLEXWATCH_NAV_TIMEOUT", 60*time.Second),
			ClassifyTimeout:   envDurationOr("PLEXWATCH_CLASSIFY_TIMEOUT", 15*time.Second),
			ChallengeAttempts: envIntOr("PLEXWATCH_CHALLENGE_ATTEMPTS", 6),
			ChallengeBackoff:  envDurationOr("PLEXWATCH_CHALLENGE_BACKOFF", 10*time.Second),
			LoginTimeout:      envDurationOr("PLEXWATCH_LOGIN_TIMEOUT", 30*time.Second),
			MaxRunTime:        envDurationOr("PLEXWATCH_MAX_RUN_TIME", 4*time.Minute),
			ProbeEnabled:      envBoolOr("PLEXWATCH_PROBE", true),
		},
		State: StateConfig{
			StateFile:     envOr("PLEXWATCH_STATE_FILE", "plexwatch_state.json"),
			ScreenshotDir: envOr("PLEXWATCH_SCREENSHOT_DIR", "."),
		},
		Notify: NotifyConfig{
			WebhookURL:  os.Getenv("PLEXWATCH_WEBHOOK_URL"),
			BotName:     envOr("PLEXWATCH_BOT_NAME", "plexwatch"),
			ChangesOnly: envBoolOr("PLEXWATCH_NOTIFY_CHANGES_ONLY", false),
		},
		Log: LogConfig{
			Level:  envOr("PLEXWATCH_LOG_LEVEL", "info"),
			Format: envOr("PLEXWATCH_LOG_FORMAT", "json"),
		},
	}

	for _, req := range []struct {
		name  string
		value string
	}{
		{"PLEXWATCH_URL", cfg.Target.URL},
		{"PLEXWATCH_USERNAME", cfg.Target.Username},
		{"PLEXWATCH_PASSWORD", cfg.Target.Password},
		{"PLEXWATCH_WEBHOOK_URL", cfg.Notify.WebhookURL},
	} {
		if req.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", req.name))
		}
	}

	if len(errs) > 0 {
		return nil, models.NewMonitorError(
			models.ErrCodeConfig,
			"invalid configuration",
			errors.Join(errs...),
		)
	}
	return cfg, nil
}

// envHourOr reads an hour-of-day bound. An unset or empty variable means
// the bound is disabled; anything else must parse as an integer 0-23.
func envHourOr(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return gate.HourUnset, nil
	}
	h, err := strconv.Atoi(v)
	if err != nil {
		return gate.HourUnset, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	if h < 0 || h > 23 {
		return gate.HourUnset, fmt.Errorf("%s: %d is outside 0-23", key, h)
	}
	return h, nil
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
