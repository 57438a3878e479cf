// Package browser owns the lifecycle of one Chromium instance for the
// duration of a run: launch with anti-detection flags, session cookie
// plumbing, page classification, credential submission and diagnostic
// screenshots. Every exit path must go through Close so a repeat run on
// the same host never inherits an orphaned browser process.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/plexwatch/classify"
	"github.com/use-agent/plexwatch/config"
	"github.com/use-agent/plexwatch/models"
	"github.com/use-agent/plexwatch/session"
	"github.com/ysmood/gson"
)

// classifyPollInterval is the delay between marker polls while waiting
// for a partially-loaded page to settle into a known state.
const classifyPollInterval = 500 * time.Millisecond

// Driver wraps one launched browser and its single page.
type Driver struct {
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	router     *rod.HijackRouter
	classifier classify.Classifier

	classifyTimeout time.Duration
	screenshotDir   string
}

// New launches a Chromium instance with the stealth flag set, injects
// the stealth script and mounts the resource-blocking router. The
// returned Driver must be Closed on every path.
func New(cfg config.BrowserConfig, classifier classify.Classifier, classifyTimeout time.Duration, screenshotDir string) (*Driver, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("window-size"), "1920,1080")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewMonitorError(
			models.ErrCodeBrowserCrash,
			"failed to launch browser",
			err,
		)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, models.NewMonitorError(
			models.ErrCodeBrowserCrash,
			"failed to connect to browser",
			err,
		)
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, models.NewMonitorError(
			models.ErrCodeBrowserCrash,
			"failed to create page",
			err,
		)
	}

	d := &Driver{
		launcher:        l,
		browser:         b,
		page:            page,
		classifier:      classifier,
		classifyTimeout: classifyTimeout,
		screenshotDir:   screenshotDir,
	}

	// Stealth JS and extra headers must be installed before the first
	// navigation or they have no effect on it.
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}
	d.setExtraHeaders()
	d.router = setupHijack(page, cfg.BlockedResourceTypes)

	return d, nil
}

// setExtraHeaders mimics an organic visit: Accept-Language plus a
// Google search referer.
func (d *Driver) setExtraHeaders() {
	headers := map[string]string{
		"Accept-Language": "en-US,en;q=0.9",
	}
	err := proto.NetworkSetExtraHTTPHeaders{
		Headers: toHeadersMap(headers),
	}.Call(d.page)
	if err != nil {
		slog.Debug("failed to set extra headers", "error", err)
	}
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders
// type (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// Navigate loads the target URL and waits for the DOM to settle.
func (d *Driver) Navigate(ctx context.Context, target string) error {
	p := d.page.Context(ctx)

	if err := p.Navigate(target); err != nil {
		return categorizeError(err, "navigation to target URL failed")
	}
	// Settle wait is best-effort; classification has its own poll.
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}
	return nil
}

// ApplySession injects the stored cookies before navigation.
// Best-effort: a rejected cookie is skipped, the remainder still applies.
func (d *Driver) ApplySession(state session.State) {
	applied := 0
	for _, c := range state.Cookies {
		setCookie := proto.NetworkSetCookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		}
		if c.Expires > 0 {
			setCookie.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		if _, err := setCookie.Call(d.page); err != nil {
			slog.Debug("cookie injection failed, skipping entry",
				"cookie", c.Name, "error", err)
			continue
		}
		applied++
	}
	if applied > 0 {
		slog.Info("restored session cookies", "applied", applied, "total", len(state.Cookies))
	}
}

// ExportSession returns the page's current cookie set for persistence.
func (d *Driver) ExportSession() ([]session.Cookie, error) {
	cookies, err := d.page.Cookies(nil)
	if err != nil {
		return nil, models.NewMonitorError(
			models.ErrCodeBrowserCrash,
			"failed to read cookies",
			err,
		)
	}
	out := make([]session.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, session.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: float64(c.Expires),
		})
	}
	return out, nil
}

// ClassifyPage polls the classifier against the rendered HTML until a
// known state appears or the classify timeout passes. A bounded poll,
// not a fixed sleep: partial page loads resolve as soon as any marker
// shows up.
func (d *Driver) ClassifyPage(ctx context.Context) (models.PageState, error) {
	ctx, cancel := context.WithTimeout(ctx, d.classifyTimeout)
	defer cancel()

	state := models.PageUnknown
	for {
		html, err := d.page.Context(ctx).HTML()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Timeout with no marker seen: report the last
				// classification instead of failing the run.
				return state, nil
			}
			return models.PageUnknown, categorizeError(err, "failed to read page HTML")
		}

		state = d.classifier.Classify(html)
		if state != models.PageUnknown {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, nil
		case <-time.After(classifyPollInterval):
		}
	}
}

// CaptureDiagnostics saves a full-page screenshot named after the stage
// label. Failures are logged, never fatal; an empty path means no
// capture was produced.
func (d *Driver) CaptureDiagnostics(label string) string {
	data, err := d.page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		slog.Warn("screenshot capture failed", "label", label, "error", err)
		return ""
	}

	path := filepath.Join(d.screenshotDir, label+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("screenshot write failed", "path", path, "error", err)
		return ""
	}
	slog.Info("diagnostic screenshot saved", "path", path)
	return path
}

// Close tears the browser down: router, page, connection, then the
// launched process itself. Safe to call on every exit path.
func (d *Driver) Close() {
	if d.router != nil {
		if err := d.router.Stop(); err != nil {
			slog.Debug("hijack router stop failed", "error", err)
		}
	}
	if err := d.page.Close(); err != nil {
		slog.Debug("page close failed", "error", err)
	}
	if err := d.browser.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	// Kill the process even if the CDP goodbye failed; leakless has
	// already guaranteed cleanup if we die before reaching this.
	d.launcher.Kill()
	slog.Info("browser shutdown complete")
}

// categorizeError wraps raw errors into typed MonitorErrors so the
// orchestrator can map them to check outcomes.
func categorizeError(err error, msg string) *models.MonitorError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.NewMonitorError(models.ErrCodeTimeout, msg, err)
	default:
		return models.NewMonitorError(models.ErrCodeNavigation, msg, err)
	}
}

