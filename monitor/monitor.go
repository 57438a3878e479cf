// Package monitor sequences one check run: gate, session restore,
// navigation, challenge handling, authentication, verification,
// persistence and notification. One invocation performs exactly one
// attempt; transient failures are expected to heal across scheduler
// ticks, not within a run.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/use-agent/plexwatch/config"
	"github.com/use-agent/plexwatch/gate"
	"github.com/use-agent/plexwatch/models"
	"github.com/use-agent/plexwatch/probe"
	"github.com/use-agent/plexwatch/session"
)

// Driver is the browser surface the orchestrator drives. Implemented
// by browser.Driver; faked in tests.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	ApplySession(state session.State)
	ClassifyPage(ctx context.Context) (models.PageState, error)
	SubmitCredentials(ctx context.Context, username, password string) error
	CaptureDiagnostics(label string) string
	ExportSession() ([]session.Cookie, error)
	Close()
}

// Notifier delivers a check result. Implemented by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, result models.CheckResult) error
}

// Prober runs the diagnostic HTTP preflight. Implemented by
// probe.Prober; nil disables the preflight.
type Prober interface {
	Fetch(ctx context.Context, url string) (probe.Result, error)
}

// LaunchFunc acquires a browser for one run.
type LaunchFunc func() (Driver, error)

// errStillChallenged marks a challenge page that has not cleared yet;
// it drives the bounded retry loop.
var errStillChallenged = errors.New("challenge page still presented")

const (
	probeTimeout       = 15 * time.Second
	notifyTimeout      = 30 * time.Second
	verifyPollInterval = time.Second
)

// Monitor runs checks. All collaborators are explicit values; nothing
// is process-global.
type Monitor struct {
	cfg      *config.Config
	store    *session.Store
	notifier Notifier
	prober   Prober
	launch   LaunchFunc

	// now is swappable for gate tests.
	now func() time.Time
}

// New assembles a Monitor. prober may be nil.
func New(cfg *config.Config, store *session.Store, notifier Notifier, prober Prober, launch LaunchFunc) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		prober:   prober,
		launch:   launch,
		now:      time.Now,
	}
}

// RunOnce performs a single check. The returned bool is false when the
// time-window gate skipped the run; a skipped run produces no result
// and no notification.
func (m *Monitor) RunOnce(ctx context.Context) (models.CheckResult, bool) {
	start := m.now()
	if !gate.ShouldRun(start, m.cfg.Window.StartHour, m.cfg.Window.EndHour) {
		slog.Info("outside monitoring window, skipping check",
			"hour", start.Hour(),
			"startHour", m.cfg.Window.StartHour,
			"endHour", m.cfg.Window.EndHour,
		)
		return models.CheckResult{}, false
	}

	state := m.store.Load()

	result := m.check(ctx, &state)
	result.Target = m.cfg.Target.URL
	result.Timestamp = start
	result.Duration = time.Since(start)

	m.finish(state, result)
	return result, true
}

// check runs the browser flow and produces the single CheckResult for
// this run. A panic anywhere in the flow becomes an UnexpectedError
// result; the deferred driver Close still runs.
func (m *Monitor) check(ctx context.Context, state *session.State) (result models.CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during check", "panic", r)
			result = models.CheckResult{
				Outcome: models.OutcomeUnexpectedError,
				Message: fmt.Sprintf("internal panic: %v", r),
			}
		}
	}()

	probeSummary := m.preflight(ctx)

	drv, err := m.launch()
	if err != nil {
		slog.Error("failed to launch browser", "error", err)
		return models.CheckResult{
			Outcome:      models.OutcomeUnexpectedError,
			Message:      "failed to launch browser: " + err.Error(),
			ProbeSummary: probeSummary,
		}
	}
	defer drv.Close()

	result = m.drive(ctx, drv, state)
	result.ProbeSummary = probeSummary
	return result
}

// drive is the state machine proper, with an acquired driver.
func (m *Monitor) drive(ctx context.Context, drv Driver, state *session.State) models.CheckResult {
	drv.ApplySession(*state)

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.Check.NavTimeout)
	err := drv.Navigate(navCtx, m.cfg.Target.URL)
	cancel()
	if err != nil {
		slog.Error("navigation failed", "url", m.cfg.Target.URL, "error", err)
		return models.CheckResult{
			Outcome:     models.OutcomeForError(err),
			Message:     err.Error(),
			Screenshots: screenshots(drv.CaptureDiagnostics("navigation")),
		}
	}

	pageState, err := m.resolveChallenge(ctx, drv)
	if err != nil {
		if errors.Is(err, errStillChallenged) {
			slog.Warn("challenge did not clear within retry bound",
				"attempts", m.cfg.Check.ChallengeAttempts)
			return models.CheckResult{
				Outcome: models.OutcomeChallengeFailure,
				Message: fmt.Sprintf("blocked by challenge protection after %d polls",
					m.cfg.Check.ChallengeAttempts+1),
				Screenshots: screenshots(drv.CaptureDiagnostics("challenge")),
			}
		}
		return models.CheckResult{
			Outcome:     models.OutcomeForError(err),
			Message:     err.Error(),
			Screenshots: screenshots(drv.CaptureDiagnostics("challenge")),
		}
	}

	switch pageState {
	case models.PageAuthenticatedHome:
		// Session reuse succeeded; no credential submission at all.
		slog.Info("already authenticated, session reuse succeeded")
		m.exportSession(drv, state)
		return models.CheckResult{
			Outcome:     models.OutcomeSuccess,
			Message:     "web interface is accessible (session reuse)",
			Screenshots: screenshots(drv.CaptureDiagnostics("after-auth")),
		}

	case models.PageLoginForm:
		return m.login(ctx, drv, state)

	default:
		slog.Warn("page loaded but no known interface markers were found")
		return models.CheckResult{
			Outcome:     models.OutcomeNavigationFailure,
			Message:     "could not detect any known interface elements on the page",
			Screenshots: screenshots(drv.CaptureDiagnostics("unknown")),
		}
	}
}

// resolveChallenge classifies the page, re-polling with a fixed backoff
// while a challenge interstitial is presented. Terminates after the
// configured bound; never loops forever.
func (m *Monitor) resolveChallenge(ctx context.Context, drv Driver) (models.PageState, error) {
	var pageState models.PageState

	op := func() error {
		var err error
		pageState, err = drv.ClassifyPage(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if pageState == models.PageChallengePage {
			slog.Info("challenge page presented, waiting for it to clear")
			return errStillChallenged
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(m.cfg.Check.ChallengeBackoff),
			uint64(m.cfg.Check.ChallengeAttempts),
		),
		ctx,
	)

	// Retry unwraps Permanent errors, so err is either the classify
	// failure or errStillChallenged after exhaustion.
	if err := backoff.Retry(op, policy); err != nil {
		return pageState, err
	}
	return pageState, nil
}

// login submits credentials and verifies the authenticated interface
// appears within the login timeout.
func (m *Monitor) login(ctx context.Context, drv Driver, state *session.State) models.CheckResult {
	loginCtx, cancel := context.WithTimeout(ctx, m.cfg.Check.LoginTimeout)
	defer cancel()

	if err := drv.SubmitCredentials(loginCtx, m.cfg.Target.Username, m.cfg.Target.Password); err != nil {
		slog.Error("credential submission failed", "error", err)
		return models.CheckResult{
			Outcome:     models.OutcomeForError(err),
			Message:     err.Error(),
			Screenshots: screenshots(drv.CaptureDiagnostics("login")),
		}
	}

	// Poll for the post-submit state change.
	for {
		pageState, err := drv.ClassifyPage(loginCtx)
		if err == nil {
			switch pageState {
			case models.PageAuthenticatedHome:
				slog.Info("login verified, authenticated home reached")
				m.exportSession(drv, state)
				return models.CheckResult{
					Outcome:     models.OutcomeSuccess,
					Message:     "web interface is accessible (logged in)",
					Screenshots: screenshots(drv.CaptureDiagnostics("after-auth")),
				}
			case models.PageChallengePage:
				slog.Warn("challenge re-appeared after credential submission")
				return models.CheckResult{
					Outcome:     models.OutcomeChallengeFailure,
					Message:     "challenge re-appeared after login submission",
					Screenshots: screenshots(drv.CaptureDiagnostics("challenge")),
				}
			}
		}

		select {
		case <-loginCtx.Done():
			slog.Error("no post-submit state change within login timeout")
			return models.CheckResult{
				Outcome:     models.OutcomeAuthFailure,
				Message:     "login submitted but authenticated interface never appeared",
				Screenshots: screenshots(drv.CaptureDiagnostics("after-auth")),
			}
		case <-time.After(verifyPollInterval):
		}
	}
}

// preflight runs the optional HTTP probe. Diagnostic only: failure is
// logged and folded into the result message, never into the outcome.
func (m *Monitor) preflight(ctx context.Context) string {
	if m.prober == nil {
		return ""
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := m.prober.Fetch(probeCtx, m.cfg.Target.URL)
	if err != nil {
		slog.Warn("http preflight failed", "error", err)
		return "unreachable over plain HTTP"
	}
	slog.Info("http preflight completed", "summary", res.Summary())
	return res.Summary()
}

// exportSession copies the browser's cookies into the state for
// persistence. Best-effort.
func (m *Monitor) exportSession(drv Driver, state *session.State) {
	cookies, err := drv.ExportSession()
	if err != nil {
		slog.Warn("session export failed, keeping previous cookies", "error", err)
		return
	}
	state.Cookies = cookies
}

// finish persists the state (cookies plus this run's outcome) and
// delivers the notification. Both are best-effort: their failures are
// logged and never change the recorded result. Notification uses a
// fresh context so a run that died on its deadline still reports.
func (m *Monitor) finish(state session.State, result models.CheckResult) {
	previous := state.LastOutcome
	state.LastOutcome = result.Outcome
	if err := m.store.Save(state); err != nil {
		slog.Error("session state save failed", "error", err)
	}

	if m.cfg.Notify.ChangesOnly && previous == result.Outcome {
		slog.Info("outcome unchanged, suppressing notification",
			"outcome", result.Outcome)
		return
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(notifyCtx, result); err != nil {
		// Distinct from the check failure: the result above stands.
		slog.Error("notification delivery failed",
			"outcome", result.Outcome, "error", err)
	}
}

// screenshots wraps a capture path in a slice, dropping empty paths
// from failed captures.
func screenshots(paths ...string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
