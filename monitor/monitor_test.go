package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/use-agent/plexwatch/config"
	"github.com/use-agent/plexwatch/gate"
	"github.com/use-agent/plexwatch/models"
	"github.com/use-agent/plexwatch/session"
)

// fakeDriver scripts ClassifyPage responses; the last state repeats.
type fakeDriver struct {
	states     []models.PageState
	navErr     error
	submitErr  error
	exportErr  error
	cookies    []session.Cookie
	classified int
	submitted  bool
	applied    session.State
	captured   []string
	closed     bool
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error { return d.navErr }

func (d *fakeDriver) ApplySession(state session.State) { d.applied = state }

func (d *fakeDriver) ClassifyPage(ctx context.Context) (models.PageState, error) {
	i := d.classified
	if i >= len(d.states) {
		i = len(d.states) - 1
	}
	d.classified++
	return d.states[i], nil
}

func (d *fakeDriver) SubmitCredentials(ctx context.Context, username, password string) error {
	d.submitted = true
	return d.submitErr
}

func (d *fakeDriver) CaptureDiagnostics(label string) string {
	d.captured = append(d.captured, label)
	return "" // no file on disk in tests
}

func (d *fakeDriver) ExportSession() ([]session.Cookie, error) {
	return d.cookies, d.exportErr
}

func (d *fakeDriver) Close() { d.closed = true }

type fakeNotifier struct {
	results []models.CheckResult
	err     error
}

func (n *fakeNotifier) Notify(ctx context.Context, result models.CheckResult) error {
	n.results = append(n.results, result)
	return n.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Target: config.TargetConfig{
			URL:      "https://plex.example.com/web",
			Username: "user@example.com",
			Password: "hunter2",
		},
		Window: config.WindowConfig{StartHour: gate.HourUnset, EndHour: gate.HourUnset},
		Check: config.CheckConfig{
			NavTimeout:        time.Second,
			ClassifyTimeout:   time.Second,
			ChallengeAttempts: 2,
			ChallengeBackoff:  time.Millisecond,
			LoginTimeout:      100 * time.Millisecond,
			MaxRunTime:        5 * time.Second,
		},
		State: config.StateConfig{
			StateFile:     filepath.Join(t.TempDir(), "state.json"),
			ScreenshotDir: t.TempDir(),
		},
		Notify: config.NotifyConfig{WebhookURL: "https://hook.test", BotName: "plexwatch"},
	}
}

func newTestMonitor(cfg *config.Config, drv *fakeDriver, n *fakeNotifier) (*Monitor, *session.Store) {
	store := session.NewStore(cfg.State.StateFile)
	m := New(cfg, store, n, nil, func() (Driver, error) { return drv, nil })
	return m, store
}

func TestFreshLoginSuccess(t *testing.T) {
	cfg := testConfig(t)
	drv := &fakeDriver{
		states:  []models.PageState{models.PageLoginForm, models.PageAuthenticatedHome},
		cookies: []session.Cookie{{Name: "cf_clearance", Value: "ok", Domain: "d", Path: "/"}},
	}
	n := &fakeNotifier{}
	m, store := newTestMonitor(cfg, drv, n)

	result, ran := m.RunOnce(context.Background())
	if !ran {
		t.Fatal("run should not be gate-skipped")
	}
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success (message: %s)", result.Outcome, result.Message)
	}
	if !drv.submitted {
		t.Error("credentials should have been submitted")
	}
	if !drv.closed {
		t.Error("driver must be closed")
	}
	if len(n.results) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.results))
	}

	state := store.Load()
	if state.LastOutcome != models.OutcomeSuccess {
		t.Errorf("persisted LastOutcome = %q, want success", state.LastOutcome)
	}
	if len(state.Cookies) != 1 || state.Cookies[0].Name != "cf_clearance" {
		t.Errorf("exported cookies not persisted: %+v", state.Cookies)
	}
}

func TestSessionReuseSkipsCredentials(t *testing.T) {
	cfg := testConfig(t)
	store := session.NewStore(cfg.State.StateFile)
	if err := store.Save(session.State{
		Cookies: []session.Cookie{{Name: "cf_clearance", Value: "old", Domain: "d", Path: "/"}},
	}); err != nil {
		t.Fatal(err)
	}

	drv := &fakeDriver{states: []models.PageState{models.PageAuthenticatedHome}}
	n := &fakeNotifier{}
	m := New(cfg, store, n, nil, func() (Driver, error) { return drv, nil })

	result, _ := m.RunOnce(context.Background())
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", result.Outcome)
	}
	if drv.submitted {
		t.Error("session reuse must skip credential submission entirely")
	}
	if len(drv.applied.Cookies) != 1 {
		t.Errorf("stored cookies were not applied: %+v", drv.applied)
	}
}

func TestChallengeExhaustion(t *testing.T) {
	cfg := testConfig(t)
	drv := &fakeDriver{states: []models.PageState{models.PageChallengePage}}
	n := &fakeNotifier{}
	m, _ := newTestMonitor(cfg, drv, n)

	result, _ := m.RunOnce(context.Background())
	if result.Outcome != models.OutcomeChallengeFailure {
		t.Fatalf("Outcome = %s, want challenge_failure", result.Outcome)
	}
	// Initial classification plus ChallengeAttempts retries, no more.
	if want := cfg.Check.ChallengeAttempts + 1; drv.classified != want {
		t.Errorf("classify polls = %d, want %d", drv.classified, want)
	}
	if len(drv.captured) == 0 || drv.captured[0] != "challenge" {
		t.Errorf("challenge diagnostics not captured: %v", drv.captured)
	}
	if len(n.results) != 1 || n.results[0].Outcome != models.OutcomeChallengeFailure {
		t.Errorf("failure notification missing: %+v", n.results)
	}
	if !drv.closed {
		t.Error("driver must be closed on the failure path")
	}
}

func TestChallengeClearsThenLogin(t *testing.T) {
	cfg := testConfig(t)
	drv := &fakeDriver{states: []models.PageState{
		models.PageChallengePage,
		models.PageLoginForm,
		models.PageAuthenticatedHome,
	}}
	n := &fakeNotifier{}
	m, _ := newTestMonitor(cfg, drv, n)

	result, _ := m.RunOnce(context.Background())
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", result.Outcome)
	}
	if !drv.submitted {
		t.Error("login should proceed once the challenge clears")
	}
}

func TestAuthFailureWhenStateNeverChanges(t *testing.T) {
	cfg := testConfig(t)
	drv := &fakeDriver{states: []models.PageState{models.PageLoginForm}}
	n := &fakeNotifier{}
	m, _ := newTestMonitor(cfg, drv, n)

	result, _ := m.RunOnce(context.Background())
	if result.Outcome != models.OutcomeAuthFailure {
		t.Fatalf("Outcome = %s, want auth_failure", result.Outcome)
	}
	if !drv.submitted {
		t.Error("credentials should have been submitted before the verify wait")
	}
}

func TestNavigationFailure(t *testing.T) {
	cfg := testConfig(t)
	drv := &fakeDriver{
		states: []models.PageState{models.PageUnknown},
		navErr: models.NewMonitorError(models.ErrCodeNavigation, "connection refused", errors.New("dial tcp")),
	}
	n := &fakeNotifier{}
	m, _ := newTestMonitor(cfg, drv, n)

	result, _ := m.RunOnce(context.Background())
	if result.Outcome != models.OutcomeNavigationFailure {
		t.Fatalf("Outcome = %s, want navigation_failure", result.Outcome)
	}
	if !drv.closed {
		t.Error("driver must be closed after a navigation failure")
	}
}

func TestUnknownPageIsNavigationFailure(t *testing.T) {
	cfg := testConfig(t)
	drv := &fakeDriver{states: []models.PageState{models.PageUnknown}}
	n := &fakeNotifier{}
	m, _ := newTestMonitor(cfg, drv, n)

	result, _ := m.RunOnce(context.Background())
	if result.Outcome != models.OutcomeNavigationFailure {
		t.Fatalf("Outcome = %s, want navigation_failure", result.Outcome)
	}
	if drv.submitted {
		t.Error("no credentials should be submitted into an unknown page")
	}
}

func TestWebhookFailureDoesNotAlterResult(t *testing.T) {
	cfg := testConfig(t)
	drv := &fakeDriver{states: []models.PageState{models.PageAuthenticatedHome}}
	n := &fakeNotifier{err: errors.New("webhook unreachable")}
	m, store := newTestMonitor(cfg, drv, n)

	result, ran := m.RunOnce(context.Background())
	if !ran || result.Outcome != models.OutcomeSuccess {
		t.Fatalf("run should complete with success despite webhook failure, got %s", result.Outcome)
	}
	if store.Load().LastOutcome != models.OutcomeSuccess {
		t.Error("recorded outcome must survive a failed notification")
	}
}

func TestGateSkip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Window.StartHour = 8
	cfg.Window.EndHour = 2

	drv := &fakeDriver{states: []models.PageState{models.PageAuthenticatedHome}}
	n := &fakeNotifier{}
	m, _ := newTestMonitor(cfg, drv, n)
	m.now = func() time.Time {
		return time.Date(2025, 6, 15, 5, 0, 0, 0, time.Local) // outside 8->2
	}

	_, ran := m.RunOnce(context.Background())
	if ran {
		t.Fatal("run at hour 5 with window 8->2 must be skipped")
	}
	if drv.classified != 0 || len(n.results) != 0 {
		t.Error("a skipped run must not touch the browser or the webhook")
	}

	m.now = func() time.Time {
		return time.Date(2025, 6, 15, 23, 0, 0, 0, time.Local) // inside 8->2
	}
	if _, ran := m.RunOnce(context.Background()); !ran {
		t.Error("run at hour 23 with window 8->2 must proceed")
	}
}

func TestChangesOnlySuppression(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.ChangesOnly = true

	store := session.NewStore(cfg.State.StateFile)
	if err := store.Save(session.State{LastOutcome: models.OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}

	n := &fakeNotifier{}
	m := New(cfg, store, n, nil, func() (Driver, error) {
		return &fakeDriver{states: []models.PageState{models.PageAuthenticatedHome}}, nil
	})

	if _, ran := m.RunOnce(context.Background()); !ran {
		t.Fatal("run should proceed")
	}
	if len(n.results) != 0 {
		t.Errorf("repeat success should be suppressed, got %d notifications", len(n.results))
	}

	// A state change must notify again.
	m = New(cfg, store, n, nil, func() (Driver, error) {
		return &fakeDriver{states: []models.PageState{models.PageChallengePage}}, nil
	})
	if _, ran := m.RunOnce(context.Background()); !ran {
		t.Fatal("run should proceed")
	}
	if len(n.results) != 1 || n.results[0].Outcome != models.OutcomeChallengeFailure {
		t.Errorf("outcome change should notify, got %+v", n.results)
	}
}

func TestLaunchFailureIsUnexpectedError(t *testing.T) {
	cfg := testConfig(t)
	n := &fakeNotifier{}
	store := session.NewStore(cfg.State.StateFile)
	m := New(cfg, store, n, nil, func() (Driver, error) {
		return nil, models.NewMonitorError(models.ErrCodeBrowserCrash, "chrome not found", nil)
	})

	result, ran := m.RunOnce(context.Background())
	if !ran {
		t.Fatal("run should produce a result")
	}
	if result.Outcome != models.OutcomeUnexpectedError {
		t.Errorf("Outcome = %s, want unexpected_error", result.Outcome)
	}
	if len(n.results) != 1 {
		t.Errorf("launch failure must still notify, got %d", len(n.results))
	}
}
