package browser

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/plexwatch/models"
)

// Login form selectors. The media-server login flow varies between
// versions: sometimes a landing page with a sign-in button, sometimes a
// one-step form, sometimes username first with a Next step.
const (
	usernameSelector = `input[type="email"], input[name="username"], #email, #username`
	passwordSelector = `input[type="password"]`
	submitSelector   = `button[type="submit"]`
)

// SubmitCredentials fills and submits the login form. It handles the
// landing-button and two-step (username then Next) variants. The caller
// verifies the post-submit page state; this only reports AuthFailure
// when the form itself cannot be driven.
//
// All lookups use non-waiting queries (Has/Elements) so an absent
// element fails fast instead of blocking until the run deadline.
func (d *Driver) SubmitCredentials(ctx context.Context, username, password string) error {
	p := d.page.Context(ctx)

	// Landing page variant: a sign-in button gates the actual form.
	if !hasAny(p, passwordSelector) && !hasAny(p, usernameSelector) {
		if btn := findButton(p, "sign in", "sign-in", "log in"); btn != nil {
			if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
				slog.Info("clicked sign-in entry button")
				settle(p)
			}
		}
	}

	if ok, userEl, err := p.Has(usernameSelector); err == nil && ok {
		_ = userEl.SelectAllText()
		if err := userEl.Input(username); err != nil {
			return models.NewMonitorError(models.ErrCodeAuth, "failed to enter username", err)
		}
		slog.Info("entered username")
	} else {
		slog.Info("no username field found, assuming password-only flow")
	}

	// Two-step variant: password appears only after Next/Continue.
	if !hasAny(p, passwordSelector) {
		if btn := findButton(p, "next", "continue"); btn != nil {
			if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
				slog.Info("clicked next button")
				settle(p)
			}
		}
	}

	ok, pwEl, err := p.Has(passwordSelector)
	if err != nil || !ok {
		return models.NewMonitorError(models.ErrCodeAuth, "password field not found", err)
	}
	_ = pwEl.SelectAllText()
	if err := pwEl.Input(password); err != nil {
		return models.NewMonitorError(models.ErrCodeAuth, "failed to enter password", err)
	}
	slog.Info("entered password")

	if err := submitForm(p, pwEl); err != nil {
		return err
	}
	settle(p)
	return nil
}

// submitForm clicks the submit button, falling back to a sign-in
// labelled button, falling back to Enter in the password field.
func submitForm(p *rod.Page, pwEl *rod.Element) error {
	if ok, btn, err := p.Has(submitSelector); err == nil && ok {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
			slog.Info("clicked submit button")
			return nil
		}
	}
	if btn := findButton(p, "sign in", "log in", "submit"); btn != nil {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
			slog.Info("clicked sign-in button")
			return nil
		}
	}
	if err := pwEl.Type(input.Enter); err != nil {
		return models.NewMonitorError(models.ErrCodeAuth, "failed to submit login form", err)
	}
	slog.Info("submitted login form via Enter")
	return nil
}

// hasAny reports whether the selector currently matches, without waiting.
func hasAny(p *rod.Page, selector string) bool {
	ok, _, err := p.Has(selector)
	return err == nil && ok
}

// findButton returns the first button-like element whose visible text
// contains any of the given lowercase substrings. Non-waiting.
func findButton(p *rod.Page, wants ...string) *rod.Element {
	els, err := p.Elements(`button, a[role="button"], input[type="submit"]`)
	if err != nil {
		return nil
	}
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			continue
		}
		lower := strings.ToLower(text)
		for _, want := range wants {
			if strings.Contains(lower, want) {
				return el
			}
		}
	}
	return nil
}

// settle gives the page a moment to react to an interaction.
func settle(p *rod.Page) {
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge after interaction", "error", err)
	}
}
