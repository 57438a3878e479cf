package models

import "time"

// Outcome is the terminal classification of one check run.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeNavigationFailure Outcome = "navigation_failure"
	OutcomeChallengeFailure  Outcome = "challenge_failure"
	OutcomeAuthFailure       Outcome = "auth_failure"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeUnexpectedError   Outcome = "unexpected_error"
)

// OK reports whether the outcome means the target is reachable and usable.
func (o Outcome) OK() bool {
	return o == OutcomeSuccess
}

// PageState is the closed classification of what the browser is looking at.
type PageState string

const (
	PageLoginForm         PageState = "login_form"
	PageChallengePage     PageState = "challenge_page"
	PageAuthenticatedHome PageState = "authenticated_home"
	PageUnknown           PageState = "unknown"
)

// CheckResult is the single result produced by one run. Exactly one is
// created per non-skipped run; the Notifier consumes it.
type CheckResult struct {
	Outcome   Outcome
	Message   string
	Target    string
	Timestamp time.Time
	Duration  time.Duration

	// Screenshots holds paths of diagnostic captures taken during the
	// run, ordered by stage. Best-effort; may be empty.
	Screenshots []string

	// ProbeSummary is the one-line outcome of the HTTP preflight,
	// e.g. "HTTP 403 (challenge hint)". Empty when the probe is
	// disabled or failed silently.
	ProbeSummary string
}
