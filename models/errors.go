package models

import (
	"context"
	"errors"
	"fmt"
)

// Error codes used in logs, notifications and internal error handling.
const (
	ErrCodeConfig       = "CONFIG_INVALID"
	ErrCodeBrowserCrash = "BROWSER_CRASH"
	ErrCodeNavigation   = "NAVIGATION_FAILED"
	ErrCodeChallenge    = "CHALLENGE_BLOCKED"
	ErrCodeAuth         = "AUTH_FAILED"
	ErrCodeTimeout      = "CHECK_TIMEOUT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// MonitorError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type MonitorError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *MonitorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}

// NewMonitorError creates a new MonitorError.
func NewMonitorError(code, message string, err error) *MonitorError {
	return &MonitorError{Code: code, Message: message, Err: err}
}

// OutcomeForError maps an error from any stage of a run to the Check
// Result outcome it should be reported as. Context expiry always wins:
// a navigation that died because the run deadline passed is a Timeout,
// not a navigation problem.
func OutcomeForError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeTimeout
	}
	var me *MonitorError
	if errors.As(err, &me) {
		switch me.Code {
		case ErrCodeNavigation:
			return OutcomeNavigationFailure
		case ErrCodeChallenge:
			return OutcomeChallengeFailure
		case ErrCodeAuth:
			return OutcomeAuthFailure
		case ErrCodeTimeout:
			return OutcomeTimeout
		}
	}
	return OutcomeUnexpectedError
}
