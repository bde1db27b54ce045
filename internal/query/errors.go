package query

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid query request")
	ErrBusy              = errors.New("another query is executing")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrElementNotFound   = errors.New("element not found")
	ErrResponseTimeout   = errors.New("response timed out")
	ErrExtractionFailed  = errors.New("extraction failed")
)

// StepError is a fatal failure of one execution step. It matches its Kind
// sentinel and unwraps to the cause.
type StepError struct {
	Kind error
	// Site names the wait or action that failed: navigate, ready, input,
	// submit or response.
	Site string
	Err  error
	// Blocker is set when the page looked like a sign-in wall or a
	// challenge instead of the notebook.
	Blocker       string
	BlockerDetail string
	ScreenshotURL string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%v at %s", e.Kind, e.Site)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.BlockerDetail != "" {
		msg += " (" + e.BlockerDetail + ")"
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == e.Kind }
