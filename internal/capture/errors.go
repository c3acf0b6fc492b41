package capture

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against a *PipelineError or a wrapped sentinel.
var (
	ErrGrantInvalid      = errors.New("capture: grant absent or expired")
	ErrUnsupportedFormat = errors.New("capture: unsupported codec/media combination")
	ErrConfigRejected    = errors.New("capture: encoder rejected configuration")
	ErrTimeout           = errors.New("capture: timed out")
	ErrEncoderStopped    = errors.New("capture: encoder stopped")
	ErrAlreadyRunning    = errors.New("capture: session already running")
	ErrNotRunning        = errors.New("capture: no running session")
	ErrForcedTeardown    = errors.New("capture: forced teardown")
	ErrInvalidTransition = errors.New("capture: invalid state transition")
)

// PipelineError carries the kind, the media type and the operation that failed.
type PipelineError struct {
	Kind  error
	Media MediaType
	Op    string
	Err   error
}

func newError(kind error, media MediaType, op string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Media: media, Op: op, Err: cause}
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Media, e.Op, e.Kind)
	if e.Err != nil && !errors.Is(e.Err, e.Kind) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports a match on the error kind.
func (e *PipelineError) Is(target error) bool {
	return target == e.Kind
}

func (e *PipelineError) Unwrap() error { return e.Err }

// IsWarning is true for kinds that are reported but not fatal.
func (e *PipelineError) IsWarning() bool {
	return e.Kind == ErrForcedTeardown
}

// kindOf classifies err into one of the kinds, or fallback when none match.
func kindOf(err, fallback error) error {
	for _, k := range []error{
		ErrGrantInvalid, ErrUnsupportedFormat, ErrConfigRejected, ErrTimeout,
		ErrEncoderStopped, ErrAlreadyRunning, ErrNotRunning, ErrForcedTeardown,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return fallback
}

// IsWarning reports whether err only signals a warning-level condition.
func IsWarning(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.IsWarning()
}
