package anchor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAcquisitionTimeout is returned when the anchor data did not arrive
	// within the budgeted wait.
	ErrAcquisitionTimeout = errors.New("anchor acquisition timed out")

	// ErrCancelled is returned when the caller cancelled while waiting for the
	// anchor data. It wraps the context error as well.
	ErrCancelled = errors.New("anchor acquisition cancelled")

	// ErrNoFrame is returned when the detector delivered an empty frame.
	ErrNoFrame = errors.New("detector delivered no frame")
)

// TimeoutError carries the timing of an anchor scan that never delivered.
type TimeoutError struct {
	// Waited is how long the scan waited for data
	Waited time.Duration

	// Budget is the wait allowed by the timeout policy
	Budget time.Duration

	// SinceStart is the time elapsed since the acquisition started
	SinceStart time.Duration
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%v: no data after %v (budget %v)", ErrAcquisitionTimeout, e.Waited.Round(time.Millisecond), e.Budget)
	if e.SinceStart > 0 {
		msg += fmt.Sprintf(", %v into the acquisition", e.SinceStart.Round(time.Millisecond))
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return ErrAcquisitionTimeout
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
