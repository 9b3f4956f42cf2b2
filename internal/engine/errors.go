package engine

import (
	"errors"
	"fmt"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/store"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid booking state")
	ErrOutsideWindow     = errors.New("outside practice window")
	ErrAlreadyCheckedIn  = errors.New("already checked in")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNoWaitingEntries  = errors.New("no waiting entries")
	ErrTransient         = errors.New("temporarily unavailable")
)

// OutsideWindowError carries the window the caller should come back for.
// Window is nil when the doctor has no schedule on the day.
type OutsideWindowError struct {
	Window *clock.Window
}

func (e *OutsideWindowError) Error() string {
	if e.Window == nil {
		return "doctor has no practice schedule today"
	}
	return fmt.Sprintf("check-in is only available during practice hours: %s", e.Window.String())
}

func (e *OutsideWindowError) Is(target error) bool {
	return target == ErrOutsideWindow
}

// translate lifts store failures into the engine's error kinds, keeping the
// original in the chain.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrBookingNotFound), errors.Is(err, store.ErrQueueNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrDuplicateEntry):
		return fmt.Errorf("%w: %w", ErrAlreadyCheckedIn, err)
	case errors.Is(err, store.ErrNoWaiting):
		return fmt.Errorf("%w: %w", ErrNoWaitingEntries, err)
	case errors.Is(err, store.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	case errors.Is(err, store.ErrTransient):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return err
	}
}
