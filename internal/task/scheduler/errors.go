package scheduler

import (
	"errors"
	"fmt"
	"time"

	"flightcollector/internal/task/engine"
)

var (
	ErrRejected = engine.ErrRejected
	ErrTimeout  = engine.ErrTimeout

	ErrInvalidSchedule = errors.New("invalid schedule parameters")
	ErrPriorityRange   = fmt.Errorf("%w: priority out of range [%d,%d]", ErrInvalidSchedule, PriorityMin, PriorityMax)
	ErrShutdown        = errors.New("scheduler is shut down")
	ErrInterrupted     = errors.New("task interrupted")
)

// TaskTimeoutError is reported when a one-shot task outlives its timeout.
type TaskTimeoutError struct {
	Name    string
	ID      string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s", e.Name, e.Timeout)
}

func (e *TaskTimeoutError) Unwrap() error { return ErrTimeout }

// TickError is reported when one tick of a periodic schedule fails. Later
// ticks are unaffected.
type TickError struct {
	Name string
	Tick uint64
	Err  error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("periodic %q tick %d: %v", e.Name, e.Tick, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// TaskError is reported when a one-shot, delayed or detached task fails.
type TaskError struct {
	Name string
	Kind Kind
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %q: %v", e.Kind, e.Name, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}

func checkPriority(p int) (int, error) {
	if p == 0 {
		return PriorityMid, nil
	}
	if p < PriorityMin || p > PriorityMax {
		return 0, fmt.Errorf("%w: got %d", ErrPriorityRange, p)
	}
	return p, nil
}
