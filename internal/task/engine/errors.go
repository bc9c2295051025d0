package engine

import (
	"errors"
	"fmt"
)

var (
	ErrRejected = errors.New("task rejected: all workers busy")
	ErrClosed   = errors.New("worker pool closed")
	ErrTimeout  = errors.New("task timed out")
)

// PanicError is returned for a job whose Run panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
