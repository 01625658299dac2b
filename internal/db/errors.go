package db

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolExhausted matches *ExhaustedError.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolState matches *StateError.
	ErrPoolState = errors.New("connection pool not ready")
)

// ConnectionError means a session to the database could not be established or kept.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExhaustedError is returned by Acquire when every connection stayed checked
// out for the whole acquire timeout.
type ExhaustedError struct {
	MaxSize int
	Waited  time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted: all %d connections checked out (waited %s)", e.MaxSize, e.Waited)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// StateError is returned when an operation is not valid in the pool's current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: connection pool is %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrPoolState }
