package dberrors

import (
	"errors"
	"fmt"
)

// Status categories for every fallible engine operation. Callers classify
// with errors.Is; richer context is layered on with fmt.Errorf("%w").
var (
	ErrNotFound        = errors.New("shaledb: not found")
	ErrCorruption      = errors.New("shaledb: corruption")
	ErrNotSupported    = errors.New("shaledb: not supported")
	ErrInvalidArgument = errors.New("shaledb: invalid argument")
	ErrIO              = errors.New("shaledb: i/o error")
	ErrClosed          = errors.New("shaledb: closed")
)

// Corruptionf builds a corruption-classified error.
func Corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// IOErr wraps a syscall-level failure so it classifies as ErrIO.
func IOErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }
