package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBudget is returned for non-positive points or windows.
	ErrInvalidBudget = errors.New("ratelimit: invalid budget")

	// ErrStoreUnavailable matches any *StoreError.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
)

// StoreError is returned by stores when the backend can't be reached or times out.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ratelimit %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }
