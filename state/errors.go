package state

import "errors"

// Sentinel error kinds, wrapped with fmt.Errorf("...: %w", ...) at call
// sites throughout the tasks, proposal, and executor packages.
var (
	ErrValidation        = errors.New("state: validation error")
	ErrAuth              = errors.New("state: signature verification failed")
	ErrInsufficientFunds = errors.New("state: insufficient funds")
	ErrConflict          = errors.New("state: conflict")
	ErrNotFound          = errors.New("state: not found")
)
