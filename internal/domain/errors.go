package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrDecode             = errors.New("decode error")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrDependencyNotReady = errors.New("dependency not ready")
	ErrStaleBalance       = errors.New("stale balance update")
	ErrNoOrderSources     = errors.New("no order sources")
	ErrLockHeld           = errors.New("lock already held")
	ErrContextDone        = errors.New("context cancelled")
)
