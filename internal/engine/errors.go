package engine

import "errors"

// Sentinel errors returned by the control surface. Callers match them
// with errors.Is; the wrapped message carries the symbol.
var (
	ErrDuplicateSymbol = errors.New("grid instance already exists for symbol")
	ErrNotFound        = errors.New("no grid instance for symbol")
	ErrNotStopped      = errors.New("grid instance is not stopped")
	ErrInvalidConfig   = errors.New("invalid grid config")
)
