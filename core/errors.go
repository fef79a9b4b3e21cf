package core

import "errors"

// Sentinel error kinds shared across the engine. Component packages wrap
// these with context so callers can classify failures with errors.Is while
// the audit trail keeps the human-readable chain.
var (
	ErrValidation       = errors.New("validation failed")
	ErrTokenNotFound    = errors.New("token not found")
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrInsufficientEth  = errors.New("insufficient ETH balance")
)
