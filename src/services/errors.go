package services

import "errors"

// Pipeline error taxonomy. Handlers map these to HTTP status codes with
// errors.Is; stage code wraps the underlying cause with %w.
var (
	ErrValidation      = errors.New("order document validation failed")
	ErrFxLookup        = errors.New("fx rate lookup failed")
	ErrInvoiceDispatch = errors.New("invoice dispatch failed")
	ErrOrderTerminal   = errors.New("order is in a terminal state")
)
