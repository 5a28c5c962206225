package services

import "errors"

// Validation errors are rejected synchronously to the caller and never
// retried; ErrCounterUnderflow is an invariant violation that additionally
// flags the account for reconciliation.
var (
	ErrSelfFollow       = errors.New("cannot follow yourself")
	ErrAlreadyFollowing = errors.New("relationship already exists")
	ErrNotFollowing     = errors.New("relationship does not exist")
	ErrInvalidCursor    = errors.New("malformed pagination cursor")
	ErrCounterUnderflow = errors.New("counter cannot go below zero")
)
