package query

import "errors"

var (
	// ErrInvalidCriteria marks malformed or contradictory filter
	// criteria, detected before any store access and never retried.
	ErrInvalidCriteria = errors.New("invalid filter criteria")
)
