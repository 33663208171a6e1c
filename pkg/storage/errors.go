package storage

import "errors"

var (
	// Creation errors

	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")

	// Read errors

	ErrInvalidContinuationToken = errors.New("invalid continuation token")

	// Write errors

	// ErrStaleVersion if a conditional enhancement write found no open cycle.
	ErrStaleVersion = errors.New("enhancement cycle is not open")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
	ErrNotFound  = errors.New("not found")
)
