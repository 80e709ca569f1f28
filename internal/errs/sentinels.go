// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across registry/queue/conflict layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (submitted version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnknownConnection indicates a send to a connection the registry does not track.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrRateLimited indicates an enqueue rejected by the per-target rolling window.
	ErrRateLimited = errors.New("rate limited")

	// ErrLockDenied indicates a lock acquire/release attempt by a non-holder.
	ErrLockDenied = errors.New("lock denied")

	// ErrQueueFull indicates the queue is at capacity with nothing evictable left.
	ErrQueueFull = errors.New("queue full")
)
