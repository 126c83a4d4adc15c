// Package errs centralizes the sentinel errors shared across the
// executor/handler/steering boundary, so errors.Is works without the
// packages importing each other.
package errs

import "errors"

// ErrSessionAborted marks a steering session destroyed by an executor
// failure; every remaining queued waiter of that session fails with an
// error wrapping this sentinel.
var ErrSessionAborted = errors.New("steering session aborted")
