// Package sync replays queued submissions to the origin.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for replay engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync runs one drain-replay-clear cycle.
	// Delivery failures are reported in the result; only hard failures
	// (store errors, cycle timeout) are returned as errors.
	Sync(ctx context.Context) (*SyncResult, error)

	// HandleSync runs a cycle for a registration tag. Unknown tags are ignored.
	// It returns an error when the cycle did not clear the store so the
	// registration is retried.
	HandleSync(ctx context.Context, tag string) error

	// SetEventHandler sets the event handler for replay notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current engine status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last cycle that cleared the store.
	LastSync() *time.Time

	// PendingChanges returns the number of records left after the last cycle.
	PendingChanges() int

	// LastError returns the last error that occurred during a cycle.
	LastError() error
}
