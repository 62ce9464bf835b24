package presence

import "errors"

var (
	// ErrConnectionNotFound is returned by the batched heartbeat path when
	// the targeted connection record is missing or expired. The direct path
	// treats a missing record as a benign no-op instead.
	ErrConnectionNotFound = errors.New("presence: connection not found")

	// ErrStaleEpoch is returned by the batched heartbeat path when the
	// requested epoch is behind the stored one.
	ErrStaleEpoch = errors.New("presence: stale epoch")

	// ErrBatcherDisposed rejects heartbeats enqueued after the batcher has
	// been disposed, and all entries pending at dispose time.
	ErrBatcherDisposed = errors.New("presence: heartbeat batcher disposed")
)
