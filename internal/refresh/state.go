package refresh

import "errors"

// State is the position of one refresh attempt:
//
//	LockPending -> LockDenied
//	LockPending -> LockAcquired -> AlreadyFresh
//	LockPending -> LockAcquired -> Recomputing -> Persisted | Failed
//
// Terminal states end the attempt, never the client: a client left stale is
// picked up again by the next staleness check.
type State int

const (
	LockPending State = iota
	LockAcquired
	Recomputing
	LockDenied
	AlreadyFresh
	Persisted
	Failed
)

func (s State) String() string {
	switch s {
	case LockPending:
		return "lock_pending"
	case LockAcquired:
		return "lock_acquired"
	case Recomputing:
		return "recomputing"
	case LockDenied:
		return "lock_denied"
	case AlreadyFresh:
		return "already_fresh"
	case Persisted:
		return "persisted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s >= LockDenied }

var (
	// ErrProducerFailure covers network errors, timeouts and malformed payloads.
	ErrProducerFailure = errors.New("producer failure")
	// ErrPersistenceFailure means the batch transaction did not commit.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Outcome is how an attempt ended. BatchID is set for Persisted and AlreadyFresh.
type Outcome struct {
	State   State
	BatchID string
	Err     error
}
