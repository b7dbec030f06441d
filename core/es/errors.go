package es

import "errors"

var (
	// ErrNoStream is returned when a stream does not exist in the backing log.
	// It is distinct from an empty stream and from transport failures.
	ErrNoStream = errors.New("stream does not exist")

	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")

	// ErrInvalidState reports a call that violates the aggregate lifecycle,
	// e.g. replaying history while events are still pending.
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrEncodeEvent = errors.New("failed to encode event")
	ErrDecodeEvent = errors.New("failed to decode event")

	// configuration errors, only returned by constructors
	ErrMissingIdentity  = errors.New("missing identity")
	ErrDuplicateApplier = errors.New("duplicate applier")
	ErrDuplicateEvent   = errors.New("duplicate event registration")

	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrHandlerFailed      = errors.New("event handler failed")
)
