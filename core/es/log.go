package es

import (
	"context"
	"fmt"
	"math"
)

// HeadPosition starts a backward read at the newest event.
const HeadPosition Position = math.MaxInt64

// ReadResult is one page read from a stream.
type ReadResult struct {
	Events []ReadEnvelope
	// Next is the position to continue reading from in the same direction.
	Next Position
	// EndOfStream is set once the page reached the end of the stream in the
	// read direction.
	EndOfStream bool
	// NoStream is set when the stream does not exist.
	NoStream bool
}

// AppendResult reports where an append landed.
type AppendResult struct {
	// NextExpectedVersion is the stream revision after the append.
	NextExpectedVersion Version
	// Position is the backend position of the last appended event.
	Position Position
}

// EventFunc receives events from a Feed, one at a time and in stream order.
// A non-nil error stops the feed; Feed.Err reports it.
type EventFunc func(ctx context.Context, ev ReadEnvelope) error

// Feed is a running push delivery from a stream.
type Feed interface {
	// Done is closed once the feed stopped.
	Done() <-chan struct{}
	// Err waits for the feed to stop and reports why. It is nil after Close
	// or when the subscribe context was cancelled.
	Err() error
	// Close stops the feed and waits for in-flight delivery to return.
	Close()
}

// EventLog is the backing append-only log.
//
// Read returns up to count events starting at start in the stream's
// direction; backends may return fewer per call. A missing stream is
// reported through ReadResult.NoStream.
//
// Append writes all events or none. It fails with ErrConcurrencyConflict
// unless the stream's head revision equals expected (NoVersion for a stream
// that must not exist yet). Only aggregate streams can be appended to.
//
// Subscribe delivers every event at or after from, then keeps delivering
// new events until the feed is closed. It fails with ErrNoStream if the
// stream does not exist.
type EventLog interface {
	Read(ctx context.Context, stream StreamDescriptor, start Position, count int) (ReadResult, error)
	Append(ctx context.Context, stream StreamDescriptor, expected Version, events []WriteEnvelope) (AppendResult, error)
	Subscribe(ctx context.Context, stream StreamDescriptor, from Position, fn EventFunc) (Feed, error)
}

// CheckAppend validates an append request before it reaches a backend.
func CheckAppend(stream StreamDescriptor, expected Version, events []WriteEnvelope) error {
	if stream.Kind() != StreamAggregate {
		return fmt.Errorf("%w: cannot append to %s stream %s", ErrInvalidArgument, stream.Kind(), stream.Name())
	}
	if stream.ID() == "" {
		return fmt.Errorf("%w: stream %s has no aggregate id", ErrMissingIdentity, stream.Name())
	}
	if expected < NoVersion {
		return fmt.Errorf("%w: expected version %d", ErrInvalidArgument, expected)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: no events to append to %s", ErrInvalidArgument, stream.Name())
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ConflictError builds the error returned for a stale expected revision.
func ConflictError(stream StreamDescriptor, expected, actual Version) error {
	return fmt.Errorf(
		"%w: stream %s expected version %d, got %d",
		ErrConcurrencyConflict,
		stream.Name(),
		expected,
		actual,
	)
}
