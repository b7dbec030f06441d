package es

import (
	"context"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
)

// TestEnv bundles an event log with checkpoints and a subscriber whose
// subscriptions are stopped when the test ends.
type TestEnv struct {
	t           testing.TB
	Log         EventLog
	Checkpoints CheckpointStore
	Subscriber  *Subscriber
}

// NewTestEnv uses the in-memory log unless another one is given.
func NewTestEnv(t testing.TB, log EventLog, opts ...SubscriberOption) *TestEnv {
	if log == nil {
		log = NewMemoryLog()
	}
	cps := NewMemoryCheckpoints()
	sub := NewSubscriber(log, append([]SubscriberOption{
		WithCheckpoints(cps),
		WithProbeInterval(20 * time.Millisecond),
	}, opts...)...)
	t.Cleanup(sub.Close)

	return &TestEnv{
		t:           t,
		Log:         log,
		Checkpoints: cps,
		Subscriber:  sub,
	}
}

// Append writes raw events to the aggregate stream entityType-id.
func (e *TestEnv) Append(ctx context.Context, expected Version, entityType, id string, events ...any) AppendResult {
	e.t.Helper()
	envelopes := make([]WriteEnvelope, 0, len(events))
	for _, ev := range events {
		eventType, data, err := EncodeEvent(ev)
		require.NoError(e.t, err)
		envelopes = append(envelopes, WriteEnvelope{
			ID:         gonanoid.Must(),
			Type:       eventType,
			Data:       data,
			OccurredAt: time.Now().UTC(),
		})
	}
	res, err := e.Log.Append(ctx, Naming{}.Aggregate(entityType, id), expected, envelopes)
	require.NoError(e.t, err)
	return res
}

// Start starts sub and waits until it is live.
func (e *TestEnv) Start(ctx context.Context, sub *Subscription) {
	e.t.Helper()
	require.NoError(e.t, sub.Start(ctx))
	select {
	case <-sub.Live():
	case <-time.After(5 * time.Second):
		e.t.Fatalf("subscription %s did not become live", sub.Name())
	}
}

// AwaitPosition waits until sub processed pos.
func (e *TestEnv) AwaitPosition(sub *Subscription, pos Position) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return sub.Position() >= pos
	}, 5*time.Second, 5*time.Millisecond, "subscription %s did not reach %d", sub.Name(), pos)
}
