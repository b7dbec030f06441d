package es

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeEnvelopes(t *testing.T, events ...any) []WriteEnvelope {
	t.Helper()
	out := make([]WriteEnvelope, len(events))
	for i, ev := range events {
		eventType, data, err := EncodeEvent(ev)
		require.NoError(t, err)
		out[i] = WriteEnvelope{
			ID:         fmt.Sprintf("ev-%d-%d", time.Now().UnixNano(), i),
			Type:       eventType,
			Data:       data,
			OccurredAt: time.Now().UTC(),
		}
	}
	return out
}

func TestNaming(t *testing.T) {
	n := Naming{}
	agg := n.Aggregate("Account", "a1")
	require.Equal(t, "Account-a1", agg.Name())
	require.Equal(t, StreamAggregate, agg.Kind())
	require.Equal(t, "Account", agg.Category())
	require.Equal(t, "a1", agg.ID())
	require.Equal(t, "$ce-Account", agg.CategoryStream().Name())
	require.Equal(t, "$ce-Account", n.Category("Account").Name())
	require.Equal(t, "$et-FundsAdded", n.EventType("FundsAdded").Name())

	p := Naming{Prefix: "bank"}
	require.Equal(t, "bank.Account-a1", p.Aggregate("Account", "a1").Name())
	require.Equal(t, "$ce-bank.Account", p.Category("Account").Name())
	require.Equal(t, "$ce-bank.Account", p.Aggregate("Account", "a1").CategoryStream().Name())
	require.Equal(t, "$et-FundsAdded", p.EventType("FundsAdded").Name(), "event type streams are never prefixed")

	back := agg.WithDirection(Backward).AsSubscribed()
	require.Equal(t, Backward, back.Direction())
	require.True(t, back.Subscribed())
	require.Equal(t, Forward, agg.Direction(), "descriptors are values")
	require.False(t, agg.Subscribed())
	require.True(t, StreamDescriptor{}.IsZero())
}

func TestMemoryLog_AppendRead(t *testing.T) {
	var (
		ctx    = t.Context()
		m      = NewMemoryLog()
		stream = Naming{}.Aggregate("counter", "c1")
	)

	res, err := m.Read(ctx, stream, 0, 10)
	require.NoError(t, err)
	require.True(t, res.NoStream)

	ar, err := m.Append(ctx, stream, NoVersion, writeEnvelopes(t, counterOpened{ID: "c1"}, incremented{By: 1}))
	require.NoError(t, err)
	require.Equal(t, Version(1), ar.NextExpectedVersion)

	_, err = m.Append(ctx, stream, NoVersion, writeEnvelopes(t, incremented{By: 1}))
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = m.Append(ctx, stream, 1, writeEnvelopes(t, incremented{By: 2}))
	require.NoError(t, err)

	res, err = m.Read(ctx, stream, 0, 10)
	require.NoError(t, err)
	require.False(t, res.NoStream)
	require.True(t, res.EndOfStream)
	require.Len(t, res.Events, 3)
	for i, ev := range res.Events {
		require.Equal(t, Version(i), ev.Revision)
		require.Equal(t, Position(i), ev.Position)
		require.Equal(t, "counter-c1", ev.Stream)
	}
	require.Equal(t, Position(3), res.Next)

	// backward from the head
	res, err = m.Read(ctx, stream.WithDirection(Backward), HeadPosition, 2)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, Version(2), res.Events[0].Revision)
	require.Equal(t, Version(1), res.Events[1].Revision)
	require.False(t, res.EndOfStream)
	require.Equal(t, Position(0), res.Next)
}

func TestMemoryLog_DerivedStreams(t *testing.T) {
	var (
		ctx = t.Context()
		m   = NewMemoryLog()
		n   = Naming{}
	)

	_, err := m.Append(ctx, n.Aggregate("counter", "c1"), NoVersion, writeEnvelopes(t, counterOpened{ID: "c1"}))
	require.NoError(t, err)
	_, err = m.Append(ctx, n.Aggregate("counter", "c2"), NoVersion, writeEnvelopes(t, counterOpened{ID: "c2"}, incremented{By: 1}))
	require.NoError(t, err)

	res, err := m.Read(ctx, n.Category("counter"), 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	require.Equal(t, []string{"counter-c1", "counter-c2", "counter-c2"}, []string{res.Events[0].Stream, res.Events[1].Stream, res.Events[2].Stream})
	require.Equal(t, Version(1), res.Events[2].Revision)
	require.Equal(t, Position(2), res.Events[2].Position)

	res, err = m.Read(ctx, n.EventType("counterOpened"), 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	res, err = m.Read(ctx, n.EventType("incremented"), 1, 0)
	require.NoError(t, err)
	require.Empty(t, res.Events)
	require.True(t, res.EndOfStream)
}

func TestMemoryLog_AppendValidation(t *testing.T) {
	var (
		ctx = t.Context()
		m   = NewMemoryLog()
		n   = Naming{}
	)

	_, err := m.Append(ctx, n.Category("counter"), NoVersion, writeEnvelopes(t, incremented{}))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = m.Append(ctx, n.Aggregate("counter", "c1"), NoVersion, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = m.Append(ctx, n.Aggregate("counter", ""), NoVersion, writeEnvelopes(t, incremented{}))
	require.ErrorIs(t, err, ErrMissingIdentity)

	_, err = m.Append(ctx, n.Aggregate("counter", "c1"), -2, writeEnvelopes(t, incremented{}))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryLog_ConcurrentAppend(t *testing.T) {
	var (
		ctx    = t.Context()
		m      = NewMemoryLog()
		stream = Naming{}.Aggregate("counter", "c1")
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    int
	)

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Append(ctx, stream, NoVersion, writeEnvelopes(t, counterOpened{ID: "c1"}))
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, won)
}

func TestMemoryLog_Subscribe(t *testing.T) {
	var (
		ctx    = t.Context()
		m      = NewMemoryLog()
		stream = Naming{}.Aggregate("counter", "c1")
		got    = make(chan ReadEnvelope, 10)
	)

	_, err := m.Subscribe(ctx, stream, 0, func(context.Context, ReadEnvelope) error { return nil })
	require.ErrorIs(t, err, ErrNoStream)

	_, err = m.Append(ctx, stream, NoVersion, writeEnvelopes(t, counterOpened{ID: "c1"}, incremented{By: 1}))
	require.NoError(t, err)

	feed, err := m.Subscribe(ctx, stream, 1, func(_ context.Context, ev ReadEnvelope) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)
	defer feed.Close()

	select {
	case ev := <-got:
		require.Equal(t, Position(1), ev.Position)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	_, err = m.Append(ctx, stream, 1, writeEnvelopes(t, incremented{By: 2}))
	require.NoError(t, err)

	select {
	case ev := <-got:
		require.Equal(t, Position(2), ev.Position)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	feed.Close()
	<-feed.Done()
	require.NoError(t, feed.Err())
}

func TestMemoryLog_SubscribeStopsOnError(t *testing.T) {
	var (
		ctx    = t.Context()
		m      = NewMemoryLog()
		stream = Naming{}.Aggregate("counter", "c1")
		boom   = errors.New("boom")
		calls  atomic.Int64
	)

	_, err := m.Append(ctx, stream, NoVersion, writeEnvelopes(t, counterOpened{ID: "c1"}, incremented{By: 1}))
	require.NoError(t, err)

	feed, err := m.Subscribe(ctx, stream, 0, func(context.Context, ReadEnvelope) error {
		calls.Add(1)
		return boom
	})
	require.NoError(t, err)

	select {
	case <-feed.Done():
	case <-time.After(time.Second):
		t.Fatal("feed kept running")
	}
	require.ErrorIs(t, feed.Err(), boom)
	require.Equal(t, int64(1), calls.Load())
}
