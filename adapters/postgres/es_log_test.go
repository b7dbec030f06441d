package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrc/core/es"
	"github.com/codewandler/esrc/core/es/estests"
)

func writeEnvelopes(n int, eventType string) []es.WriteEnvelope {
	out := make([]es.WriteEnvelope, n)
	for i := range out {
		out[i] = es.WriteEnvelope{
			ID:         uuid.NewString(),
			Type:       eventType,
			Data:       []byte(`{"n":1}`),
			Metadata:   []byte(`{"commit_id":"c1"}`),
			OccurredAt: time.Now().UTC(),
		}
	}
	return out
}

func TestEventLog(t *testing.T) {
	pool := NewTestContainer(t)

	t.Run("suite", func(t *testing.T) {
		estests.RunLogSuite(t, func(t *testing.T) es.EventLog {
			return NewTestEventLog(t, pool)
		})
	})

	t.Run("rows", func(t *testing.T) {
		var (
			ctx    = t.Context()
			l      = NewTestEventLog(t, pool)
			stream = es.Naming{Prefix: "bank"}.Aggregate("Account", "a1")
		)

		res, err := l.Append(ctx, stream, es.NoVersion, writeEnvelopes(3, "Deposited"))
		require.NoError(t, err)
		require.Equal(t, es.Version(2), res.NextExpectedVersion)
		require.Equal(t, es.Position(3), res.Position)

		var (
			category string
			commitID string
			n        int
		)
		err = pool.QueryRow(ctx,
			"SELECT category, commit_id, count(*) FROM "+ident(l.table)+" GROUP BY category, commit_id",
		).Scan(&category, &commitID, &n)
		require.NoError(t, err)
		require.Equal(t, "bank.Account", category)
		require.Equal(t, "c1", commitID)
		require.Equal(t, 3, n)

		rr, err := l.Read(ctx, stream, 1, 0)
		require.NoError(t, err)
		require.Len(t, rr.Events, 2)
		require.Equal(t, es.Position(1), rr.Events[0].Position)
		require.Equal(t, []byte(`{"n":1}`), rr.Events[0].Data)
		require.True(t, rr.EndOfStream)
		require.Equal(t, es.Position(3), rr.Next)
	})

	t.Run("duplicate event id", func(t *testing.T) {
		var (
			ctx    = t.Context()
			l      = NewTestEventLog(t, pool)
			events = writeEnvelopes(1, "Opened")
		)

		_, err := l.Append(ctx, es.Naming{}.Aggregate("Account", "a1"), es.NoVersion, events)
		require.NoError(t, err)

		_, err = l.Append(ctx, es.Naming{}.Aggregate("Account", "a2"), es.NoVersion, events)
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		var (
			ctx    = t.Context()
			l      = NewTestEventLog(t, pool)
			stream = es.Naming{}.Aggregate("Account", "a1")
			wg     sync.WaitGroup
			mu     sync.Mutex
			won    int
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Append(ctx, stream, es.NoVersion, writeEnvelopes(2, "Opened"))
				if err == nil {
					mu.Lock()
					won++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, es.ErrConcurrencyConflict)
			}()
		}
		wg.Wait()
		require.Equal(t, 1, won)

		rr, err := l.Read(ctx, stream.CategoryStream(), 0, 0)
		require.NoError(t, err)
		require.Len(t, rr.Events, 2)
	})

	t.Run("notify wakes feed", func(t *testing.T) {
		var (
			ctx    = t.Context()
			stream = es.Naming{}.Aggregate("Account", "a1")
			got    = make(chan es.ReadEnvelope, 10)
		)

		// polling alone would miss the deadline below
		l, err := NewEventLog(ctx, EventLogConfig{
			Pool:         pool,
			Table:        testTableName("events"),
			PollInterval: time.Hour,
		})
		require.NoError(t, err)
		t.Cleanup(l.Close)
		<-l.listening

		_, err = l.Subscribe(ctx, stream.CategoryStream(), 0, func(context.Context, es.ReadEnvelope) error { return nil })
		require.ErrorIs(t, err, es.ErrNoStream)

		_, err = l.Append(ctx, stream, es.NoVersion, writeEnvelopes(1, "Opened"))
		require.NoError(t, err)

		feed, err := l.Subscribe(ctx, stream.CategoryStream(), 0, func(_ context.Context, ev es.ReadEnvelope) error {
			got <- ev
			return nil
		})
		require.NoError(t, err)
		defer feed.Close()

		select {
		case ev := <-got:
			require.Equal(t, es.Version(0), ev.Revision)
		case <-time.After(5 * time.Second):
			t.Fatal("initial event not delivered")
		}

		_, err = l.Append(ctx, stream, 0, writeEnvelopes(1, "Deposited"))
		require.NoError(t, err)

		select {
		case ev := <-got:
			require.Equal(t, es.Version(1), ev.Revision)
			require.Equal(t, "Deposited", ev.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("notification did not wake the feed")
		}
	})
}

func TestCheckpoints(t *testing.T) {
	var (
		ctx = t.Context()
		cps = NewTestCheckpoints(t, NewTestContainer(t))
	)

	_, err := cps.Load(ctx, "balances")
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)

	require.NoError(t, cps.Save(ctx, "balances", 42))
	require.NoError(t, cps.Save(ctx, "balances", 43))
	pos, err := cps.Load(ctx, "balances")
	require.NoError(t, err)
	require.Equal(t, es.Position(43), pos)

	other, err := cps.Load(ctx, "other")
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)
	require.Equal(t, es.NoPosition, other)
}
