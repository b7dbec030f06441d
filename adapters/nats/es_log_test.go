package nats

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
			Metadata:   []byte(`{"commit_id":"c"}`),
			OccurredAt: time.Now().UTC(),
		}
	}
	return out
}

func TestEventLog(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))

	t.Run("suite", func(t *testing.T) {
		estests.RunLogSuite(t, func(t *testing.T) es.EventLog {
			return NewTestEventLog(t, connect)
		})
	})

	t.Run("stream config", func(t *testing.T) {
		l := NewTestEventLog(t, connect)
		si, err := l.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, []string{l.prefix + ".>"}, si.Config.Subjects)
		require.Equal(t, uint64(1), si.Config.FirstSeq)
	})

	t.Run("one message per commit", func(t *testing.T) {
		var (
			ctx    = t.Context()
			l      = NewTestEventLog(t, connect)
			stream = es.Naming{Prefix: "bank"}.Aggregate("Account", "a.1 *")
		)

		res, err := l.Append(ctx, stream, es.NoVersion, writeEnvelopes(3, "Deposited"))
		require.NoError(t, err)
		require.Equal(t, es.Version(2), res.NextExpectedVersion)

		subject := l.aggregateSubject(stream)
		require.Equal(t, l.prefix+".bank%2EAccount.a%2E1%20%2A", subject)

		lm, err := l.stream.GetLastMsgForSubject(ctx, subject)
		require.NoError(t, err)
		require.Equal(t, uint64(1), lm.Sequence)
		require.Equal(t, "0", lm.Header.Get(hdrFirstRevision))
		require.Equal(t, "2", lm.Header.Get(hdrLastRevision))
		require.Equal(t, stream.Name(), lm.Header.Get(hdrStream))

		rr, err := l.Read(ctx, stream, 1, 0)
		require.NoError(t, err)
		require.Len(t, rr.Events, 2)
		require.Equal(t, es.Version(1), rr.Events[0].Revision)
		require.Equal(t, es.Position(1), rr.Events[0].Position)
		require.Equal(t, []byte(`{"n":1}`), rr.Events[0].Data)
		require.True(t, rr.EndOfStream)

		cat, err := l.Read(ctx, stream.CategoryStream(), 0, 0)
		require.NoError(t, err)
		require.Len(t, cat.Events, 3)
		require.Equal(t, derivedPosition(1, 2), cat.Events[2].Position)
	})

	t.Run("reads start at the commit holding the revision", func(t *testing.T) {
		var (
			ctx   = t.Context()
			l     = NewTestEventLog(t, connect)
			a     = es.Naming{}.Aggregate("Account", "a")
			other = es.Naming{}.Aggregate("Account", "b")
			head  = es.NoVersion
		)

		// a: seq 1 holds 0-1, seq 3 holds 2, seq 5 holds 3-5, seq 7 holds 6
		for i, n := range []int{2, 1, 3, 1} {
			res, err := l.Append(ctx, a, head, writeEnvelopes(n, "Deposited"))
			require.NoError(t, err)
			head = res.NextExpectedVersion
			if i < 3 {
				_, err = l.Append(ctx, other, es.Version(i)-1, writeEnvelopes(1, "Deposited"))
				require.NoError(t, err)
			}
		}
		require.Equal(t, es.Version(6), head)

		subject := l.aggregateSubject(a)
		for rev, want := range map[es.Version]uint64{0: 1, 1: 1, 2: 3, 3: 5, 4: 5, 5: 5, 6: 7} {
			seq, err := l.commitSeq(ctx, subject, rev, 7)
			require.NoError(t, err)
			require.Equal(t, want, seq, "revision %d", rev)
		}

		revisions := func(rr es.ReadResult) []es.Version {
			out := make([]es.Version, len(rr.Events))
			for i, ev := range rr.Events {
				out[i] = ev.Revision
			}
			return out
		}

		rr, err := l.Read(ctx, a, 4, 2)
		require.NoError(t, err)
		require.Equal(t, []es.Version{4, 5}, revisions(rr))
		require.Equal(t, es.Position(6), rr.Next)
		require.False(t, rr.EndOfStream)

		rr, err = l.Read(ctx, a, 3, 0)
		require.NoError(t, err)
		require.Equal(t, []es.Version{3, 4, 5, 6}, revisions(rr))
		require.True(t, rr.EndOfStream)

		rr, err = l.Read(ctx, a.WithDirection(es.Backward), 5, 2)
		require.NoError(t, err)
		require.Equal(t, []es.Version{5, 4}, revisions(rr))
		require.Equal(t, es.Position(3), rr.Next)

		rr, err = l.Read(ctx, a.WithDirection(es.Backward), es.HeadPosition, 3)
		require.NoError(t, err)
		require.Equal(t, []es.Version{6, 5, 4}, revisions(rr))
	})

	t.Run("concurrent appends", func(t *testing.T) {
		var (
			ctx    = t.Context()
			l      = NewTestEventLog(t, connect)
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

		rr, err := l.Read(ctx, stream, 0, 0)
		require.NoError(t, err)
		require.Len(t, rr.Events, 2)
	})

	t.Run("subscribe", func(t *testing.T) {
		var (
			ctx    = t.Context()
			l      = NewTestEventLog(t, connect)
			stream = es.Naming{}.Aggregate("Account", "a1")
			got    = make(chan es.ReadEnvelope, 10)
		)

		_, err := l.Subscribe(ctx, stream.CategoryStream(), 0, func(context.Context, es.ReadEnvelope) error { return nil })
		require.ErrorIs(t, err, es.ErrNoStream)

		_, err = l.Append(ctx, stream, es.NoVersion, writeEnvelopes(2, "Opened"))
		require.NoError(t, err)

		feed, err := l.Subscribe(ctx, stream.CategoryStream(), derivedPosition(1, 1), func(_ context.Context, ev es.ReadEnvelope) error {
			got <- ev
			return nil
		})
		require.NoError(t, err)

		_, err = l.Append(ctx, stream, 1, writeEnvelopes(1, "Deposited"))
		require.NoError(t, err)

		for _, want := range []es.Version{1, 2} {
			select {
			case ev := <-got:
				require.Equal(t, want, ev.Revision)
			case <-time.After(5 * time.Second):
				t.Fatalf("revision %d not delivered", want)
			}
		}

		feed.Close()
		<-feed.Done()
		require.NoError(t, feed.Err())
	})
}

func TestCheckpoints(t *testing.T) {
	var (
		ctx     = t.Context()
		connect = NewTestContainer(t)
	)

	cps, store, err := NewCheckpoints(CheckpointsConfig{Connect: connect, Bucket: "cps"})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = cps.Load(ctx, "balances")
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)

	require.NoError(t, cps.Save(ctx, "balances", 42))
	pos, err := cps.Load(ctx, "balances")
	require.NoError(t, err)
	require.Equal(t, es.Position(42), pos)

	require.NoError(t, store.Delete(ctx, "cp.balances"))
	require.NoError(t, store.Delete(ctx, "cp.balances"))
	_, err = cps.Load(ctx, "balances")
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)
}
