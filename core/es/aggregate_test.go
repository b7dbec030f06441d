package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type (
	counter struct {
		ID    string
		Value int
		Seen  []string
	}
	counterOpened struct{ ID string }
	incremented   struct{ By int }
	renamedEvent  struct{}
	unappliedEvt  struct{}
	badEvent      struct{ Fail bool }
)

func (renamedEvent) EventType() string { return "counter.renamed" }

func (e badEvent) Validate() error {
	if e.Fail {
		return errors.New("bad")
	}
	return nil
}

func newCounterType(t *testing.T) *AggregateType[*counter] {
	t.Helper()
	typ, err := NewAggregateType(
		AggregateConfig[*counter]{Identity: func(c *counter) string { return c.ID }},
		Apply(func(c *counter, e counterOpened) {
			c.ID = e.ID
			c.Seen = append(c.Seen, "opened")
		}),
		Apply(func(c *counter, e incremented) {
			c.Value += e.By
			c.Seen = append(c.Seen, "incremented")
		}),
		Apply(func(c *counter, _ renamedEvent) { c.Seen = append(c.Seen, "renamed") }),
		Apply(func(c *counter, _ badEvent) { c.Seen = append(c.Seen, "bad") }),
	)
	require.NoError(t, err)
	return typ
}

func TestAggregateType(t *testing.T) {
	typ := newCounterType(t)
	require.Equal(t, "counter", typ.Name())
	require.Equal(t, "github.com/codewandler/esrc/core/es.counter", typ.SourceType())
	require.True(t, typ.Handles("incremented"))
	require.True(t, typ.Handles("counter.renamed"))
	require.False(t, typ.Handles("unappliedEvt"))
	require.Equal(t, []string{"badEvent", "counter.renamed", "counterOpened", "incremented"}, typ.Registry().Types())
}

func TestAggregateType_ConfigErrors(t *testing.T) {
	_, err := NewAggregateType(AggregateConfig[*counter]{})
	require.ErrorIs(t, err, ErrMissingIdentity)

	_, err = NewAggregateType(
		AggregateConfig[*counter]{Identity: func(c *counter) string { return c.ID }},
		Apply(func(c *counter, e incremented) {}),
		Apply(func(c *counter, e *incremented) {}),
	)
	require.ErrorIs(t, err, ErrDuplicateApplier)

	require.Panics(t, func() { MustAggregateType(AggregateConfig[*counter]{}) })

	// appliers would only ever see a copy
	_, err = NewAggregateType(
		AggregateConfig[counter]{Identity: func(c counter) string { return c.ID }},
		Apply(func(c counter, e incremented) { c.Value += e.By }),
	)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewAggregateType(AggregateConfig[map[string]int]{
		Identity: func(map[string]int) string { return "" },
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewAggregateType(AggregateConfig[map[string]int]{
		Identity: func(map[string]int) string { return "" },
		New:      func() map[string]int { return map[string]int{} },
	})
	require.NoError(t, err)
}

func TestAggregate_RestoreFromEvents(t *testing.T) {
	typ := newCounterType(t)

	history := []any{counterOpened{ID: "c1"}, incremented{By: 2}, &incremented{By: 3}}

	a := typ.New("c1")
	require.Equal(t, NoVersion, a.Version())
	require.NoError(t, a.RestoreFromEvents(history...))
	require.Equal(t, Version(2), a.Version())
	require.Equal(t, 5, a.Entity().Value)

	// deterministic
	b := typ.New("c1")
	require.NoError(t, b.RestoreFromEvents(history...))
	require.Equal(t, a.Entity(), b.Entity())
	require.Equal(t, a.Version(), b.Version())
}

func TestAggregate_RestoreSkipsUnknown(t *testing.T) {
	typ := newCounterType(t)
	a := typ.New("c1")

	require.NoError(t, a.RestoreFromEvents(
		counterOpened{ID: "c1"},
		unappliedEvt{},
		SkippedEvent{Type: "gone", Revision: 2, Err: ErrUnknownEventType},
		incremented{By: 1},
	))
	require.Equal(t, Version(3), a.Version())
	require.Equal(t, 1, a.Entity().Value)
	require.Equal(t, []string{"opened", "incremented"}, a.Entity().Seen)
}

func TestAggregate_RestoreWithPending(t *testing.T) {
	typ := newCounterType(t)
	a := typ.New("c1")
	require.NoError(t, a.Raise(counterOpened{ID: "c1"}))

	err := a.RestoreFromEvents(incremented{By: 1})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Len(t, a.Pending(), 1)
	require.Equal(t, NoVersion, a.Version())
}

func TestAggregate_RaiseAndTake(t *testing.T) {
	typ := newCounterType(t)
	a := typ.New("c1")

	require.NoError(t, a.Raise(counterOpened{ID: "c1"}))
	require.NoError(t, a.Raise(incremented{By: 4}))
	require.NoError(t, a.Raise(renamedEvent{}))
	require.Equal(t, NoVersion, a.Version(), "raise must not move the version")
	require.Equal(t, 4, a.Entity().Value)
	require.True(t, a.HasPending())

	events := a.TakeEvents()
	require.Equal(t, []any{counterOpened{ID: "c1"}, incremented{By: 4}, renamedEvent{}}, events)
	require.Equal(t, Version(2), a.Version())
	require.False(t, a.HasPending())

	require.Empty(t, a.TakeEvents())
	require.Equal(t, Version(2), a.Version())
}

func TestAggregate_RaiseRejects(t *testing.T) {
	typ := newCounterType(t)
	a := typ.New("c1")

	require.ErrorIs(t, a.Raise(unappliedEvt{}), ErrUnknownEventType)
	require.ErrorIs(t, a.Raise(nil), ErrInvalidArgument)
	require.ErrorIs(t, a.Raise(badEvent{Fail: true}), ErrInvalidArgument)
	require.False(t, a.HasPending())
	require.Empty(t, a.Entity().Seen)
}

func TestAggregate_UpdateWithEvents(t *testing.T) {
	typ := newCounterType(t)

	fresh := typ.New("c1")
	require.ErrorIs(t, fresh.UpdateWithEvents([]any{incremented{By: 1}}, NoVersion), ErrInvalidArgument)

	a := typ.New("c1")
	require.NoError(t, a.RestoreFromEvents(counterOpened{ID: "c1"}))

	require.ErrorIs(t, a.UpdateWithEvents([]any{incremented{By: 1}}, 3), ErrInvalidArgument)
	require.NoError(t, a.UpdateWithEvents([]any{incremented{By: 1}, incremented{By: 1}}, 0))
	require.Equal(t, Version(2), a.Version())
	require.Equal(t, 2, a.Entity().Value)

	require.NoError(t, a.Raise(incremented{By: 1}))
	require.ErrorIs(t, a.UpdateWithEvents([]any{incremented{By: 1}}, 2), ErrInvalidState)
}

func TestAggregate_SetSource(t *testing.T) {
	typ := newCounterType(t)

	tests := []struct {
		name string
		meta MessageMeta
		want Provenance
	}{
		{
			name: "root message",
			meta: MessageMeta{ID: "m1"},
			want: Provenance{CorrelationID: "m1", CausationID: "m1"},
		},
		{
			name: "caused message",
			meta: MessageMeta{ID: "m2", CorrelationID: "c1", CausationID: "m1"},
			want: Provenance{CorrelationID: "c1", CausationID: "m2"},
		},
		{
			name: "no id",
			meta: MessageMeta{CorrelationID: "c1", CausationID: "m1"},
			want: Provenance{CorrelationID: "c1", CausationID: "m1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := typ.New("c1")
			require.NoError(t, a.SetSource(tt.meta))
			require.Equal(t, tt.want, a.Provenance())
		})
	}

	a := typ.New("c1")
	require.NoError(t, a.Raise(counterOpened{ID: "c1"}))
	require.ErrorIs(t, a.SetSource(MessageMeta{ID: "m"}), ErrInvalidState)
}

func TestAggregate_ID(t *testing.T) {
	typ := newCounterType(t)
	a := typ.New("c1")
	require.Equal(t, "c1", a.ID())

	require.NoError(t, a.Raise(counterOpened{ID: "other"}))
	require.Equal(t, "other", a.ID())
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.Equal(t, []any{}, r.Drain())

	r.Record(1)
	r.Record(2)
	pending := r.Pending()
	pending[0] = 99
	require.Equal(t, []any{1, 2}, r.Pending())
	require.Equal(t, []any{1, 2}, r.Drain())
	require.Equal(t, 0, r.Len())
}
