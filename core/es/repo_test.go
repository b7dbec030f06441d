package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type unencodable struct {
	C chan int
}

func TestReader_Pages(t *testing.T) {
	var (
		ctx    = t.Context()
		m      = NewMemoryLog()
		stream = Naming{}.Aggregate("counter", "c1")
	)

	events := []any{counterOpened{ID: "c1"}}
	for range 6 {
		events = append(events, incremented{By: 1})
	}
	_, err := m.Append(ctx, stream, NoVersion, writeEnvelopes(t, events...))
	require.NoError(t, err)

	r := NewReader(m, WithPageSize(3))
	require.Equal(t, 3, r.PageSize())

	var pages []int
	cur, err := r.Read(ctx, stream, 0, 0, func(page []ReadEnvelope) error {
		pages = append(pages, len(page))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{3, 3, 1}, pages)
	require.Equal(t, 7, cur.Read)
	require.True(t, cur.EndOfStream)
	require.False(t, cur.NoStream)
	require.Equal(t, Position(7), cur.Next)

	pages = nil
	cur, err = r.Read(ctx, stream, 2, 4, func(page []ReadEnvelope) error {
		pages = append(pages, len(page))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{3, 1}, pages)
	require.Equal(t, 4, cur.Read)
	require.Equal(t, Position(6), cur.Next)

	boom := errors.New("boom")
	_, err = r.Read(ctx, stream, 0, 0, func([]ReadEnvelope) error { return boom })
	require.ErrorIs(t, err, boom)

	cur, err = r.Read(ctx, Naming{}.Aggregate("counter", "missing"), 0, 0, func([]ReadEnvelope) error {
		t.Fatal("no pages expected")
		return nil
	})
	require.NoError(t, err)
	require.True(t, cur.NoStream)
}

func TestRepository_SaveAndGet(t *testing.T) {
	var (
		ctx  = t.Context()
		m    = NewMemoryLog()
		repo = NewRepository(m, newCounterType(t), WithPageSize(2), WithPrefix("test"))
	)

	_, err := repo.GetByID(ctx, "c1")
	require.ErrorIs(t, err, ErrAggregateNotFound)
	require.ErrorIs(t, err, ErrNoStream)

	a, err := repo.Load(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, NoVersion, a.Version())

	require.NoError(t, a.SetSource(MessageMeta{ID: "cmd-1", CorrelationID: "corr-1"}))
	require.NoError(t, a.Raise(counterOpened{ID: "c1"}))
	require.NoError(t, a.Raise(incremented{By: 5}))

	res, err := repo.Save(ctx, a)
	require.NoError(t, err)
	require.NotEmpty(t, res.CommitID)
	require.Equal(t, NoVersion, res.Expected)
	require.Equal(t, Version(1), res.Version)
	require.Equal(t, Version(1), a.Version())
	require.Len(t, res.Events, 2)
	require.Equal(t, "test.counter-c1", res.Stream.Name())

	loaded, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, Version(1), loaded.Version())
	require.Equal(t, 5, loaded.Entity().Value)
	require.Equal(t, "c1", loaded.Entity().ID)

	// metadata is shared by the commit
	rr, err := m.Read(ctx, repo.Stream("c1"), 0, 0)
	require.NoError(t, err)
	require.Len(t, rr.Events, 2)
	require.NotEqual(t, rr.Events[0].ID, rr.Events[1].ID)
	for _, env := range rr.Events {
		meta, err := env.Meta()
		require.NoError(t, err)
		require.Equal(t, Metadata{
			CommitID:      res.CommitID,
			SourceType:    "github.com/codewandler/esrc/core/es.counter",
			CorrelationID: "corr-1",
			CausationID:   "cmd-1",
		}, meta)
	}

	// nothing pending, nothing written
	res, err = repo.Save(ctx, loaded)
	require.NoError(t, err)
	require.Empty(t, res.CommitID)
	require.Equal(t, Version(1), res.Version)
}

func TestRepository_StaleAppend(t *testing.T) {
	var (
		ctx  = t.Context()
		repo = NewRepository(NewMemoryLog(), newCounterType(t))
	)

	a, err := repo.Load(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, a.Raise(counterOpened{ID: "c1"}))
	_, err = repo.Save(ctx, a)
	require.NoError(t, err)

	first, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, first.Raise(incremented{By: 1}))
	_, err = repo.Save(ctx, first)
	require.NoError(t, err)

	require.NoError(t, second.Raise(incremented{By: 2}))
	_, err = repo.Save(ctx, second)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	fresh, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, fresh.Entity().Value)
	require.Equal(t, Version(1), fresh.Version())
}

func TestRepository_EncodeFailureKeepsPending(t *testing.T) {
	var (
		ctx = t.Context()
		typ = MustAggregateType(
			AggregateConfig[*counter]{Identity: func(c *counter) string { return c.ID }},
			Apply(func(c *counter, e counterOpened) { c.ID = e.ID }),
			Apply(func(c *counter, e unencodable) {}),
		)
		m    = NewMemoryLog()
		repo = NewRepository(m, typ)
	)

	a := typ.New("c1")
	require.NoError(t, a.Raise(counterOpened{ID: "c1"}))
	require.NoError(t, a.Raise(unencodable{C: make(chan int)}))

	_, err := repo.Save(ctx, a)
	require.ErrorIs(t, err, ErrEncodeEvent)
	require.Len(t, a.Pending(), 2)
	require.Equal(t, NoVersion, a.Version())

	res, err := m.Read(ctx, repo.Stream("c1"), 0, 0)
	require.NoError(t, err)
	require.True(t, res.NoStream)
}

func TestRepository_MissingIdentity(t *testing.T) {
	repo := NewRepository(NewMemoryLog(), newCounterType(t))

	_, err := repo.Load(t.Context(), "")
	require.ErrorIs(t, err, ErrMissingIdentity)

	a := repo.Type().New("")
	require.NoError(t, a.Raise(incremented{By: 1}))
	_, err = repo.Save(t.Context(), a)
	require.ErrorIs(t, err, ErrMissingIdentity)
}

func TestRepository_MaxVersion(t *testing.T) {
	var (
		ctx  = t.Context()
		repo = NewRepository(NewMemoryLog(), newCounterType(t), WithPageSize(2))
	)

	a := repo.Type().New("c1")
	require.NoError(t, a.Raise(counterOpened{ID: "c1"}))
	for range 5 {
		require.NoError(t, a.Raise(incremented{By: 1}))
	}
	_, err := repo.Save(ctx, a)
	require.NoError(t, err)

	at, err := repo.GetByID(ctx, "c1", WithMaxVersion(2))
	require.NoError(t, err)
	require.Equal(t, Version(2), at.Version())
	require.Equal(t, 2, at.Entity().Value)

	at, err = repo.GetByID(ctx, "c1", WithMaxVersion(100))
	require.NoError(t, err)
	require.Equal(t, Version(5), at.Version())
}

func TestRepository_UndecodableEventKeepsVersion(t *testing.T) {
	var (
		ctx    = t.Context()
		m      = NewMemoryLog()
		repo   = NewRepository(m, newCounterType(t))
		stream = repo.Stream("c1")
	)

	envs := writeEnvelopes(t, counterOpened{ID: "c1"}, incremented{By: 1})
	envs[1].Data = []byte("{not json")
	_, err := m.Append(ctx, stream, NoVersion, envs)
	require.NoError(t, err)
	_, err = m.Append(ctx, stream, 1, writeEnvelopes(t, incremented{By: 3}))
	require.NoError(t, err)

	a, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, Version(2), a.Version())
	require.Equal(t, 3, a.Entity().Value)
}
