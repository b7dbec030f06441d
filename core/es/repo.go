package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SaveResult describes one persisted commit.
type SaveResult struct {
	CommitID string
	Stream   StreamDescriptor
	// Expected is the revision the append was checked against.
	Expected Version
	// Version is the aggregate version after the commit.
	Version  Version
	Events   []any
	Position Position
}

// Repository hydrates and persists aggregates of one type.
type Repository[E any] struct {
	typ     *AggregateType[E]
	log     EventLog
	naming  Naming
	reader  *Reader
	metrics ESMetrics
	logger  *slog.Logger
}

func NewRepository[E any](log EventLog, typ *AggregateType[E], opts ...RepositoryOption) *Repository[E] {
	options := newRepoOpts(opts...)
	return &Repository[E]{
		typ:    typ,
		log:    log,
		naming: options.naming,
		reader: NewReader(
			log,
			WithPageSize(options.pageSize),
			WithLog(options.log),
			WithMetrics(options.metrics),
		),
		metrics: options.metrics,
		logger:  options.log.With(slog.String("repo", typ.Name())),
	}
}

func (r *Repository[E]) Type() *AggregateType[E] { return r.typ }
func (r *Repository[E]) Naming() Naming          { return r.naming }

// Stream returns the aggregate stream for id.
func (r *Repository[E]) Stream(id string) StreamDescriptor {
	return r.naming.Aggregate(r.typ.Name(), id)
}

// Category returns the category stream of this aggregate type.
func (r *Repository[E]) Category() StreamDescriptor {
	return r.naming.Category(r.typ.Name())
}

// Load hydrates the aggregate with the given id. A stream that does not
// exist yields a fresh aggregate at NoVersion.
func (r *Repository[E]) Load(ctx context.Context, id string, opts ...LoadOption) (*Aggregate[E], error) {
	agg, _, err := r.hydrate(ctx, id, opts...)
	return agg, err
}

// GetByID hydrates the aggregate with the given id and fails with
// ErrAggregateNotFound if its stream does not exist.
func (r *Repository[E]) GetByID(ctx context.Context, id string, opts ...LoadOption) (*Aggregate[E], error) {
	agg, cur, err := r.hydrate(ctx, id, opts...)
	if err != nil {
		return nil, err
	}
	if cur.NoStream {
		return nil, fmt.Errorf("%w: %s: %w", ErrAggregateNotFound, r.Stream(id).Name(), ErrNoStream)
	}
	return agg, nil
}

func (r *Repository[E]) hydrate(ctx context.Context, id string, opts ...LoadOption) (*Aggregate[E], Cursor, error) {
	if id == "" {
		return nil, Cursor{}, fmt.Errorf("%w: %s id is empty", ErrMissingIdentity, r.typ.Name())
	}

	loadOpts := newLoadOpts(opts...)
	defer r.metrics.HydrateDuration(r.typ.Name()).ObserveDuration()

	var (
		agg    = r.typ.New(id)
		stream = r.Stream(id)
		count  = 0
	)
	if loadOpts.maxVersion >= 0 {
		count = int(loadOpts.maxVersion) + 1
	}

	cur, err := r.reader.Read(ctx, stream, 0, count, func(page []ReadEnvelope) error {
		events := make([]any, len(page))
		for i, env := range page {
			events[i] = r.typ.registry.DecodeOrSkip(env)
		}
		return agg.RestoreFromEvents(events...)
	})
	if err != nil {
		return nil, cur, fmt.Errorf("failed to load %s: %w", stream.Name(), err)
	}

	r.logger.Debug(
		"loaded",
		slog.Group("agg", slog.String("type", r.typ.Name()), slog.String("id", id)),
		agg.Version().SlogAttr(),
		slog.Bool("no_stream", cur.NoStream),
	)

	return agg, cur, nil
}

// Save appends the pending events of agg, checked against the version the
// aggregate had before they were taken. Encoding happens before anything is
// taken, so a failing event leaves the aggregate untouched.
//
// A concurrency conflict is returned as is. The aggregate is stale afterwards
// and must be loaded again.
func (r *Repository[E]) Save(ctx context.Context, agg *Aggregate[E]) (SaveResult, error) {
	if !agg.HasPending() {
		return SaveResult{Expected: agg.Version(), Version: agg.Version(), Position: NoPosition}, nil
	}

	id, err := r.resolveID(agg)
	if err != nil {
		return SaveResult{}, err
	}

	defer r.metrics.SaveDuration(r.typ.Name()).ObserveDuration()

	var (
		stream   = r.Stream(id)
		commitID = uuid.NewString()
		prov     = agg.Provenance()
		now      = time.Now().UTC()
	)

	meta, err := Metadata{
		CommitID:      commitID,
		SourceType:    r.typ.SourceType(),
		CorrelationID: prov.CorrelationID,
		CausationID:   prov.CausationID,
	}.Marshal()
	if err != nil {
		return SaveResult{}, fmt.Errorf("%w: metadata: %w", ErrEncodeEvent, err)
	}

	pending := agg.Pending()
	envelopes := make([]WriteEnvelope, 0, len(pending))
	for _, ev := range pending {
		eventType, data, err := EncodeEvent(ev)
		if err != nil {
			return SaveResult{}, err
		}
		envelopes = append(envelopes, WriteEnvelope{
			ID:         uuid.NewString(),
			Type:       eventType,
			Data:       data,
			Metadata:   meta,
			OccurredAt: now,
		})
	}

	expected := agg.Version()
	events := agg.TakeEvents()

	log := r.logger.With(
		slog.Group("agg", slog.String("type", r.typ.Name()), slog.String("id", id)),
		expected.SlogAttrWithKey("expected"),
		slog.String("commit_id", commitID),
	)

	t := r.metrics.AppendDuration(r.typ.Name())
	res, err := r.log.Append(ctx, stream, expected, envelopes)
	t.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(r.typ.Name())
			log.Debug("conflict", slog.Any("error", err))
		}
		return SaveResult{}, err
	}

	r.metrics.EventsAppended(r.typ.Name(), len(events))
	log.Debug("saved", slog.Int("num_events", len(events)), agg.Version().SlogAttr())

	return SaveResult{
		CommitID: commitID,
		Stream:   stream,
		Expected: expected,
		Version:  agg.Version(),
		Events:   events,
		Position: res.Position,
	}, nil
}

func (r *Repository[E]) resolveID(agg *Aggregate[E]) (string, error) {
	entityID := r.typ.IdentityOf(agg.Entity())
	switch {
	case entityID == "" && agg.id == "":
		return "", fmt.Errorf("%w: %s has no identity", ErrMissingIdentity, r.typ.Name())
	case entityID == "":
		return agg.id, nil
	case agg.id != "" && entityID != agg.id:
		return "", fmt.Errorf("%w: %s was loaded as %q but identifies as %q", ErrInvalidState, r.typ.Name(), agg.id, entityID)
	}
	return entityID, nil
}
