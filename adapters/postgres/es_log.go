package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codewandler/esrc/core/es"
)

const (
	dialectPostgres = "postgres"

	pgUniqueViolation = "23505"

	defaultPollInterval = time.Second
)

type EventLogConfig struct {
	Pool *pgxpool.Pool
	Log  *slog.Logger
	// Table holding the events (default "es_events"). It is created on start.
	Table string
	// PollInterval re-reads subscribed streams even without a notification
	// (default 1s).
	PollInterval time.Duration
	PageSize     int
}

// EventLog keeps all events in one table. Aggregate streams are addressed
// by stream name and revision, category and event type streams by the
// global position of the table. Appends are serialised by a transaction
// scoped advisory lock, so global positions become visible in order.
//
// Committed appends are announced with NOTIFY on a channel named after the
// table; feeds wake up on notifications and poll as a fallback.
type EventLog struct {
	pool     *pgxpool.Pool
	log      *slog.Logger
	table    string
	dialect  goqu.DialectWrapper
	poll     time.Duration
	pageSize int
	changed  *es.Broadcast

	cancel    context.CancelFunc
	done      chan struct{}
	listening chan struct{}
	onListen  sync.Once
}

// NewEventLog ensures the events table and starts listening for appends.
func NewEventLog(ctx context.Context, cfg EventLogConfig) (*EventLog, error) {
	if cfg.Pool == nil {
		return nil, errors.New("pool is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	table := cfg.Table
	if table == "" {
		table = defaultEventsTable
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	if err := EnsureEventsTable(ctx, cfg.Pool, table); err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	l := &EventLog{
		pool:     cfg.Pool,
		log:      log.With(slog.String("log", "postgres"), slog.String("table", table)),
		table:    table,
		dialect:  goqu.Dialect(dialectPostgres),
		poll:     poll,
		pageSize: cfg.PageSize,
		changed:  es.NewBroadcast(),
		cancel:   cancel,
		done:     make(chan struct{}),

		listening: make(chan struct{}),
	}
	go l.listen(listenCtx)

	return l, nil
}

// Close stops listening for notifications. The pool is owned by the caller.
func (l *EventLog) Close() {
	l.cancel()
	<-l.done
}

func (l *EventLog) channel() string { return l.table }

// listen forwards notifications to waiting feeds until ctx ends, reconnecting
// after failures.
func (l *EventLog) listen(ctx context.Context) {
	defer close(l.done)

	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("listener failed, reconnecting", slog.Any("error", err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.poll):
		}
	}
}

func (l *EventLog) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ident(l.channel())); err != nil {
		return err
	}
	defer func() {
		// the connection goes back to the pool
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+ident(l.channel()))
	}()

	l.log.Debug("listening")
	l.onListen.Do(func() { close(l.listening) })
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		l.changed.Notify()
	}
}

// === Append ===

func (l *EventLog) Append(
	ctx context.Context,
	stream es.StreamDescriptor,
	expected es.Version,
	events []es.WriteEnvelope,
) (es.AppendResult, error) {
	if err := es.CheckAppend(stream, expected, events); err != nil {
		return es.AppendResult{}, err
	}

	rows := make([]any, len(events))
	for i, e := range events {
		meta := es.ReadEnvelope{ID: e.ID, Metadata: e.Metadata}
		md, err := meta.Meta()
		if err != nil {
			return es.AppendResult{}, err
		}
		rows[i] = goqu.Record{
			colStream:     stream.Name(),
			colCategory:   stream.Category(),
			colEventType:  e.Type,
			colRevision:   (expected + 1 + es.Version(i)).Int64(),
			colEventID:    e.ID,
			colCommitID:   md.CommitID,
			colOccurredAt: e.OccurredAt,
			colPayload:    e.Data,
			colMetadata:   e.Metadata,
		}
	}

	insertSQL, insertArgs, err := l.dialect.
		Insert(l.table).
		Rows(rows...).
		Returning(goqu.C(colPosition)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to build insert: %w", err)
	}

	headSQL, headArgs, err := l.dialect.
		From(l.table).
		Select(goqu.COALESCE(goqu.MAX(colRevision), -1)).
		Where(goqu.C(colStream).Eq(stream.Name())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to build head query: %w", err)
	}

	var last es.Position
	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", l.table); err != nil {
			return err
		}

		var head int64
		if err := tx.QueryRow(ctx, headSQL, headArgs...).Scan(&head); err != nil {
			return err
		}
		if es.Version(head) != expected {
			return es.ConflictError(stream, expected, es.Version(head))
		}

		res, err := tx.Query(ctx, insertSQL, insertArgs...)
		if err != nil {
			return err
		}
		positions, err := pgx.CollectRows(res, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		last = es.Position(positions[len(positions)-1])

		_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", l.channel(), stream.Name())
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return es.AppendResult{}, fmt.Errorf("%w: %s: %s", es.ErrConcurrencyConflict, stream.Name(), pgErr.Detail)
		}
		if errors.Is(err, es.ErrConcurrencyConflict) {
			return es.AppendResult{}, err
		}
		return es.AppendResult{}, fmt.Errorf("failed to append to %s: %w", stream.Name(), err)
	}

	l.log.Debug(
		"append",
		slog.String("stream", stream.Name()),
		expected.SlogAttrWithKey("expected"),
		slog.Int("num_events", len(events)),
		last.SlogAttr(),
	)

	return es.AppendResult{
		NextExpectedVersion: expected + es.Version(len(events)),
		Position:            last,
	}, nil
}

// === Read ===

// filterFor returns the rows of stream and the column its positions live in.
func (l *EventLog) filterFor(stream es.StreamDescriptor) (exp.Expression, string) {
	switch stream.Kind() {
	case es.StreamAggregate:
		return goqu.C(colStream).Eq(stream.Name()), colRevision
	case es.StreamCategory:
		return goqu.C(colCategory).Eq(stream.Category()), colPosition
	default:
		return goqu.C(colEventType).Eq(stream.Logical()), colPosition
	}
}

func (l *EventLog) Read(
	ctx context.Context,
	stream es.StreamDescriptor,
	start es.Position,
	count int,
) (es.ReadResult, error) {
	filter, posCol := l.filterFor(stream)

	q := l.dialect.
		From(l.table).
		Select(
			colPosition, colStream, colEventType, colRevision, colEventID,
			colOccurredAt, colPayload, colMetadata,
		).
		Prepared(true)

	backward := stream.Direction() == es.Backward
	if backward {
		q = q.Where(filter, goqu.C(posCol).Lte(start.Int64())).Order(goqu.C(posCol).Desc())
	} else {
		q = q.Where(filter, goqu.C(posCol).Gte(max(start, 0).Int64())).Order(goqu.C(posCol).Asc())
	}
	if count > 0 {
		// one more to learn whether the end was reached
		q = q.Limit(uint(count) + 1)
	}

	query, args, err := q.ToSQL()
	if err != nil {
		return es.ReadResult{}, fmt.Errorf("failed to build read: %w", err)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return es.ReadResult{}, fmt.Errorf("failed to read %s: %w", stream.Name(), err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (es.ReadEnvelope, error) {
		var (
			env      es.ReadEnvelope
			global   int64
			revision int64
		)
		err := row.Scan(&global, &env.Stream, &env.Type, &revision, &env.ID, &env.OccurredAt, &env.Data, &env.Metadata)
		env.Revision = es.Version(revision)
		env.Position = es.Position(global)
		if stream.Kind() == es.StreamAggregate {
			env.Position = es.Position(revision)
		}
		env.OccurredAt = env.OccurredAt.UTC()
		return env, err
	})
	if err != nil {
		return es.ReadResult{}, fmt.Errorf("failed to read %s: %w", stream.Name(), err)
	}

	if len(events) == 0 {
		exists, err := l.exists(ctx, filter)
		if err != nil {
			return es.ReadResult{}, err
		}
		return es.ReadResult{Next: start, EndOfStream: exists, NoStream: !exists}, nil
	}

	res := es.ReadResult{Events: events, EndOfStream: true}
	if count > 0 && len(events) > count {
		res.Events = events[:count]
		res.EndOfStream = false
	}

	lastPos := res.Events[len(res.Events)-1].Position
	if backward {
		res.Next = lastPos - 1
	} else {
		res.Next = lastPos + 1
	}
	return res, nil
}

func (l *EventLog) exists(ctx context.Context, filter exp.Expression) (bool, error) {
	query, args, err := l.dialect.
		From(l.table).
		Select(goqu.L("1")).
		Where(filter).
		Limit(1).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}
	var one int
	err = l.pool.QueryRow(ctx, query, args...).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// === Subscribe ===

func (l *EventLog) Subscribe(
	ctx context.Context,
	stream es.StreamDescriptor,
	from es.Position,
	fn es.EventFunc,
) (es.Feed, error) {
	forward := stream.WithDirection(es.Forward)
	probe, err := l.Read(ctx, forward, 0, 1)
	if err != nil {
		return nil, err
	}
	if probe.NoStream {
		return nil, es.ErrNoStream
	}

	return es.StartCatchUpFeed(ctx, es.CatchUpConfig{
		Stream: forward,
		Read: func(ctx context.Context, from es.Position, count int) (es.ReadResult, error) {
			return l.Read(ctx, forward, from, count)
		},
		Wake:         l.changed.Wait,
		PollInterval: l.poll,
		PageSize:     l.pageSize,
		Log:          l.log,
	}, from, fn), nil
}

var _ es.EventLog = (*EventLog)(nil)
