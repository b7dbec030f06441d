package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codewandler/esrc/core/es"
)

const colCheckpointPosition = "position"

type CheckpointsConfig struct {
	Pool  *pgxpool.Pool
	Table string // default "es_checkpoints"
}

// Checkpoints keeps one row per subscription name.
type Checkpoints struct {
	pool    *pgxpool.Pool
	table   string
	dialect goqu.DialectWrapper
}

func NewCheckpoints(ctx context.Context, cfg CheckpointsConfig) (*Checkpoints, error) {
	if cfg.Pool == nil {
		return nil, errors.New("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultCheckpointsTable
	}
	if err := EnsureCheckpointsTable(ctx, cfg.Pool, table); err != nil {
		return nil, err
	}
	return &Checkpoints{pool: cfg.Pool, table: table, dialect: goqu.Dialect(dialectPostgres)}, nil
}

func (c *Checkpoints) Load(ctx context.Context, name string) (es.Position, error) {
	query, args, err := c.dialect.
		From(c.table).
		Select(colCheckpointPosition).
		Where(goqu.C(colName).Eq(name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return es.NoPosition, err
	}

	var pos int64
	err = c.pool.QueryRow(ctx, query, args...).Scan(&pos)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return es.NoPosition, fmt.Errorf("%w: %s", es.ErrCheckpointNotFound, name)
	case err != nil:
		return es.NoPosition, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	return es.Position(pos), nil
}

func (c *Checkpoints) Save(ctx context.Context, name string, pos es.Position) error {
	now := time.Now().UTC()
	query, args, err := c.dialect.
		Insert(c.table).
		Rows(goqu.Record{
			colName:               name,
			colCheckpointPosition: pos.Int64(),
			colUpdatedAt:          now,
		}).
		OnConflict(goqu.DoUpdate(colName, goqu.Record{
			colCheckpointPosition: pos.Int64(),
			colUpdatedAt:          now,
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	return nil
}

var _ es.CheckpointStore = (*Checkpoints)(nil)
