package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultEventsTable      = "es_events"
	defaultCheckpointsTable = "es_checkpoints"
)

const (
	colPosition   = "global_position"
	colStream     = "stream_name"
	colCategory   = "category"
	colEventType  = "event_type"
	colRevision   = "revision"
	colEventID    = "event_id"
	colCommitID   = "commit_id"
	colOccurredAt = "occurred_at"
	colPayload    = "payload"
	colMetadata   = "metadata"

	colName      = "name"
	colUpdatedAt = "updated_at"
)

const eventsDDL = `
CREATE TABLE IF NOT EXISTS {{table}} (
	global_position BIGSERIAL PRIMARY KEY,
	stream_name     TEXT        NOT NULL,
	category        TEXT        NOT NULL,
	event_type      TEXT        NOT NULL,
	revision        BIGINT      NOT NULL,
	event_id        TEXT        NOT NULL UNIQUE,
	commit_id       TEXT        NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL,
	payload         BYTEA,
	metadata        BYTEA,
	UNIQUE (stream_name, revision)
);
CREATE INDEX IF NOT EXISTS {{index_category}} ON {{table}} (category, global_position);
CREATE INDEX IF NOT EXISTS {{index_type}} ON {{table}} (event_type, global_position);
`

const checkpointsDDL = `
CREATE TABLE IF NOT EXISTS {{table}} (
	name       TEXT        PRIMARY KEY,
	position   BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

// EnsureEventsTable creates the events table and its indexes if missing.
func EnsureEventsTable(ctx context.Context, pool *pgxpool.Pool, table string) error {
	ddl := strings.NewReplacer(
		"{{table}}", ident(table),
		"{{index_category}}", ident(table+"_category_idx"),
		"{{index_type}}", ident(table+"_type_idx"),
	).Replace(eventsDDL)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	return nil
}

// EnsureCheckpointsTable creates the checkpoints table if missing.
func EnsureCheckpointsTable(ctx context.Context, pool *pgxpool.Pool, table string) error {
	ddl := strings.ReplaceAll(checkpointsDDL, "{{table}}", ident(table))
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	return nil
}
