package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a postgres server for the duration of the test and
// returns a pool connected to it.
func NewTestContainer(t Testing) *pgxpool.Pool {
	ctx := t.Context()
	pgC, err := tcpostgres.Run(
		ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("esrc"),
		tcpostgres.WithUsername("esrc"),
		tcpostgres.WithPassword("esrc"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	t.Logf("postgres dsn: %s", dsn)

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func testTableName(kind string) string {
	return "test_" + kind + "_" + strings.ToLower(gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10))
}

// NewTestEventLog creates an event log on its own table.
func NewTestEventLog(t Testing, pool *pgxpool.Pool) *EventLog {
	l, err := NewEventLog(t.Context(), EventLogConfig{
		Pool:         pool,
		Table:        testTableName("events"),
		PollInterval: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// NewTestCheckpoints creates a checkpoint store on its own table.
func NewTestCheckpoints(t Testing, pool *pgxpool.Pool) *Checkpoints {
	cp, err := NewCheckpoints(t.Context(), CheckpointsConfig{Pool: pool, Table: testTableName("cp")})
	require.NoError(t, err)
	return cp
}
