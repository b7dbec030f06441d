package es

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrc/ports/kv"
)

func TestKVCheckpoints(t *testing.T) {
	var (
		ctx   = t.Context()
		store = kv.NewMemStore()
		cps   = NewKVCheckpoints(store)
	)

	pos, err := cps.Load(ctx, "balances")
	require.ErrorIs(t, err, ErrCheckpointNotFound)
	require.Equal(t, NoPosition, pos)

	require.NoError(t, cps.Save(ctx, "balances", 41))
	require.NoError(t, cps.Save(ctx, "balances", 42))
	require.NoError(t, cps.Save(ctx, "audit log", 7))

	pos, err = cps.Load(ctx, "balances")
	require.NoError(t, err)
	require.Equal(t, Position(42), pos)

	pos, err = cps.Load(ctx, "audit log")
	require.NoError(t, err)
	require.Equal(t, Position(7), pos)

	_, err = store.Get(ctx, "cp.audit_log")
	require.NoError(t, err)
}
