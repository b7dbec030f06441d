package es

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codewandler/esrc/ports/kv"
)

// CheckpointStore persists the last processed position per subscription name.
type CheckpointStore interface {
	// Load fails with ErrCheckpointNotFound if nothing was saved under name.
	Load(ctx context.Context, name string) (Position, error)
	Save(ctx context.Context, name string, pos Position) error
}

type checkpointRecord struct {
	Position  Position  `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KVCheckpoints stores checkpoints as JSON records in a key/value store.
type KVCheckpoints struct {
	store  kv.Store
	prefix string
}

func NewKVCheckpoints(store kv.Store) *KVCheckpoints {
	return &KVCheckpoints{store: store, prefix: "cp."}
}

// NewMemoryCheckpoints keeps checkpoints in process memory.
func NewMemoryCheckpoints() *KVCheckpoints { return NewKVCheckpoints(kv.NewMemStore()) }

func (c *KVCheckpoints) key(name string) string {
	return c.prefix + strings.NewReplacer(" ", "_", "*", "_", ">", "_", ":", "-").Replace(name)
}

func (c *KVCheckpoints) Load(ctx context.Context, name string) (Position, error) {
	rec, err := kv.Get[checkpointRecord](ctx, c.store, c.key(name))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return NoPosition, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
		}
		return NoPosition, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	return rec.Position, nil
}

func (c *KVCheckpoints) Save(ctx context.Context, name string, pos Position) error {
	rec := checkpointRecord{Position: pos, UpdatedAt: time.Now().UTC()}
	if err := kv.Put(ctx, c.store, c.key(name), rec); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	return nil
}

var _ CheckpointStore = (*KVCheckpoints)(nil)
