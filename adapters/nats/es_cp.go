package nats

import (
	"github.com/codewandler/esrc/core/es"
)

type CheckpointsConfig struct {
	Connect Connector
	Bucket  string // Bucket of the key/value store (default "esrc_checkpoints")
}

// NewCheckpoints stores subscription checkpoints in a JetStream key/value
// bucket.
func NewCheckpoints(cfg CheckpointsConfig) (*es.KVCheckpoints, *KvStore, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "esrc_checkpoints"
	}
	store, err := NewKvStore(KvConfig{Connect: cfg.Connect, Bucket: bucket})
	if err != nil {
		return nil, nil, err
	}
	return es.NewKVCheckpoints(store), store, nil
}
