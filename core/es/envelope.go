package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is stored next to every event. The JSON keys are a stable contract
// shared by all backends.
type Metadata struct {
	CommitID      string `json:"commit_id"`
	SourceType    string `json:"source_type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

func (m Metadata) Marshal() ([]byte, error) { return json.Marshal(m) }

func (m Metadata) Provenance() Provenance {
	return Provenance{CorrelationID: m.CorrelationID, CausationID: m.CausationID}
}

// WriteEnvelope is one event on its way into the log.
type WriteEnvelope struct {
	ID         string
	Type       string
	Data       []byte
	Metadata   []byte
	OccurredAt time.Time
}

func (e WriteEnvelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: envelope id is empty", ErrInvalidArgument)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: envelope type is empty", ErrInvalidArgument)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: envelope occurred at is zero", ErrInvalidArgument)
	}
	return nil
}

// ReadEnvelope is one event as read back from a stream.
type ReadEnvelope struct {
	ID         string
	Type       string
	Data       []byte
	Metadata   []byte
	Stream     string    // aggregate stream the event was appended to
	Revision   Version   // revision inside Stream
	Position   Position  // position inside the stream being read
	OccurredAt time.Time
}

// Meta decodes the metadata. Envelopes without metadata yield the zero value.
func (e ReadEnvelope) Meta() (Metadata, error) {
	var m Metadata
	if len(e.Metadata) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return m, fmt.Errorf("%w: metadata of %s: %w", ErrDecodeEvent, e.ID, err)
	}
	return m, nil
}
