package es

// MessageMeta identifies a message and its place in a causal chain.
// Commands embed it to carry provenance into the events they produce.
type MessageMeta struct {
	ID            string `json:"id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

func (m MessageMeta) Meta() MessageMeta { return m }

// Message is implemented by anything carrying MessageMeta, usually by
// embedding it.
type Message interface {
	Meta() MessageMeta
}

// Provenance is the correlation and causation pair stamped on every event an
// aggregate persists.
type Provenance struct {
	CorrelationID string
	CausationID   string
}

func (p Provenance) IsZero() bool { return p.CorrelationID == "" && p.CausationID == "" }

// provenanceOf derives the provenance for events caused by msg. The message
// itself becomes the cause; the correlation id is inherited or started.
func provenanceOf(msg Message) Provenance {
	m := msg.Meta()
	p := Provenance{
		CorrelationID: m.CorrelationID,
		CausationID:   m.ID,
	}
	if p.CorrelationID == "" {
		p.CorrelationID = m.ID
	}
	if p.CausationID == "" {
		p.CausationID = m.CausationID
	}
	return p
}
