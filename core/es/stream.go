package es

import "fmt"

type StreamKind uint8

const (
	// StreamAggregate holds the events of one aggregate instance.
	StreamAggregate StreamKind = iota + 1
	// StreamCategory holds the events of all instances of an aggregate type.
	StreamCategory
	// StreamEventType holds all events of one event type.
	StreamEventType
)

func (k StreamKind) String() string {
	switch k {
	case StreamAggregate:
		return "aggregate"
	case StreamCategory:
		return "category"
	case StreamEventType:
		return "event_type"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

type Direction uint8

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

const (
	categoryStreamPrefix  = "$ce-"
	eventTypeStreamPrefix = "$et-"
)

// StreamDescriptor identifies a stream and how it is read. It is a value and
// never changes once built; the With* methods return modified copies.
type StreamDescriptor struct {
	kind       StreamKind
	logical    string
	name       string
	category   string
	id         string
	direction  Direction
	subscribed bool
}

func (s StreamDescriptor) Kind() StreamKind     { return s.kind }
func (s StreamDescriptor) Name() string         { return s.name }
func (s StreamDescriptor) Logical() string      { return s.logical }
func (s StreamDescriptor) Direction() Direction { return s.direction }
func (s StreamDescriptor) Subscribed() bool     { return s.subscribed }
func (s StreamDescriptor) String() string       { return s.name }

// Category returns the prefixed entity type name for aggregate and category
// streams.
func (s StreamDescriptor) Category() string { return s.category }

// ID returns the aggregate identity for aggregate streams.
func (s StreamDescriptor) ID() string { return s.id }

func (s StreamDescriptor) WithDirection(d Direction) StreamDescriptor {
	s.direction = d
	return s
}

func (s StreamDescriptor) AsSubscribed() StreamDescriptor {
	s.subscribed = true
	return s
}

func (s StreamDescriptor) IsZero() bool { return s.kind == 0 }

// Naming builds stream descriptors. The optional Prefix namespaces entity
// types, it is never applied to event type streams.
type Naming struct {
	Prefix string
}

func (n Naming) category(entityType string) string {
	if n.Prefix == "" {
		return entityType
	}
	return n.Prefix + "." + entityType
}

// Aggregate names the stream "{prefix.}{Type}-{id}".
func (n Naming) Aggregate(entityType, id string) StreamDescriptor {
	cat := n.category(entityType)
	return StreamDescriptor{
		kind:     StreamAggregate,
		logical:  entityType,
		name:     cat + "-" + id,
		category: cat,
		id:       id,
	}
}

// Category names the stream "$ce-{prefix.}{Type}".
func (n Naming) Category(entityType string) StreamDescriptor {
	cat := n.category(entityType)
	return StreamDescriptor{
		kind:     StreamCategory,
		logical:  entityType,
		name:     categoryStreamPrefix + cat,
		category: cat,
	}
}

// EventType names the stream "$et-{EventType}".
func (n Naming) EventType(eventType string) StreamDescriptor {
	return StreamDescriptor{
		kind:    StreamEventType,
		logical: eventType,
		name:    eventTypeStreamPrefix + eventType,
	}
}

// CategoryStream returns the category stream an aggregate stream feeds.
func (s StreamDescriptor) CategoryStream() StreamDescriptor {
	return StreamDescriptor{
		kind:     StreamCategory,
		logical:  s.logical,
		name:     categoryStreamPrefix + s.category,
		category: s.category,
	}
}
