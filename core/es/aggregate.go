package es

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/codewandler/esrc/core/reflector"
)

// Applier binds one event type to the function folding it into an entity.
type Applier[E any] struct {
	eventType string
	register  func(*EventRegistry) (string, error)
	apply     func(E, any) error
}

// Apply creates an Applier for events of type T.
func Apply[E, T any](fn func(entity E, event T)) Applier[E] {
	return Applier[E]{
		eventType: EventTypeFor[T](),
		register:  RegisterEvent[T],
		apply: func(entity E, ev any) error {
			switch v := ev.(type) {
			case T:
				fn(entity, v)
			case *T:
				fn(entity, *v)
			default:
				return fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
			}
			return nil
		},
	}
}

// AggregateConfig describes an aggregate type.
type AggregateConfig[E any] struct {
	// Name is the entity type name used in stream names. Defaults to the Go
	// type name of E.
	Name string
	// New creates an empty entity. Defaults to allocating the value E points
	// to. E must be a pointer; maps and interfaces are accepted with New set.
	New func() E
	// Identity returns the identity field of an entity. Required.
	Identity func(E) string
	Log      *slog.Logger
}

// AggregateType is the definition shared by all instances of one kind of
// aggregate: naming, construction, identity and the apply dispatch table.
// It is immutable once built.
type AggregateType[E any] struct {
	name     string
	source   string
	newFn    func() E
	identity func(E) string
	appliers map[string]func(E, any) error
	registry *EventRegistry
	log      *slog.Logger
}

func NewAggregateType[E any](cfg AggregateConfig[E], appliers ...Applier[E]) (*AggregateType[E], error) {
	ti := reflector.TypeInfoFor[E]()

	if cfg.Identity == nil {
		return nil, fmt.Errorf("%w: aggregate %s has no identity accessor", ErrMissingIdentity, ti.Name)
	}

	// appliers mutate the entity in place, so E must be a reference
	switch kind := reflect.TypeFor[E]().Kind(); {
	case kind == reflect.Pointer:
	case (kind == reflect.Map || kind == reflect.Interface) && cfg.New != nil:
	default:
		return nil, fmt.Errorf("%w: aggregate %s: entity must be a pointer, got %s", ErrInvalidArgument, ti.Name, kind)
	}

	name := cfg.Name
	if name == "" {
		name = ti.Short
	}

	newFn := cfg.New
	if newFn == nil {
		newFn = zeroFactory[E]()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	t := &AggregateType[E]{
		name:     name,
		source:   ti.Name,
		newFn:    newFn,
		identity: cfg.Identity,
		appliers: make(map[string]func(E, any) error, len(appliers)),
		registry: NewEventRegistry(),
		log:      log.With(slog.String("aggregate", name)),
	}

	for _, a := range appliers {
		if _, ok := t.appliers[a.eventType]; ok {
			return nil, fmt.Errorf("%w: %s on aggregate %s", ErrDuplicateApplier, a.eventType, name)
		}
		if _, err := a.register(t.registry); err != nil {
			return nil, err
		}
		t.appliers[a.eventType] = a.apply
	}

	return t, nil
}

// MustAggregateType is like NewAggregateType but panics on configuration errors.
func MustAggregateType[E any](cfg AggregateConfig[E], appliers ...Applier[E]) *AggregateType[E] {
	t, err := NewAggregateType(cfg, appliers...)
	if err != nil {
		panic(err)
	}
	return t
}

func zeroFactory[E any]() func() E {
	rt := reflect.TypeFor[E]().Elem()
	return func() E { return reflect.New(rt).Interface().(E) }
}

func (t *AggregateType[E]) Name() string              { return t.name }
func (t *AggregateType[E]) SourceType() string        { return t.source }
func (t *AggregateType[E]) Registry() *EventRegistry  { return t.registry }
func (t *AggregateType[E]) IdentityOf(entity E) string { return t.identity(entity) }

// Handles reports whether the dispatch table has an applier for eventType.
func (t *AggregateType[E]) Handles(eventType string) bool {
	_, ok := t.appliers[eventType]
	return ok
}

// New creates an empty aggregate without history for the given id.
func (t *AggregateType[E]) New(id string) *Aggregate[E] {
	return &Aggregate[E]{
		typ:     t,
		id:      id,
		entity:  t.newFn(),
		version: NoVersion,
	}
}

// Aggregate wraps a domain entity with its event sourcing state.
//
// An Aggregate is owned by a single caller at a time and is not safe for
// concurrent use.
type Aggregate[E any] struct {
	typ     *AggregateType[E]
	id      string
	entity  E
	version Version
	rec     Recorder
	prov    Provenance
}

func (a *Aggregate[E]) Type() *AggregateType[E] { return a.typ }
func (a *Aggregate[E]) Entity() E               { return a.entity }
func (a *Aggregate[E]) Version() Version        { return a.version }
func (a *Aggregate[E]) Provenance() Provenance  { return a.prov }
func (a *Aggregate[E]) Pending() []any          { return a.rec.Pending() }
func (a *Aggregate[E]) HasPending() bool        { return a.rec.Len() > 0 }

// ID returns the identity of the wrapped entity, or the id the aggregate was
// created for while the entity does not know it yet.
func (a *Aggregate[E]) ID() string {
	if id := a.typ.identity(a.entity); id != "" {
		return id
	}
	return a.id
}

func (a *Aggregate[E]) logAttr() slog.Attr {
	return slog.Group("agg", slog.String("type", a.typ.name), slog.String("id", a.ID()))
}

// RestoreFromEvents replays history. The first event moves the version from
// NoVersion to 0, every further event increments it by one. Events the type
// has no applier for are logged and skipped but still count.
func (a *Aggregate[E]) RestoreFromEvents(events ...any) error {
	if a.rec.Len() > 0 {
		return fmt.Errorf("%w: cannot restore %s %s with %d pending events", ErrInvalidState, a.typ.name, a.ID(), a.rec.Len())
	}
	for _, ev := range events {
		a.replay(ev)
	}
	return nil
}

// UpdateWithEvents applies a batch to an aggregate that already has history.
func (a *Aggregate[E]) UpdateWithEvents(events []any, expected Version) error {
	if a.version < 0 {
		return fmt.Errorf("%w: aggregate %s %s has no history", ErrInvalidArgument, a.typ.name, a.ID())
	}
	if expected != a.version {
		return fmt.Errorf("%w: expected version %d, aggregate is at %d", ErrInvalidArgument, expected, a.version)
	}
	if a.rec.Len() > 0 {
		return fmt.Errorf("%w: cannot update %s %s with %d pending events", ErrInvalidState, a.typ.name, a.ID(), a.rec.Len())
	}
	for _, ev := range events {
		a.replay(ev)
	}
	return nil
}

func (a *Aggregate[E]) replay(ev any) {
	next := a.version.Next()
	defer func() { a.version = next }()

	if s, ok := ev.(SkippedEvent); ok {
		a.typ.log.Warn(
			"skipping undecodable event",
			a.logAttr(),
			next.SlogAttr(),
			slog.String("event_type", s.Type),
			slog.Any("error", s.Err),
		)
		return
	}

	eventType := EventTypeOf(ev)
	apply, ok := a.typ.appliers[eventType]
	if !ok {
		a.typ.log.Warn("skipping unknown event", a.logAttr(), next.SlogAttr(), slog.String("event_type", eventType))
		return
	}
	if err := apply(a.entity, ev); err != nil {
		a.typ.log.Warn("skipping event", a.logAttr(), next.SlogAttr(), slog.Any("error", err))
	}
}

// Raise applies a new event to the entity and records it as pending. The
// version is untouched until the events are taken for persistence.
func (a *Aggregate[E]) Raise(ev any) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidArgument)
	}
	if v, ok := ev.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: invalid event %T: %w", ErrInvalidArgument, ev, err)
		}
	}

	eventType := EventTypeOf(ev)
	apply, ok := a.typ.appliers[eventType]
	if !ok {
		return fmt.Errorf("%w: %s is not applied by %s", ErrUnknownEventType, eventType, a.typ.name)
	}
	if err := apply(a.entity, ev); err != nil {
		return err
	}
	a.rec.Record(ev)
	return nil
}

// TakeEvents drains the pending events in raise order and advances the
// version by their count. The version read before calling TakeEvents is the
// expected revision for the append.
func (a *Aggregate[E]) TakeEvents() []any {
	events := a.rec.Drain()
	a.version += Version(len(events))
	return events
}

// SetSource stamps the provenance of msg on the events this aggregate will
// produce. It is rejected once events have been recorded.
func (a *Aggregate[E]) SetSource(msg Message) error {
	if a.rec.Len() > 0 {
		return fmt.Errorf("%w: cannot set source on %s %s after events were recorded", ErrInvalidState, a.typ.name, a.ID())
	}
	a.prov = provenanceOf(msg)
	return nil
}
