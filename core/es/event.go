package es

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/codewandler/esrc/core/reflector"
)

// EventTyper lets an event choose its own type tag instead of the Go type name.
type EventTyper interface {
	EventType() string
}

// EventTypeOf returns the type tag of an event value. EventType methods on
// the pointer receiver are found for plain values too.
func EventTypeOf(ev any) string {
	if t, ok := ev.(EventTyper); ok {
		return t.EventType()
	}
	if rv := reflect.ValueOf(ev); rv.IsValid() && rv.Kind() != reflect.Pointer {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		if t, ok := p.Interface().(EventTyper); ok {
			return t.EventType()
		}
	}
	return reflector.TypeInfoOf(ev).Short
}

// EventTypeFor returns the type tag for events of type T.
func EventTypeFor[T any]() string {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return EventTypeOf(reflect.New(t).Interface())
}

// SkippedEvent stands in for a persisted event that could not be decoded.
// Replaying it advances the aggregate version without touching the entity,
// which keeps the version aligned with the stream revision.
type SkippedEvent struct {
	Type     string
	Revision Version
	Err      error
}

type decodeFunc func(data []byte) (any, error)

// EventRegistry maps event type tags to decoders for persisted payloads.
type EventRegistry struct {
	mu       sync.RWMutex
	decoders map[string]decodeFunc
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{decoders: map[string]decodeFunc{}}
}

// RegisterEvent registers T under its type tag and returns the tag.
func RegisterEvent[T any](r *EventRegistry) (string, error) {
	eventType := EventTypeFor[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[eventType]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateEvent, eventType)
	}
	r.decoders[eventType] = func(data []byte) (any, error) {
		var ev T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil, err
			}
		}
		return ev, nil
	}
	return eventType, nil
}

func (r *EventRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]
	return ok
}

// Types returns the registered type tags in sorted order.
func (r *EventRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Decode turns a persisted envelope back into its event value.
func (r *EventRegistry) Decode(env ReadEnvelope) (any, error) {
	r.mu.RLock()
	dec, ok := r.decoders[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev, err := dec(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %d: %w", ErrDecodeEvent, env.Type, env.Position, err)
	}
	return ev, nil
}

// DecodeOrSkip decodes env, replacing anything undecodable by a SkippedEvent.
func (r *EventRegistry) DecodeOrSkip(env ReadEnvelope) any {
	ev, err := r.Decode(env)
	if err != nil {
		return SkippedEvent{Type: env.Type, Revision: env.Revision, Err: err}
	}
	return ev
}

// EncodeEvent serializes ev and returns its type tag with the payload.
func EncodeEvent(ev any) (eventType string, data []byte, err error) {
	if ev == nil {
		return "", nil, fmt.Errorf("%w: nil event", ErrEncodeEvent)
	}
	data, err = json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %T: %w", ErrEncodeEvent, ev, err)
	}
	return EventTypeOf(ev), data, nil
}
