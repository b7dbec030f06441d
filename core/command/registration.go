package command

import (
	"context"
	"fmt"
	"reflect"

	"github.com/codewandler/esrc/core/es"
	"github.com/codewandler/esrc/core/reflector"
)

// HandlerFunc decides which events a command produces for the current state
// of the entity. It may return nil, a single event or a slice of events.
type HandlerFunc[E, C any] func(ctx context.Context, entity E, cmd C) (any, error)

// Rule is an extra validation step run against the hydrated entity before
// the handler.
type Rule[E, C any] func(ctx context.Context, entity E, cmd C) error

// Registration binds one command type to an aggregate type.
type Registration interface {
	Option
	CommandType() reflect.Type
	AggregateType() string
	check() error
	execute(ctx context.Context, env *execution, cmd any) (*Result, error)
}

type registration[E, C any] struct {
	repo    *es.Repository[E]
	target  func(C) string
	handler HandlerFunc[E, C]
	rules   []Rule[E, C]
	cmdType reflect.Type
}

// Handle registers handler for commands of type C against the aggregates
// managed by repo. target resolves the aggregate id from a command.
func Handle[E, C any](
	repo *es.Repository[E],
	target func(C) string,
	handler HandlerFunc[E, C],
	rules ...Rule[E, C],
) Registration {
	return &registration[E, C]{
		repo:    repo,
		target:  target,
		handler: handler,
		rules:   rules,
		cmdType: reflect.TypeFor[C](),
	}
}

func (r *registration[E, C]) applyToBus(opts *busOpts) {
	opts.registrations = append(opts.registrations, r)
}

func (r *registration[E, C]) CommandType() reflect.Type { return r.cmdType }

func (r *registration[E, C]) AggregateType() string {
	if r.repo == nil {
		return ""
	}
	return r.repo.Type().Name()
}

func (r *registration[E, C]) check() error {
	name := reflector.TypeInfoForType(r.cmdType).Name
	switch {
	case r.repo == nil:
		return fmt.Errorf("%w: %s has no repository", ErrInvalidRegistration, name)
	case r.target == nil:
		return fmt.Errorf("%w: %s has no target accessor", es.ErrMissingIdentity, name)
	case r.handler == nil:
		return fmt.Errorf("%w: %s has no handler", ErrInvalidRegistration, name)
	}
	for i, rule := range r.rules {
		if rule == nil {
			return fmt.Errorf("%w: %s rule %d is nil", ErrInvalidRegistration, name, i)
		}
	}
	return nil
}

func (r *registration[E, C]) execute(ctx context.Context, x *execution, raw any) (*Result, error) {
	cmd, ok := raw.(C)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNoHandler, raw)
	}

	id := r.target(cmd)
	if id == "" {
		return nil, fmt.Errorf("%w: %s has no target id", es.ErrMissingIdentity, x.commandType)
	}
	x.aggregate(r.repo.Type().Name(), id)

	agg, err := r.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	x.version(agg.Version())

	if msg, ok := raw.(es.Message); ok {
		if err := agg.SetSource(msg); err != nil {
			return nil, err
		}
	}

	if err := r.validate(ctx, x.commandType, agg.Entity(), cmd); err != nil {
		return nil, err
	}

	out, err := r.handler(ctx, agg.Entity(), cmd)
	if err != nil {
		return nil, err
	}

	for _, ev := range normalize(out) {
		if err := agg.Raise(ev); err != nil {
			return nil, err
		}
	}

	res, err := r.repo.Save(ctx, agg)
	if err != nil {
		return nil, err
	}

	return &Result{
		AggregateType: r.repo.Type().Name(),
		AggregateID:   id,
		Events:        res.Events,
		Version:       res.Version,
		CommitID:      res.CommitID,
		Position:      res.Position,
	}, nil
}

func (r *registration[E, C]) validate(ctx context.Context, name string, entity E, cmd C) error {
	var violations []error
	if v, ok := any(cmd).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			violations = append(violations, err)
		}
	}
	for _, rule := range r.rules {
		if err := rule(ctx, entity, cmd); err != nil {
			violations = append(violations, err)
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Command: name, Violations: violations}
}

// normalize turns a handler result into a list of events.
func normalize(out any) []any {
	if out == nil {
		return nil
	}
	if events, ok := out.([]any); ok {
		return events
	}
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Slice {
		return []any{out}
	}
	events := make([]any, v.Len())
	for i := range v.Len() {
		events[i] = v.Index(i).Interface()
	}
	return events
}
