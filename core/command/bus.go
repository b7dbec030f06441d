package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/esrc/core/es"
	"github.com/codewandler/esrc/core/reflector"
)

// Result describes the commit a command produced.
type Result struct {
	AggregateType string
	AggregateID   string
	// Events are the persisted events in raise order. Empty if the handler
	// decided nothing had to change.
	Events   []any
	Version  es.Version
	CommitID string
	Position es.Position
}

// Bus routes commands to their registration by the exact runtime type of
// the command. It holds no per-aggregate state; concurrent writers to the
// same aggregate are only protected by the optimistic check on append.
type Bus struct {
	log     *slog.Logger
	tracer  trace.Tracer
	metrics Metrics
	routes  map[reflect.Type]Registration
}

// NewBus builds the routing table. A second registration for the same
// command type is rejected.
func NewBus(log *slog.Logger, opts ...Option) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	options := newBusOpts(opts...)

	b := &Bus{
		log:     log.With(slog.String("component", "command_bus")),
		tracer:  options.tracer,
		metrics: options.metrics,
		routes:  make(map[reflect.Type]Registration, len(options.registrations)),
	}

	for _, r := range options.registrations {
		if err := r.check(); err != nil {
			return nil, err
		}
		if existing, ok := b.routes[r.CommandType()]; ok {
			return nil, fmt.Errorf(
				"%w: %s is handled by %s and %s",
				ErrDuplicateHandler,
				reflector.TypeInfoForType(r.CommandType()).Name,
				existing.AggregateType(),
				r.AggregateType(),
			)
		}
		b.routes[r.CommandType()] = r
		b.log.Debug(
			"registered",
			slog.String("command", reflector.TypeInfoForType(r.CommandType()).Name),
			slog.String("aggregate", r.AggregateType()),
		)
	}

	return b, nil
}

// Handles reports whether a registration exists for the type of cmd.
func (b *Bus) Handles(cmd any) bool {
	_, ok := b.routes[reflect.TypeOf(cmd)]
	return ok
}

// execution collects what is known about one command while it runs.
type execution struct {
	commandType string
	span        trace.Span
	log         *slog.Logger
}

func (x *execution) aggregate(aggType, id string) {
	x.span.SetAttributes(
		attribute.String("aggregate.type", aggType),
		attribute.String("aggregate.id", id),
	)
	x.log = x.log.With(slog.Group("agg", slog.String("type", aggType), slog.String("id", id)))
}

func (x *execution) version(v es.Version) {
	x.span.SetAttributes(attribute.Int64("aggregate.loaded_version", v.Int64()))
}

// Execute runs cmd against a single aggregate: load, validate, handle,
// raise and save. Any failure aborts before anything is persisted.
func (b *Bus) Execute(ctx context.Context, cmd any) (*Result, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", es.ErrInvalidArgument)
	}

	commandType := reflector.TypeInfoOf(cmd).Short
	reg, ok := b.routes[reflect.TypeOf(cmd)]
	if !ok {
		b.metrics.CommandExecuted(commandType, OutcomeError)
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, reflector.TypeInfoOf(cmd).Name)
	}

	ctx, span := b.tracer.Start(
		ctx,
		"command "+commandType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("command.type", commandType)),
	)
	defer span.End()

	x := &execution{
		commandType: commandType,
		span:        span,
		log:         b.log.With(slog.String("command", commandType)),
	}
	if msg, ok := cmd.(es.Message); ok && msg.Meta().ID != "" {
		span.SetAttributes(attribute.String("command.id", msg.Meta().ID))
		x.log = x.log.With(slog.String("command_id", msg.Meta().ID))
	}

	t := b.metrics.CommandDuration(commandType)
	res, err := reg.execute(ctx, x, cmd)
	t.ObserveDuration()

	outcome := outcomeOf(err)
	b.metrics.CommandExecuted(commandType, outcome)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if outcome == OutcomeError {
			x.log.Error("command failed", slog.Any("error", err))
		} else {
			x.log.Debug("command rejected", slog.String("outcome", outcome), slog.Any("error", err))
		}
		return nil, err
	}

	b.metrics.EventsRaised(res.AggregateType, len(res.Events))
	span.SetAttributes(
		attribute.Int("events", len(res.Events)),
		attribute.Int64("aggregate.version", res.Version.Int64()),
	)
	span.SetStatus(codes.Ok, "")
	x.log.Debug("command executed", slog.Int("events", len(res.Events)), res.Version.SlogAttr())

	return res, nil
}

func outcomeOf(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &ve):
		return OutcomeInvalid
	case errors.Is(err, es.ErrConcurrencyConflict):
		return OutcomeConflict
	}
	return OutcomeError
}
