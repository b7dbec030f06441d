package command

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/codewandler/esrc/core/command"

type (
	busOpts struct {
		tracer        trace.Tracer
		metrics       Metrics
		registrations []Registration
	}

	// Option configures a Bus. Registrations are options too.
	Option interface{ applyToBus(*busOpts) }

	valueOption[T any] struct{ v T }
	TracerOption       valueOption[trace.Tracer]
	MetricsOption      valueOption[Metrics]
)

func WithTracer(t trace.Tracer) TracerOption { return TracerOption{v: t} }
func WithMetrics(m Metrics) MetricsOption    { return MetricsOption{v: m} }

func (o TracerOption) applyToBus(opts *busOpts) {
	if o.v != nil {
		opts.tracer = o.v
	}
}

func (o MetricsOption) applyToBus(opts *busOpts) {
	if o.v != nil {
		opts.metrics = o.v
	}
}

func newBusOpts(opts ...Option) busOpts {
	options := busOpts{
		tracer:  otel.Tracer(tracerName),
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		opt.applyToBus(&options)
	}
	return options
}
