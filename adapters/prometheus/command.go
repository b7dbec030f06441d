package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esrc/core/command"
	"github.com/codewandler/esrc/core/metrics"
)

// commandMetrics implements command.Metrics using Prometheus.
type commandMetrics struct {
	commandDuration *prometheus.HistogramVec
	commands        *prometheus.CounterVec
	eventsRaised    *prometheus.CounterVec
}

// NewCommandMetrics creates a new Prometheus implementation of command.Metrics.
func NewCommandMetrics(reg prometheus.Registerer) command.Metrics {
	m := &commandMetrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_command_duration_seconds",
			Help:    "Command execution latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command_type"}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_commands_total",
			Help: "Total number of executed commands by outcome",
		}, []string{"command_type", "outcome"}),

		eventsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_command_events_raised_total",
			Help: "Total number of events raised by command handlers",
		}, []string{"aggregate_type"}),
	}

	reg.MustRegister(m.commandDuration, m.commands, m.eventsRaised)

	return m
}

func (m *commandMetrics) CommandDuration(commandType string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(commandType))
}

func (m *commandMetrics) CommandExecuted(commandType, outcome string) {
	m.commands.WithLabelValues(commandType, outcome).Inc()
}

func (m *commandMetrics) EventsRaised(aggType string, count int) {
	m.eventsRaised.WithLabelValues(aggType).Add(float64(count))
}

var _ command.Metrics = (*commandMetrics)(nil)
