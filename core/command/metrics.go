package command

import "github.com/codewandler/esrc/core/metrics"

// Outcome labels of an executed command.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Metrics defines the metrics interface of the command bus.
type Metrics interface {
	CommandDuration(commandType string) metrics.Timer
	CommandExecuted(commandType, outcome string)
	EventsRaised(aggType string, count int)
}

type nopMetrics struct{}

func (nopMetrics) CommandDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandExecuted(string, string)       {}
func (nopMetrics) EventsRaised(string, int)             {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
