package es

import "github.com/codewandler/esrc/core/metrics"

// ESMetrics defines the metrics interface for the event sourcing core.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Log operations
	ReadDuration(streamKind string) metrics.Timer
	AppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)
	ConcurrencyConflict(aggType string)

	// Repository operations
	HydrateDuration(aggType string) metrics.Timer
	SaveDuration(aggType string) metrics.Timer

	// Subscriptions
	SubscriptionEventDuration(subscription, eventType string) metrics.Timer
	SubscriptionEventProcessed(subscription, eventType string, success bool)
	SubscriptionPosition(subscription string, pos Position)
	SubscriptionProbe(stream string, found bool)
}

type nopESMetrics struct{}

func (nopESMetrics) ReadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) AppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)          {}
func (nopESMetrics) ConcurrencyConflict(string)          {}

func (nopESMetrics) HydrateDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SaveDuration(string) metrics.Timer    { return metrics.NopTimer() }

func (nopESMetrics) SubscriptionEventDuration(string, string) metrics.Timer {
	return metrics.NopTimer()
}
func (nopESMetrics) SubscriptionEventProcessed(string, string, bool) {}
func (nopESMetrics) SubscriptionPosition(string, Position)           {}
func (nopESMetrics) SubscriptionProbe(string, bool)                  {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
