package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/esrc/core/sf"
)

// probeTimeout bounds a shared existence read.
const probeTimeout = 30 * time.Second

// Subscriber creates subscriptions on one event log and owns their
// lifetime. Existence probes for the same stream are shared between its
// subscriptions.
type Subscriber struct {
	log     EventLog
	opts    subscriberOpts
	logger  *slog.Logger
	metrics ESMetrics
	probes  *sf.Group[bool]

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewSubscriber(log EventLog, opts ...SubscriberOption) *Subscriber {
	options := newSubscriberOpts(opts...)
	return &Subscriber{
		log:     log,
		opts:    options,
		logger:  options.log.With(slog.String("component", "subscriber")),
		metrics: options.metrics,
		probes:  sf.New[bool](),
		subs:    map[*Subscription]struct{}{},
	}
}

func (s *Subscriber) Naming() Naming { return s.opts.naming }

// Subscribe creates a subscription on stream. It does not deliver anything
// before Start is called.
func (s *Subscriber) Subscribe(stream StreamDescriptor, opts ...SubscriptionOption) (*Subscription, error) {
	if stream.IsZero() {
		return nil, fmt.Errorf("%w: empty stream", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSubscriptionClosed
	}

	sub := newSubscription(s, stream, newSubscriptionOpts(s.opts, stream, opts...))
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Category subscribes to the category stream of entityType.
func (s *Subscriber) Category(entityType string, opts ...SubscriptionOption) (*Subscription, error) {
	return s.Subscribe(s.opts.naming.Category(entityType), opts...)
}

// EventType subscribes to the stream of all events of eventType.
func (s *Subscriber) EventType(eventType string, opts ...SubscriptionOption) (*Subscription, error) {
	return s.Subscribe(s.opts.naming.EventType(eventType), opts...)
}

// Exists reports whether stream exists. Concurrent probes for the same
// stream share one read; a caller giving up does not fail the others.
func (s *Subscriber) Exists(ctx context.Context, stream StreamDescriptor) (bool, error) {
	return s.probes.DoContext(ctx, stream.Name(), func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		res, err := s.log.Read(ctx, stream.WithDirection(Forward), 0, 1)
		if err != nil {
			return false, err
		}
		found := !res.NoStream
		s.metrics.SubscriptionProbe(stream.Name(), found)
		return found, nil
	})
}

// Close stops all subscriptions and rejects new ones.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	s.logger.Debug("closed", slog.Int("subscriptions", len(subs)))
}

func (s *Subscriber) forget(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}
