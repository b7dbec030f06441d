package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription delivers the events of one stream to the handlers registered
// for their type. Delivery is at least once: after a failed feed or handler,
// events after the last recorded position are delivered again.
type Subscription struct {
	owner   *Subscriber
	stream  StreamDescriptor
	opts    subscriptionOpts
	logger  *slog.Logger
	metrics ESMetrics

	mu       sync.Mutex
	handlers map[string][]Handler

	pos      atomic.Int64
	live     chan struct{}
	liveOnce sync.Once

	// lifecycle
	lc      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSubscription(owner *Subscriber, stream StreamDescriptor, opts subscriptionOpts) *Subscription {
	s := &Subscription{
		owner:    owner,
		stream:   stream.WithDirection(Forward).AsSubscribed(),
		opts:     opts,
		metrics:  opts.metrics,
		handlers: map[string][]Handler{},
		live:     make(chan struct{}),
		done:     make(chan struct{}),
		logger: opts.log.With(
			slog.String("subscription", opts.name),
			slog.String("stream", stream.Name()),
		),
	}
	s.pos.Store(int64(opts.start))
	return s
}

func (s *Subscription) Name() string             { return s.opts.name }
func (s *Subscription) Stream() StreamDescriptor { return s.stream }

// Position is the last position whose handlers ran.
func (s *Subscription) Position() Position { return Position(s.pos.Load()) }

// Live is closed once the backend feed is established.
func (s *Subscription) Live() <-chan struct{} { return s.live }

// Done is closed once the subscription stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// On appends h to the handlers for eventType. Registering a handler that is
// already registered for the type is a no-op and returns false.
func (s *Subscription) On(eventType string, h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.handlers[eventType] {
		if sameHandler(existing, h) {
			return false
		}
	}
	s.handlers[eventType] = append(s.handlers[eventType], h)
	return true
}

func (s *Subscription) handlersFor(eventType string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.handlers[eventType])
}

// Start resumes after the stored checkpoint, or the start position when
// there is none, and returns once delivery runs in the background. A stream
// that does not exist yet is probed for until it appears.
func (s *Subscription) Start(ctx context.Context) error {
	s.lc.Lock()
	defer s.lc.Unlock()

	switch {
	case s.stopped:
		return fmt.Errorf("%w: %s", ErrSubscriptionClosed, s.opts.name)
	case s.started:
		return fmt.Errorf("%w: subscription %s already started", ErrInvalidState, s.opts.name)
	}

	if cps := s.opts.checkpoints; cps != nil {
		pos, err := cps.Load(ctx, s.opts.name)
		switch {
		case errors.Is(err, ErrCheckpointNotFound):
		case err != nil:
			return err
		default:
			s.pos.Store(int64(pos))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.logger.Info("starting", s.Position().SlogAttr())
	go s.run(ctx)
	return nil
}

// Stop cancels delivery and waits for the current event to finish.
func (s *Subscription) Stop() {
	s.lc.Lock()
	if s.stopped {
		s.lc.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.lc.Unlock()

	if cancel == nil {
		close(s.done)
	} else {
		cancel()
		<-s.done
	}
	s.owner.forget(s)
}

func (s *Subscription) run(ctx context.Context) {
	defer func() {
		s.logger.Info("stopped", s.Position().SlogAttr())
		close(s.done)
	}()

	for {
		feed, err := s.owner.log.Subscribe(ctx, s.stream, s.Position()+1, s.deliver)
		switch {
		case errors.Is(err, ErrNoStream):
			if !s.awaitStream(ctx) {
				return
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("subscribe failed", slog.Any("error", err))
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		s.liveOnce.Do(func() {
			s.logger.Debug("live", s.Position().SlogAttr())
			close(s.live)
		})

		select {
		case <-ctx.Done():
			feed.Close()
			return
		case <-feed.Done():
		}

		if err := feed.Err(); err != nil {
			s.logger.Error("feed failed, resubscribing", slog.Any("error", err), s.Position().SlogAttr())
		}
		if !s.sleep(ctx) {
			return
		}
	}
}

// awaitStream probes at the probe interval until the stream exists. It
// returns false if ctx ended first.
func (s *Subscription) awaitStream(ctx context.Context) bool {
	s.logger.Debug("stream does not exist, probing", slog.Duration("interval", s.opts.probeInterval))

	ticker := time.NewTicker(s.opts.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		ok, err := s.owner.Exists(ctx, s.stream)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Warn("probe failed", slog.Any("error", err))
			continue
		}
		if ok {
			s.logger.Debug("stream appeared")
			return true
		}
	}
}

func (s *Subscription) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.opts.probeInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// deliver runs the handlers for env. If any of them fails the position stays
// put and the error ends the feed, so env is delivered again on resubscribe.
func (s *Subscription) deliver(ctx context.Context, env ReadEnvelope) error {
	msg := MsgCtx{
		ctx:          ctx,
		env:          env,
		subscription: s.opts.name,
		log: s.logger.With(
			slog.Group(
				"event",
				slog.String("id", env.ID),
				slog.String("type", env.Type),
				slog.String("stream", env.Stream),
				env.Revision.SlogAttrWithKey("revision"),
				env.Position.SlogAttr(),
			),
		),
	}

	var errs []error
	for _, h := range s.handlersFor(env.Type) {
		t := s.metrics.SubscriptionEventDuration(s.opts.name, env.Type)
		err := applyMiddlewares(h, s.opts.mws).Handle(msg)
		t.ObserveDuration()
		s.metrics.SubscriptionEventProcessed(s.opts.name, env.Type, err == nil)
		if err != nil {
			msg.log.Error("event handler failed", slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s at %d: %w", ErrHandlerFailed, env.Type, env.Position, errors.Join(errs...))
	}

	if !s.advance(env.Position) {
		return nil
	}
	s.metrics.SubscriptionPosition(s.opts.name, env.Position)

	if cps := s.opts.checkpoints; cps != nil {
		if err := cps.Save(ctx, s.opts.name, env.Position); err != nil && ctx.Err() == nil {
			msg.log.Error("failed to save checkpoint", slog.Any("error", err))
		}
	}
	return nil
}

// advance moves the position forward to pos. It never moves backward.
func (s *Subscription) advance(pos Position) bool {
	for {
		cur := s.pos.Load()
		if int64(pos) <= cur {
			return false
		}
		if s.pos.CompareAndSwap(cur, int64(pos)) {
			return true
		}
	}
}
