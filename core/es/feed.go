package es

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Broadcast wakes every waiter each time Notify is called.
type Broadcast struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewBroadcast() *Broadcast { return &Broadcast{ch: make(chan struct{})} }

// Wait returns a channel closed by the next Notify.
func (b *Broadcast) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *Broadcast) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}

// CatchUpConfig configures a feed that reads pages until the end of the
// stream and then waits to be woken for more.
type CatchUpConfig struct {
	Stream StreamDescriptor
	Read   func(ctx context.Context, from Position, count int) (ReadResult, error)
	// Wake returns a channel closed when new events may be available.
	Wake func() <-chan struct{}
	// PollInterval re-reads even without a wake-up. Zero disables polling.
	PollInterval time.Duration
	PageSize     int
	Log          *slog.Logger
}

type catchUpFeed struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (f *catchUpFeed) Done() <-chan struct{} { return f.done }
func (f *catchUpFeed) Err() error {
	<-f.done
	return f.err
}
func (f *catchUpFeed) Close() {
	f.cancel()
	<-f.done
}

// StartCatchUpFeed runs a Feed on top of paginated reads.
func StartCatchUpFeed(ctx context.Context, cfg CatchUpConfig, from Position, fn EventFunc) Feed {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("feed", cfg.Stream.Name()))
	if from < 0 {
		from = 0
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &catchUpFeed{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(f.done)
		defer cancel()

		var tick <-chan time.Time
		if cfg.PollInterval > 0 {
			t := time.NewTicker(cfg.PollInterval)
			defer t.Stop()
			tick = t.C
		}

		next := from
		for {
			// take the wake channel before reading so no append is missed
			wake := cfg.Wake()

			res, err := cfg.Read(ctx, next, cfg.PageSize)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					f.err = err
				}
				return
			}
			for _, ev := range res.Events {
				if ctx.Err() != nil {
					return
				}
				if err := fn(ctx, ev); err != nil {
					f.err = err
					return
				}
			}
			if len(res.Events) > 0 {
				next = res.Next
			}
			if len(res.Events) > 0 && !res.EndOfStream {
				continue
			}

			log.Debug("caught up", next.SlogAttr())

			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-tick:
			}
		}
	}()

	return f
}
