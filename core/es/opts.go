package es

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultProbeInterval is how often a subscription checks whether a missing
// stream exists yet, and how long it waits before resubscribing a failed feed.
const DefaultProbeInterval = 3 * time.Second

type (
	valueOption[T any] struct{ v T }

	LogOption           valueOption[*slog.Logger]
	ESMetricsOption     valueOption[ESMetrics]
	PageSizeOption      valueOption[int]
	NamingOption        valueOption[Naming]
	ProbeIntervalOption valueOption[time.Duration]
	CheckpointsOption   valueOption[CheckpointStore]
	StartPositionOption valueOption[Position]
	SubscriptionName    valueOption[string]
	MiddlewareOption    valueOption[[]HandlerMiddleware]
	MaxVersionOption    valueOption[Version]
)

func WithLog(l *slog.Logger) LogOption           { return LogOption{v: l} }
func WithMetrics(m ESMetrics) ESMetricsOption    { return ESMetricsOption{v: m} }
func WithPageSize(n int) PageSizeOption          { return PageSizeOption{v: n} }
func WithNaming(n Naming) NamingOption           { return NamingOption{v: n} }
func WithPrefix(prefix string) NamingOption      { return NamingOption{v: Naming{Prefix: prefix}} }
func WithProbeInterval(d time.Duration) ProbeIntervalOption {
	return ProbeIntervalOption{v: d}
}
func WithCheckpoints(cps CheckpointStore) CheckpointsOption { return CheckpointsOption{v: cps} }

// WithStartPosition makes a subscription without a stored checkpoint resume
// after pos.
func WithStartPosition(pos Position) StartPositionOption { return StartPositionOption{v: pos} }

// WithSubscriptionName names a subscription. The name keys its checkpoint;
// it defaults to the stream name when checkpoints are kept, so two
// checkpointed subscriptions on one stream need distinct names.
func WithSubscriptionName(name string) SubscriptionName { return SubscriptionName{v: name} }

func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption { return MiddlewareOption{v: mws} }

// WithMaxVersion stops hydration once the aggregate reached version v.
func WithMaxVersion(v Version) MaxVersionOption { return MaxVersionOption{v: v} }

// === memory log ===

type (
	memoryLogOpts   struct{ log *slog.Logger }
	MemoryLogOption interface{ applyToMemoryLog(*memoryLogOpts) }
)

func (o LogOption) applyToMemoryLog(opts *memoryLogOpts) { opts.log = orDefaultLog(o.v) }

// === reader ===

type (
	readerOpts struct {
		pageSize int
		log      *slog.Logger
		metrics  ESMetrics
	}
	ReaderOption interface{ applyToReader(*readerOpts) }
)

func (o LogOption) applyToReader(opts *readerOpts)       { opts.log = orDefaultLog(o.v) }
func (o ESMetricsOption) applyToReader(opts *readerOpts) { opts.metrics = orNopMetrics(o.v) }
func (o PageSizeOption) applyToReader(opts *readerOpts) {
	if o.v > 0 {
		opts.pageSize = o.v
	}
}

func newReaderOpts(opts ...ReaderOption) readerOpts {
	options := readerOpts{
		pageSize: DefaultPageSize,
		log:      slog.Default(),
		metrics:  NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToReader(&options)
	}
	return options
}

// === repo ===

type (
	repoOpts struct {
		readerOpts
		naming Naming
	}
	RepositoryOption interface{ applyToRepository(*repoOpts) }
)

func (o LogOption) applyToRepository(opts *repoOpts)       { o.applyToReader(&opts.readerOpts) }
func (o ESMetricsOption) applyToRepository(opts *repoOpts) { o.applyToReader(&opts.readerOpts) }
func (o PageSizeOption) applyToRepository(opts *repoOpts)  { o.applyToReader(&opts.readerOpts) }
func (o NamingOption) applyToRepository(opts *repoOpts)    { opts.naming = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{readerOpts: newReaderOpts()}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

// === load ===

type (
	loadOpts   struct{ maxVersion Version }
	LoadOption interface{ applyToLoad(*loadOpts) }
)

func (o MaxVersionOption) applyToLoad(opts *loadOpts) { opts.maxVersion = o.v }

func newLoadOpts(opts ...LoadOption) loadOpts {
	options := loadOpts{maxVersion: NoVersion}
	for _, opt := range opts {
		opt.applyToLoad(&options)
	}
	return options
}

// === subscriber ===

type (
	subscriberOpts struct {
		log           *slog.Logger
		metrics       ESMetrics
		naming        Naming
		probeInterval time.Duration
		checkpoints   CheckpointStore
	}
	SubscriberOption interface{ applyToSubscriber(*subscriberOpts) }
)

func (o LogOption) applyToSubscriber(opts *subscriberOpts)       { opts.log = orDefaultLog(o.v) }
func (o ESMetricsOption) applyToSubscriber(opts *subscriberOpts) { opts.metrics = orNopMetrics(o.v) }
func (o NamingOption) applyToSubscriber(opts *subscriberOpts)    { opts.naming = o.v }
func (o ProbeIntervalOption) applyToSubscriber(opts *subscriberOpts) {
	if o.v > 0 {
		opts.probeInterval = o.v
	}
}
func (o CheckpointsOption) applyToSubscriber(opts *subscriberOpts) { opts.checkpoints = o.v }

func newSubscriberOpts(opts ...SubscriberOption) subscriberOpts {
	options := subscriberOpts{
		log:           slog.Default(),
		metrics:       NopESMetrics(),
		probeInterval: DefaultProbeInterval,
	}
	for _, opt := range opts {
		opt.applyToSubscriber(&options)
	}
	return options
}

// === subscription ===

type (
	subscriptionOpts struct {
		name          string
		log           *slog.Logger
		metrics       ESMetrics
		probeInterval time.Duration
		checkpoints   CheckpointStore
		start         Position
		mws           []HandlerMiddleware
	}
	SubscriptionOption interface{ applyToSubscription(*subscriptionOpts) }
)

func (o LogOption) applyToSubscription(opts *subscriptionOpts) { opts.log = orDefaultLog(o.v) }
func (o ESMetricsOption) applyToSubscription(opts *subscriptionOpts) {
	opts.metrics = orNopMetrics(o.v)
}
func (o ProbeIntervalOption) applyToSubscription(opts *subscriptionOpts) {
	if o.v > 0 {
		opts.probeInterval = o.v
	}
}
func (o CheckpointsOption) applyToSubscription(opts *subscriptionOpts)   { opts.checkpoints = o.v }
func (o StartPositionOption) applyToSubscription(opts *subscriptionOpts) { opts.start = o.v }
func (o SubscriptionName) applyToSubscription(opts *subscriptionOpts)    { opts.name = o.v }
func (o MiddlewareOption) applyToSubscription(opts *subscriptionOpts) {
	opts.mws = append(opts.mws, o.v...)
}

// newSubscriptionOpts names an unnamed subscription after its stream when it
// keeps checkpoints, so it resumes after a restart. Otherwise the name is
// random.
func newSubscriptionOpts(base subscriberOpts, stream StreamDescriptor, opts ...SubscriptionOption) subscriptionOpts {
	options := subscriptionOpts{
		log:           base.log,
		metrics:       base.metrics,
		probeInterval: base.probeInterval,
		checkpoints:   base.checkpoints,
		start:         NoPosition,
	}
	for _, opt := range opts {
		opt.applyToSubscription(&options)
	}
	if options.name == "" {
		if options.checkpoints != nil {
			options.name = stream.Name()
		} else {
			options.name = fmt.Sprintf("sub-%s", gonanoid.Must(6))
		}
	}
	return options
}

func orDefaultLog(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func orNopMetrics(m ESMetrics) ESMetrics {
	if m == nil {
		return NopESMetrics()
	}
	return m
}
