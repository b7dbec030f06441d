package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esrc/core/es"
)

const (
	defaultSubjectPrefix = "esrc"
	defaultStreamName    = "ESRC"

	hdrStream        = "Es-Stream"
	hdrFirstRevision = "Es-First-Revision"
	hdrLastRevision  = "Es-Last-Revision"

	// positions of derived streams pack the stream sequence of the commit and
	// the index of the event inside it
	indexBits = 16
	maxCommit = 1<<indexBits - 1

	fetchBatch = 256

	errCodeWrongLastSequence jetstream.ErrorCode = 10071
)

// RetentionPolicy defines how messages are retained in the stream.
type RetentionPolicy int

const (
	// RetentionLimits keeps messages until limits (MaxMsgs, MaxBytes, MaxAge) are reached.
	RetentionLimits RetentionPolicy = iota
	// RetentionInterest keeps messages only while there are consumers with interest.
	RetentionInterest
)

func (r RetentionPolicy) toJetStream() jetstream.RetentionPolicy {
	if r == RetentionInterest {
		return jetstream.InterestPolicy
	}
	return jetstream.LimitsPolicy
}

type EventLogConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix all commit subjects live under (default "esrc")
	StreamName    string       // StreamName of the JetStream stream (default "ESRC")

	// Retention defines the retention policy for the stream (default: RetentionLimits).
	Retention RetentionPolicy
	// MaxAge, MaxBytes and MaxMsgs bound the stream. Zero means unlimited.
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64
	// MemoryStorage keeps the stream in server memory instead of on disk.
	MemoryStorage bool
}

// EventLog stores every commit as one JetStream message on the subject
// "{prefix}.{category}.{id}". The message carries all events of the commit,
// so appends are atomic. The optimistic check is enforced by the server
// through the expected last sequence per subject.
//
// Aggregate streams use revisions as positions. Category and event type
// streams use the commit's stream sequence shifted left by 16 bits plus the
// index of the event inside the commit.
type EventLog struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	stream  jetstream.Stream
	log     *slog.Logger
	prefix  string
}

type commitRecord struct {
	Stream string        `json:"stream"`
	Events []eventRecord `json:"events"`
}

type eventRecord struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Revision   es.Version `json:"revision"`
	OccurredAt time.Time  `json:"occurred_at"`
	Data       []byte     `json:"data,omitempty"`
	Metadata   []byte     `json:"metadata,omitempty"`
}

func NewEventLog(cfg EventLogConfig) (*EventLog, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	// 0 means unlimited in NATS for these fields
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	maxMsgs := cfg.MaxMsgs
	if maxMsgs == 0 {
		maxMsgs = -1
	}
	storage := jetstream.FileStorage
	if cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}

	log = log.With(
		slog.String("log", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", prefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Retention:  cfg.Retention.toJetStream(),
		Storage:    storage,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   maxBytes,
		MaxMsgs:    maxMsgs,
		FirstSeq:   1,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	log.Debug("ensured", slog.Uint64("last_seq", streamInfo.State.LastSeq))

	return &EventLog{
		nc:      nc,
		closeNc: closeNc,
		js:      js,
		stream:  stream,
		log:     log,
		prefix:  prefix,
	}, nil
}

func (l *EventLog) Close() error {
	l.js.CleanupPublisher()
	l.closeNc()
	l.log.Debug("closed event log")
	return nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

// === Append ===

func (l *EventLog) Append(
	ctx context.Context,
	stream es.StreamDescriptor,
	expected es.Version,
	events []es.WriteEnvelope,
) (es.AppendResult, error) {
	if err := es.CheckAppend(stream, expected, events); err != nil {
		return es.AppendResult{}, err
	}
	if len(events) > maxCommit {
		return es.AppendResult{}, fmt.Errorf("%w: %d events exceed the commit limit of %d", es.ErrInvalidArgument, len(events), maxCommit)
	}

	subject := l.aggregateSubject(stream)

	head, lastSeq, err := l.head(ctx, subject)
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to get head of %s: %w", stream.Name(), err)
	}
	if head != expected {
		return es.AppendResult{}, es.ConflictError(stream, expected, head)
	}

	rec := commitRecord{Stream: stream.Name(), Events: make([]eventRecord, len(events))}
	for i, e := range events {
		rec.Events[i] = eventRecord{
			ID:         e.ID,
			Type:       e.Type,
			Revision:   expected + 1 + es.Version(i),
			OccurredAt: e.OccurredAt,
			Data:       e.Data,
			Metadata:   e.Metadata,
		}
	}
	last := expected + es.Version(len(events))

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(hdrStream, stream.Name())
	msg.Header.Set(hdrFirstRevision, strconv.FormatInt((expected + 1).Int64(), 10))
	msg.Header.Set(hdrLastRevision, strconv.FormatInt(last.Int64(), 10))
	if msg.Data, err = json.Marshal(rec); err != nil {
		return es.AppendResult{}, fmt.Errorf("%w: %w", es.ErrEncodeEvent, err)
	}

	ack, err := l.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithMsgID(events[0].ID),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence {
			return es.AppendResult{}, fmt.Errorf("%w: stream %s changed after revision %d", es.ErrConcurrencyConflict, stream.Name(), expected)
		}
		return es.AppendResult{}, fmt.Errorf("failed to append to %s: %w", subject, err)
	}

	l.log.Debug(
		"append",
		slog.String("stream", stream.Name()),
		expected.SlogAttrWithKey("expected"),
		slog.Int("num_events", len(events)),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)

	return es.AppendResult{NextExpectedVersion: last, Position: es.Position(last)}, nil
}

// head returns the last revision of an aggregate subject and the stream
// sequence of the commit holding it.
func (l *EventLog) head(ctx context.Context, subject string) (es.Version, uint64, error) {
	lm, err := l.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return es.NoVersion, 0, nil
		}
		return es.NoVersion, 0, err
	}
	rev, err := strconv.ParseInt(lm.Header.Get(hdrLastRevision), 10, 64)
	if err != nil {
		return es.NoVersion, 0, fmt.Errorf("%w: commit %d has no revision header", es.ErrDecodeEvent, lm.Sequence)
	}
	return es.Version(rev), lm.Sequence, nil
}

// === Read ===

func (l *EventLog) Read(
	ctx context.Context,
	stream es.StreamDescriptor,
	start es.Position,
	count int,
) (es.ReadResult, error) {
	if stream.Kind() == es.StreamAggregate {
		return l.readAggregate(ctx, stream, start, count)
	}
	return l.readDerived(ctx, stream, start, count)
}

func (l *EventLog) readAggregate(ctx context.Context, stream es.StreamDescriptor, start es.Position, count int) (es.ReadResult, error) {
	subject := l.aggregateSubject(stream)
	head, headSeq, err := l.head(ctx, subject)
	if err != nil {
		return es.ReadResult{}, err
	}
	if head == es.NoVersion {
		return es.ReadResult{NoStream: true, Next: start}, nil
	}

	backward := stream.Direction() == es.Backward
	if backward && start > es.Position(head) {
		start = es.Position(head)
	}
	if start < 0 {
		if !backward {
			start = 0
		} else {
			return es.ReadResult{Next: start, EndOfStream: true}, nil
		}
	}

	// lowest revision the page can contain
	low := start
	if backward {
		low = 0
		if count > 0 {
			low = max(start-es.Position(count)+1, 0)
		}
	}
	startSeq := uint64(1)
	if low > 0 {
		if startSeq, err = l.commitSeq(ctx, subject, es.Version(low), headSeq); err != nil {
			return es.ReadResult{}, err
		}
	}

	var events []es.ReadEnvelope
	err = l.scan(ctx, []string{subject}, startSeq, func(_ uint64, rec commitRecord) bool {
		for _, ev := range rec.Events {
			rev := es.Position(ev.Revision)
			if !backward && rev < start {
				continue
			}
			if backward && rev > start {
				return false
			}
			events = append(events, ev.envelope(rec.Stream, rev))
			if !backward && count > 0 && len(events) >= count {
				return false
			}
		}
		return true
	})
	if err != nil {
		return es.ReadResult{}, err
	}

	res := es.ReadResult{Next: start}
	if backward {
		slices.Reverse(events)
		if count > 0 && len(events) > count {
			events = events[:count]
		}
		res.Events = events
		if len(events) > 0 {
			res.Next = events[len(events)-1].Position - 1
		}
		res.EndOfStream = res.Next < 0
		return res, nil
	}

	res.Events = events
	if len(events) > 0 {
		res.Next = events[len(events)-1].Position + 1
	}
	res.EndOfStream = res.Next > es.Position(head)
	return res, nil
}

// commitSeq returns the stream sequence of the commit on subject holding
// rev. The first revision of the next commit at or after a sequence grows
// with the sequence, so it is found by bisecting [1, headSeq].
func (l *EventLog) commitSeq(ctx context.Context, subject string, rev es.Version, headSeq uint64) (uint64, error) {
	found := uint64(1)
	lo, hi := uint64(1), headSeq
	for lo <= hi {
		mid := lo + (hi-lo)/2
		msg, err := l.stream.GetMsg(ctx, mid, jetstream.WithGetMsgSubject(subject))
		if err != nil {
			return 0, fmt.Errorf("failed to locate revision %d of %s: %w", rev, subject, err)
		}
		first, err := strconv.ParseInt(msg.Header.Get(hdrFirstRevision), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: commit %d has no revision header", es.ErrDecodeEvent, msg.Sequence)
		}
		if es.Version(first) <= rev {
			found = msg.Sequence
			lo = msg.Sequence + 1
		} else {
			hi = mid - 1
		}
	}
	return found, nil
}

func (l *EventLog) readDerived(ctx context.Context, stream es.StreamDescriptor, start es.Position, count int) (es.ReadResult, error) {
	if stream.Direction() == es.Backward {
		return l.readDerivedBackward(ctx, stream, start, count)
	}
	if start < 0 {
		start = 0
	}

	var (
		filter   = l.derivedFilter(stream)
		startSeq = max(uint64(start)>>indexBits, 1)
		events   []es.ReadEnvelope
		full     bool
	)
	err := l.scan(ctx, []string{filter}, startSeq, func(seq uint64, rec commitRecord) bool {
		for i, ev := range rec.Events {
			pos := derivedPosition(seq, i)
			if pos < start || !matches(stream, ev) {
				continue
			}
			events = append(events, ev.envelope(rec.Stream, pos))
			if count > 0 && len(events) >= count {
				full = true
				return false
			}
		}
		return true
	})
	if err != nil {
		return es.ReadResult{}, err
	}

	if len(events) == 0 && start == 0 {
		return es.ReadResult{NoStream: true, Next: start}, nil
	}

	res := es.ReadResult{Events: events, Next: start, EndOfStream: !full}
	if len(events) > 0 {
		res.Next = events[len(events)-1].Position + 1
	}
	return res, nil
}

// readDerivedBackward collects the matching events up to start and returns
// the newest count of them.
func (l *EventLog) readDerivedBackward(ctx context.Context, stream es.StreamDescriptor, start es.Position, count int) (es.ReadResult, error) {
	var events []es.ReadEnvelope
	err := l.scan(ctx, []string{l.derivedFilter(stream)}, 1, func(seq uint64, rec commitRecord) bool {
		for i, ev := range rec.Events {
			pos := derivedPosition(seq, i)
			if pos > start {
				return false
			}
			if matches(stream, ev) {
				events = append(events, ev.envelope(rec.Stream, pos))
			}
		}
		return true
	})
	if err != nil {
		return es.ReadResult{}, err
	}
	if len(events) == 0 && start == es.HeadPosition {
		return es.ReadResult{NoStream: true, Next: start}, nil
	}

	slices.Reverse(events)
	end := len(events)
	if count > 0 && count < end {
		end = count
	}
	res := es.ReadResult{Events: events[:end], Next: -1, EndOfStream: end == len(events)}
	if !res.EndOfStream {
		res.Next = events[end-1].Position - 1
	}
	return res, nil
}

// scan feeds the commits on the filter subjects from startSeq to fn until
// fn returns false or the stream is exhausted.
func (l *EventLog) scan(ctx context.Context, filters []string, startSeq uint64, fn func(seq uint64, rec commitRecord) bool) error {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: filters,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if startSeq > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	}
	cc, err := l.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		mb, err := cc.FetchNoWait(fetchBatch)
		if err != nil {
			return err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			seq, rec, err := decodeCommit(msg)
			if err != nil {
				return err
			}
			if !fn(seq, rec) {
				return nil
			}
		}
		if err := mb.Error(); err != nil {
			return err
		}
		if empty {
			return nil
		}
	}
}

// === Subscribe ===

func (l *EventLog) Subscribe(
	ctx context.Context,
	stream es.StreamDescriptor,
	from es.Position,
	fn es.EventFunc,
) (es.Feed, error) {
	probe, err := l.Read(ctx, stream.WithDirection(es.Forward), 0, 1)
	if err != nil {
		return nil, err
	}
	if probe.NoStream {
		return nil, es.ErrNoStream
	}
	if from < 0 {
		from = 0
	}

	var (
		aggregate = stream.Kind() == es.StreamAggregate
		cfg       = jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverAllPolicy}
	)
	if aggregate {
		cfg.FilterSubjects = []string{l.aggregateSubject(stream)}
	} else {
		cfg.FilterSubjects = []string{l.derivedFilter(stream)}
		if seq := uint64(from) >> indexBits; seq > 1 {
			cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			cfg.OptStartSeq = seq
		}
	}

	cons, err := l.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &jsFeed{cancel: cancel, done: make(chan struct{})}
	log := l.log.With(slog.String("feed", stream.Name()))

	cc, err := cons.Consume(
		func(msg jetstream.Msg) {
			if ctx.Err() != nil {
				return
			}
			seq, rec, err := decodeCommit(msg)
			if err != nil {
				f.fail(err)
				return
			}
			for i, ev := range rec.Events {
				pos := es.Position(ev.Revision)
				if !aggregate {
					pos = derivedPosition(seq, i)
				}
				if pos < from || !matches(stream, ev) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if err := fn(ctx, ev.envelope(rec.Stream, pos)); err != nil {
					f.fail(err)
					return
				}
			}
		},
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			log.Warn("consume error", slog.Any("error", err))
		}),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer close(f.done)
		select {
		case <-ctx.Done():
		case <-cc.Closed():
		}
		cc.Stop()
		<-cc.Closed()
		log.Debug("feed stopped")
	}()

	return f, nil
}

type jsFeed struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (f *jsFeed) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.cancel()
}

func (f *jsFeed) Done() <-chan struct{} { return f.done }

func (f *jsFeed) Err() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *jsFeed) Close() {
	f.cancel()
	<-f.done
}

// === helpers ===

var subjectEscaper = strings.NewReplacer(
	"%", "%25",
	".", "%2E",
	"*", "%2A",
	">", "%3E",
	" ", "%20",
	"\t", "%09",
)

// escapeToken makes s usable as a single subject token.
func escapeToken(s string) string { return subjectEscaper.Replace(s) }

func (l *EventLog) aggregateSubject(stream es.StreamDescriptor) string {
	return l.prefix + "." + escapeToken(stream.Category()) + "." + escapeToken(stream.ID())
}

func (l *EventLog) derivedFilter(stream es.StreamDescriptor) string {
	if stream.Kind() == es.StreamCategory {
		return l.prefix + "." + escapeToken(stream.Category()) + ".*"
	}
	return l.prefix + ".>"
}

func matches(stream es.StreamDescriptor, ev eventRecord) bool {
	return stream.Kind() != es.StreamEventType || ev.Type == stream.Logical()
}

func derivedPosition(seq uint64, index int) es.Position {
	return es.Position(seq<<indexBits | uint64(index))
}

func decodeCommit(msg jetstream.Msg) (uint64, commitRecord, error) {
	var rec commitRecord
	md, err := msg.Metadata()
	if err != nil {
		return 0, rec, err
	}
	if err := json.Unmarshal(msg.Data(), &rec); err != nil {
		return 0, rec, fmt.Errorf("%w: commit %d: %w", es.ErrDecodeEvent, md.Sequence.Stream, err)
	}
	return md.Sequence.Stream, rec, nil
}

func (e eventRecord) envelope(stream string, pos es.Position) es.ReadEnvelope {
	return es.ReadEnvelope{
		ID:         e.ID,
		Type:       e.Type,
		Data:       e.Data,
		Metadata:   e.Metadata,
		Stream:     stream,
		Revision:   e.Revision,
		Position:   pos,
		OccurredAt: e.OccurredAt,
	}
}

var _ es.EventLog = (*EventLog)(nil)
