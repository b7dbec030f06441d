package es

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryLog is an EventLog kept in process memory, for tests and development.
// Category and event type streams are maintained on append with dense
// positions starting at 0.
type MemoryLog struct {
	mu      sync.RWMutex
	log     *slog.Logger
	streams map[string][]ReadEnvelope
	changed *Broadcast
}

func NewMemoryLog(opts ...MemoryLogOption) *MemoryLog {
	options := memoryLogOpts{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToMemoryLog(&options)
	}
	return &MemoryLog{
		log:     options.log.With(slog.String("log", "memory")),
		streams: map[string][]ReadEnvelope{},
		changed: NewBroadcast(),
	}
}

func (m *MemoryLog) Append(
	_ context.Context,
	stream StreamDescriptor,
	expected Version,
	events []WriteEnvelope,
) (AppendResult, error) {
	if err := CheckAppend(stream, expected, events); err != nil {
		return AppendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.streams[stream.Name()]
	head := Version(len(cur)) - 1
	if head != expected {
		return AppendResult{}, ConflictError(stream, expected, head)
	}

	var last Position
	for i, e := range events {
		rev := expected + 1 + Version(i)
		env := ReadEnvelope{
			ID:         e.ID,
			Type:       e.Type,
			Data:       e.Data,
			Metadata:   e.Metadata,
			Stream:     stream.Name(),
			Revision:   rev,
			OccurredAt: e.OccurredAt,
		}
		last = m.push(stream.Name(), env)
		m.push(stream.CategoryStream().Name(), env)
		m.push(Naming{}.EventType(e.Type).Name(), env)
	}

	m.log.Debug(
		"append",
		slog.String("stream", stream.Name()),
		expected.SlogAttrWithKey("expected"),
		slog.Int("num_events", len(events)),
	)

	m.changed.Notify()

	return AppendResult{
		NextExpectedVersion: expected + Version(len(events)),
		Position:            last,
	}, nil
}

// push appends env to a stream, assigning the next dense position.
func (m *MemoryLog) push(name string, env ReadEnvelope) Position {
	env.Position = Position(len(m.streams[name]))
	m.streams[name] = append(m.streams[name], env)
	return env.Position
}

func (m *MemoryLog) Read(
	_ context.Context,
	stream StreamDescriptor,
	start Position,
	count int,
) (ReadResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, ok := m.streams[stream.Name()]
	if !ok {
		return ReadResult{NoStream: true, Next: start}, nil
	}
	return readDense(events, stream.Direction(), start, count), nil
}

// readDense pages through a stream whose positions equal slice indexes.
func readDense(events []ReadEnvelope, dir Direction, start Position, count int) ReadResult {
	n := Position(len(events))
	if count <= 0 {
		count = len(events)
	}

	res := ReadResult{}
	if dir == Backward {
		if start >= n {
			start = n - 1
		}
		i := start
		for ; i >= 0 && len(res.Events) < count; i-- {
			res.Events = append(res.Events, events[i])
		}
		res.Next = i
		res.EndOfStream = i < 0
		return res
	}

	if start < 0 {
		start = 0
	}
	i := start
	for ; i < n && len(res.Events) < count; i++ {
		res.Events = append(res.Events, events[i])
	}
	res.Next = i
	res.EndOfStream = i >= n
	return res
}

func (m *MemoryLog) Subscribe(
	ctx context.Context,
	stream StreamDescriptor,
	from Position,
	fn EventFunc,
) (Feed, error) {
	m.mu.RLock()
	_, ok := m.streams[stream.Name()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNoStream
	}

	forward := stream.WithDirection(Forward)
	return StartCatchUpFeed(ctx, CatchUpConfig{
		Stream: forward,
		Read: func(ctx context.Context, from Position, count int) (ReadResult, error) {
			return m.Read(ctx, forward, from, count)
		},
		Wake: m.changed.Wait,
		Log:  m.log,
	}, from, fn), nil
}

var _ EventLog = (*MemoryLog)(nil)
