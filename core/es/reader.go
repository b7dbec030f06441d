package es

import (
	"context"
	"log/slog"
)

// DefaultPageSize is the number of events fetched per read call.
const DefaultPageSize = 500

// Cursor reports how far a paginated read got.
type Cursor struct {
	// Next is the position to continue from.
	Next Position
	// Read is the number of events handed to the page callback.
	Read        int
	EndOfStream bool
	// NoStream is set when the stream does not exist. It is a result, not an
	// error.
	NoStream bool
}

// Reader replays streams from the backing log in bounded pages.
type Reader struct {
	log      EventLog
	pageSize int
	logger   *slog.Logger
	metrics  ESMetrics
}

func NewReader(log EventLog, opts ...ReaderOption) *Reader {
	options := newReaderOpts(opts...)
	return &Reader{
		log:      log,
		pageSize: options.pageSize,
		logger:   options.log.With(slog.String("component", "reader")),
		metrics:  options.metrics,
	}
}

func (r *Reader) PageSize() int { return r.pageSize }

// Read feeds pages of at most PageSize events to page, starting at start in
// the stream's direction, until count events were read or the end of the
// stream was reached. A count of zero or less reads to the end.
func (r *Reader) Read(
	ctx context.Context,
	stream StreamDescriptor,
	start Position,
	count int,
	page func([]ReadEnvelope) error,
) (Cursor, error) {
	cur := Cursor{Next: start}

	for {
		n := r.pageSize
		if count > 0 && count-cur.Read < n {
			n = count - cur.Read
		}

		t := r.metrics.ReadDuration(stream.Kind().String())
		res, err := r.log.Read(ctx, stream, cur.Next, n)
		t.ObserveDuration()
		if err != nil {
			return cur, err
		}

		if res.NoStream {
			cur.NoStream = true
			return cur, nil
		}

		if len(res.Events) > 0 {
			if err := page(res.Events); err != nil {
				return cur, err
			}
			cur.Read += len(res.Events)
			cur.Next = res.Next
		}

		r.logger.Debug(
			"page",
			slog.String("stream", stream.Name()),
			slog.Int("events", len(res.Events)),
			cur.Next.SlogAttr(),
		)

		switch {
		case res.EndOfStream, len(res.Events) == 0:
			cur.EndOfStream = true
			return cur, nil
		case count > 0 && cur.Read >= count:
			return cur, nil
		}
	}
}
