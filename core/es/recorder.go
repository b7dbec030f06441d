package es

// Recorder buffers events raised but not yet persisted, in raise order.
type Recorder struct {
	events []any
}

func (r *Recorder) Record(event any) { r.events = append(r.events, event) }
func (r *Recorder) Len() int         { return len(r.events) }

// Pending returns a copy of the buffered events.
func (r *Recorder) Pending() []any {
	out := make([]any, len(r.events))
	copy(out, r.events)
	return out
}

// Drain returns the buffered events and empties the buffer.
func (r *Recorder) Drain() []any {
	out := r.events
	r.events = nil
	if out == nil {
		return []any{}
	}
	return out
}
