package es

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// MsgCtx is what a subscription hands to its handlers for one event.
type MsgCtx struct {
	ctx          context.Context
	log          *slog.Logger
	env          ReadEnvelope
	subscription string
}

func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Envelope() ReadEnvelope   { return c.env }
func (c MsgCtx) Type() string             { return c.env.Type }
func (c MsgCtx) Data() []byte             { return c.env.Data }
func (c MsgCtx) Position() Position       { return c.env.Position }
func (c MsgCtx) Revision() Version        { return c.env.Revision }
func (c MsgCtx) Stream() string           { return c.env.Stream }
func (c MsgCtx) OccurredAt() time.Time    { return c.env.OccurredAt }
func (c MsgCtx) Subscription() string     { return c.subscription }

type (
	Handler interface {
		Handle(msg MsgCtx) error
	}
	HandleFunc           func(msg MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(msg MsgCtx, next Handler) error
)

func (f HandleFunc) Handle(msg MsgCtx) error { return f(msg) }

// sameHandler reports whether a and b are the same registration. Handlers
// of uncomparable dynamic types, such as HandleFunc, never match.
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// === typed ===

// TypedHandler decodes the payload into T before calling its function.
type TypedHandler[T any] struct {
	eventType string
	fn        func(msg MsgCtx, ev T) error
}

func NewTypedHandler[T any](fn func(msg MsgCtx, ev T) error) *TypedHandler[T] {
	return &TypedHandler[T]{eventType: EventTypeFor[T](), fn: fn}
}

func (h *TypedHandler[T]) EventType() string { return h.eventType }

func (h *TypedHandler[T]) Handle(msg MsgCtx) error {
	var ev T
	if len(msg.env.Data) > 0 {
		if err := json.Unmarshal(msg.env.Data, &ev); err != nil {
			return fmt.Errorf("%w: %s at %d: %w", ErrDecodeEvent, msg.env.Type, msg.env.Position, err)
		}
	}
	return h.fn(msg, ev)
}

// On registers fn for events of type T on sub and returns the registration.
func On[T any](sub *Subscription, fn func(msg MsgCtx, ev T) error) *TypedHandler[T] {
	h := NewTypedHandler(fn)
	sub.On(h.eventType, h)
	return h
}

// === middleware ===

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(msg MsgCtx) error { return m.mw(msg, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{
			next: next,
			mw:   mw,
		}
	}
}

func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(msg MsgCtx, next Handler) (err error) {
		handleAt := time.Now()

		log := msg.Log().With(attrs...)

		err = next.Handle(msg)
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
		} else {
			log.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
		}

		return err
	})
}
