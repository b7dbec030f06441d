package sf

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates concurrent function calls with the same key.
// The zero value is ready to use.
type Group[T any] struct {
	group singleflight.Group
}

// Do executes fn for the given key, deduplicating concurrent calls.
// If a call is already in-flight for this key, Do blocks until it completes
// and returns the same result.
func (g *Group[T]) Do(key string, fn func() (T, error)) (T, error) {
	v, err, _ := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// DoContext is like Do, but a caller whose ctx ends stops waiting without
// failing the shared call. fn runs with ctx minus its cancellation, so it
// must bound itself.
func (g *Group[T]) DoContext(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	flight := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(flight)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Forget drops an in-flight key so the next Do for it runs fn again
// instead of joining the current call.
func (g *Group[T]) Forget(key string) { g.group.Forget(key) }

// New creates a new Group for results of type T.
func New[T any]() *Group[T] {
	return &Group[T]{}
}
