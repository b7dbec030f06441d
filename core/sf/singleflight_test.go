package sf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_Do(t *testing.T) {
	g := New[int]()
	v, err := g.Do("k", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestGroup_DoError(t *testing.T) {
	g := New[string]()
	boom := errors.New("boom")
	v, err := g.Do("k", func() (string, error) { return "ignored", boom })
	require.ErrorIs(t, err, boom)
	require.Empty(t, v)
}

func TestGroup_Dedupe(t *testing.T) {
	var (
		g       = New[bool]()
		calls   atomic.Int32
		release = make(chan struct{})
		wg      sync.WaitGroup
	)

	const n = 10
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			v, err := g.Do("stream", func() (bool, error) {
				calls.Add(1)
				<-release
				return true, nil
			})
			assert.NoError(t, err)
			assert.True(t, v)
		}()
	}

	// give all goroutines a chance to join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, calls.Load(), int32(n))
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestGroup_DoContext_CallerCancelled(t *testing.T) {
	var (
		g       = New[int]()
		started = make(chan struct{})
		release = make(chan struct{})
		once    sync.Once
	)
	fn := func(ctx context.Context) (int, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 42, nil
	}

	ctx, cancel := context.WithCancel(t.Context())
	first := make(chan error, 1)
	go func() {
		_, err := g.DoContext(ctx, "k", fn)
		first <- err
	}()
	<-started

	second := make(chan int, 1)
	go func() {
		v, err := g.DoContext(t.Context(), "k", fn)
		assert.NoError(t, err)
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(release)
	select {
	case v := <-second:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("second caller did not get the shared result")
	}
}
