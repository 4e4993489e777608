package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Submit(t *testing.T) {
	t.Run("delivers the task result", func(t *testing.T) {
		p := New(2, 4, nil)
		defer p.Close()

		boom := errors.New("boom")
		done, err := p.Submit(func(context.Context) error { return boom })
		require.NoError(t, err)
		assert.ErrorIs(t, <-done, boom)

		done, err = p.Submit(func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.NoError(t, <-done)
	})

	t.Run("bounds concurrency", func(t *testing.T) {
		p := New(2, 16, nil)
		defer p.Close()

		var running, peak atomic.Int32
		var results []<-chan error
		for range 8 {
			done, err := p.Submit(func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			require.NoError(t, err)
			results = append(results, done)
		}

		for _, done := range results {
			require.NoError(t, <-done)
		}
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("rejects when the queue is full", func(t *testing.T) {
		p := New(1, 1, nil)
		defer p.Close()

		release := make(chan struct{})
		blocker := func(context.Context) error { <-release; return nil }

		var rejected error
		for range 10 {
			if _, err := p.Submit(blocker); err != nil {
				rejected = err
				break
			}
		}
		close(release)
		assert.ErrorIs(t, rejected, ErrQueueFull)
	})

	t.Run("converts panics into errors", func(t *testing.T) {
		p := New(1, 1, nil)
		defer p.Close()

		done, err := p.Submit(func(context.Context) error { panic("camera exploded") })
		require.NoError(t, err)
		err = <-done
		require.Error(t, err)
		assert.Contains(t, err.Error(), "camera exploded")
	})
}

func TestPool_Close(t *testing.T) {
	p := New(1, 4, nil)

	started := make(chan struct{})
	done, err := p.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	p.Close()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err = p.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	p.Close()
	assert.Equal(t, 0, p.Pending())
}
