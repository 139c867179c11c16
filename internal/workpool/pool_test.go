package workpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockWorker occupies the single worker of p until the returned func is called.
func blockWorker(t *testing.T, p *Pool) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), -1, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	return func() { close(release) }
}

func TestLowestPriorityFirst(t *testing.T) {
	p := New(1)
	defer p.Close()
	release := blockWorker(t, p)

	var (
		mu    sync.Mutex
		order []int64
		wg    sync.WaitGroup
	)
	for _, prio := range []int64{3, 1, 2, 1} {
		prio := prio
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), prio, func(context.Context) error {
				mu.Lock()
				order = append(order, prio)
				mu.Unlock()
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return p.Pending() == 4 }, time.Second, time.Millisecond)
	release()
	wg.Wait()
	assert.Equal(t, []int64{1, 1, 2, 3}, order)
}

func TestDoReturnsError(t *testing.T) {
	p := New(2)
	defer p.Close()
	boom := errors.New("boom")
	err := p.Do(context.Background(), 0, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestCancelWhileQueuedSkipsWork(t *testing.T) {
	p := New(1)
	defer p.Close()
	release := blockWorker(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	errc := make(chan error, 1)
	go func() {
		errc <- p.Do(ctx, 0, func(context.Context) error {
			ran = true
			return nil
		})
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	release()

	// the pool keeps serving afterwards
	require.NoError(t, p.Do(context.Background(), 0, func(context.Context) error { return nil }))
	assert.False(t, ran)
}

func TestCloseDropsQueuedAndRejectsNew(t *testing.T) {
	p := New(1)
	release := blockWorker(t, p)

	errc := make(chan error, 1)
	go func() {
		errc <- p.Do(context.Background(), 0, func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	assert.ErrorIs(t, <-errc, ErrClosed)
	release()
	<-closed

	assert.ErrorIs(t, p.Do(context.Background(), 0, func(context.Context) error { return nil }), ErrClosed)
	p.Close()
}

func TestPausedPoolWaitsForStart(t *testing.T) {
	p := NewPaused(1)
	defer p.Close()

	var (
		mu    sync.Mutex
		order []int64
	)
	var jobs []*Job
	for _, prio := range []int64{3, 1, 2} {
		prio := prio
		jobs = append(jobs, p.Submit(context.Background(), prio, func(context.Context) error {
			mu.Lock()
			order = append(order, prio)
			mu.Unlock()
			return nil
		}))
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, p.Pending())

	p.Start()
	for _, j := range jobs {
		require.NoError(t, j.Wait())
	}
	assert.Equal(t, []int64{1, 2, 3}, order)
}

func TestSubmitAfterCancelOrClose(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, 0, func(context.Context) error { return nil }).Wait(), context.Canceled)
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), 0, func(context.Context) error { return nil }).Wait(), ErrClosed)
}
