package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeyRunsSerially(t *testing.T) {
	t.Parallel()
	q := New(nil, time.Minute)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	running := 0
	maxRunning := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		q.Enqueue("channel-1", func(context.Context) {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			order = append(order, i)
			running--
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 1, maxRunning, "one job at a time per key")
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, order[i], "FIFO order preserved")
	}
}

func TestDistinctKeysRunInParallel(t *testing.T) {
	t.Parallel()
	q := New(nil, time.Minute)
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan string, 2)

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		key := key
		wg.Add(1)
		q.Enqueue(key, func(context.Context) {
			defer wg.Done()
			started <- key
			<-gate
		})
	}

	// Both jobs must start while neither has finished.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs did not run in parallel")
		}
	}
	close(gate)
	wg.Wait()
}

func TestWorkerDrainsAndSelfDeletes(t *testing.T) {
	t.Parallel()
	q := New(nil, time.Minute)
	defer q.Close()

	done := make(chan struct{})
	q.Enqueue("k", func(context.Context) { close(done) })
	<-done

	require.Eventually(t, func() bool {
		return q.Depth("k") == 0 && len(q.Status()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAbortCancelsRunningJob(t *testing.T) {
	t.Parallel()
	q := New(nil, time.Minute)
	defer q.Close()

	started := make(chan struct{})
	canceled := make(chan struct{})
	q.Enqueue("k", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	})

	<-started
	assert.True(t, q.Abort("k"))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("abort did not cancel the running job")
	}

	assert.False(t, q.Abort("missing"))
}

func TestAbortLetsQueuedJobsRun(t *testing.T) {
	t.Parallel()
	q := New(nil, time.Minute)
	defer q.Close()

	started := make(chan struct{})
	second := make(chan struct{})
	q.Enqueue("k", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	q.Enqueue("k", func(context.Context) { close(second) })

	<-started
	require.True(t, q.Abort("k"))

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("queued job did not run after abort")
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()
	q := New(nil, 10*time.Millisecond)
	defer q.Close()

	timedOut := make(chan struct{})
	q.Enqueue("k", func(ctx context.Context) {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			close(timedOut)
		}
	})

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("job context did not hit its deadline")
	}
}

func TestStatusReportsDepth(t *testing.T) {
	t.Parallel()
	q := New(nil, time.Minute)
	defer q.Close()

	gate := make(chan struct{})
	q.Enqueue("k", func(context.Context) { <-gate })
	q.Enqueue("k", func(context.Context) {})

	require.Eventually(t, func() bool {
		st := q.Status()
		return len(st) == 1 && st[0].RunningJobID != "" && st[0].Pending == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, q.Depth("k"))

	close(gate)
}

func TestCloseRejectsNewJobs(t *testing.T) {
	t.Parallel()
	q := New(nil, time.Minute)
	q.Close()
	assert.Empty(t, q.Enqueue("k", func(context.Context) {}))
}
