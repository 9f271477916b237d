package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbomb79/Melody/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Pool_RunsTaskUntilIdle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	task := func(_ context.Context, _ worker.Worker) (bool, error) {
		// Report work for the first three calls only
		return calls.Add(1) <= 3, nil
	}

	pool := worker.NewWorkerPool()
	require.NoError(t, pool.PushWorker(worker.NewWorker("test-0", task, 0)))
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)

	assert.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, 10*time.Millisecond)

	// Worker is now asleep; a wakeup should cause one more call
	assert.Eventually(t, func() bool {
		_ = pool.WakeupWorkers()
		return calls.Load() >= 5
	}, time.Second, 10*time.Millisecond)
}

func Test_Pool_IdleIntervalPolls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	task := func(_ context.Context, _ worker.Worker) (bool, error) {
		calls.Add(1)
		return false, nil
	}

	pool := worker.NewWorkerPool()
	require.NoError(t, pool.PushWorker(worker.NewWorker("poller", task, 5*time.Millisecond)))
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func Test_Pool_CloseWaitsForInflightTask(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once atomic.Bool
	task := func(_ context.Context, _ worker.Worker) (bool, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
			<-release
			finished.Store(true)
			return true, nil
		}
		return false, nil
	}

	pool := worker.NewWorkerPool()
	require.NoError(t, pool.PushWorker(worker.NewWorker("inflight", task, 0)))
	require.NoError(t, pool.Start(context.Background()))
	<-started

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("pool closed before in-flight task completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("pool did not close after in-flight task completed")
	}
	assert.True(t, finished.Load())
}

func Test_Worker_SurvivesTaskErrorsAndPanics(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	task := func(_ context.Context, _ worker.Worker) (bool, error) {
		switch calls.Add(1) {
		case 1:
			return true, errors.New("boom")
		case 2:
			panic("kaboom")
		default:
			return false, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewWorkerPool()
	require.NoError(t, pool.PushWorker(worker.NewWorker("faulty", task, 0)))
	require.NoError(t, pool.Start(ctx))

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()
}

func Test_Pool_RejectsPushAfterStart(t *testing.T) {
	t.Parallel()

	pool := worker.NewWorkerPool()
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)

	assert.Error(t, pool.PushWorker(worker.NewWorker("late", nil, 0)))
	assert.Error(t, pool.Start(context.Background()))
}

func Test_Pool_WakeupDuringCloseIsSafe(t *testing.T) {
	t.Parallel()

	idle := func(_ context.Context, _ worker.Worker) (bool, error) { return false, nil }

	for round := range 20 {
		pool := worker.NewWorkerPool()
		for i := range 32 {
			require.NoError(t, pool.PushWorker(worker.NewWorker(fmt.Sprintf("idle-%d", i), idle, time.Millisecond)))
		}
		require.NoError(t, pool.Start(context.Background()))

		var panics atomic.Int32
		stop := make(chan struct{})
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				func() {
					defer func() {
						if r := recover(); r != nil {
							panics.Add(1)
						}
					}()
					_ = pool.WakeupWorkers()
				}()
			}
		}()

		pool.Close()
		close(stop)
		wg.Wait()

		assert.Zero(t, panics.Load(), "round %d: waking workers during close must not panic", round)
		assert.NoError(t, pool.WakeupWorkers(), "waking a closed pool is a no-op")
		assert.Error(t, pool.Start(context.Background()), "a closed pool cannot be restarted")
	}
}
