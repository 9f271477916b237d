package worker

import (
	"context"
	"errors"
	"sync"
)

// WorkerPool contains a set of workers which are all started
// together, and closed together. The WaitGroup is
// automatically controlled by the WorkerPool.
type WorkerPool struct {
	sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	started bool
	closing bool
}

// NewWorkerPool creates a new WorkerPool struct
// and initialises the 'workers' slice.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers
// currently inside the WorkerPool and creates
// a goroutine for each. The 'Start' method of
// each worker is executed concurrently.
//
// Start does NOT block, consumers should use 'Wait' or
// 'Close' to wait for the workers to exit.
func (pool *WorkerPool) Start(ctx context.Context) error {
	pool.Lock()
	defer pool.Unlock()

	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}
	if pool.closing {
		return errors.New("cannot start a closed worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	return nil
}

// PushWorker inserts the worker provided in to the worker pool. Workers
// cannot be added once the pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.Lock()
	defer pool.Unlock()

	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers will search for sleeping workers in the pool
// and will send on their WakeupChannel to wake up sleeping workers.
// Once the pool is closing this is a no-op, as the wakeup channels
// have been (or are about to be) closed.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.Lock()
	defer pool.Unlock()

	if pool.closing {
		return nil
	}
	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		if w.Status() == SLEEPING {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

// Size returns the number of workers in the pool
func (pool *WorkerPool) Size() int {
	pool.Lock()
	defer pool.Unlock()

	return len(pool.workers)
}

// Wait blocks until all workers in the pool have exited
func (pool *WorkerPool) Wait() {
	pool.wg.Wait()
}

// Close will cycle through all the workers inside this
// worker pool and close their wakeup channels, before
// waiting for all of them to exit.
func (pool *WorkerPool) Close() {
	pool.Lock()
	if !pool.started {
		pool.Unlock()
		return
	}

	pool.closing = true
	for _, w := range pool.workers {
		w.Close()
	}
	pool.Unlock()

	pool.wg.Wait()

	pool.Lock()
	pool.started = false
	pool.Unlock()
}
