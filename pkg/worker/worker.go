package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hbomb79/Melody/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int32

	// TaskFn is executed repeatedly by a worker. It should return 'true'
	// if it performed work, in which case the worker will immediately call
	// it again. Returning 'false' indicates there was nothing to do, and
	// the worker will sleep until woken by the pool, or until its idle
	// interval elapses.
	TaskFn func(context.Context, Worker) (bool, error)

	Worker interface {
		Start(context.Context)
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Close()
	}

	taskWorker struct {
		label         string
		task          TaskFn
		idleInterval  time.Duration
		wakeupChan    WorkerWakeupChan
		currentStatus atomic.Int32
		closeOnce     sync.Once
		closed        atomic.Bool
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

// NewWorker creates a worker which will run the task provided until it is
// closed, or the context given to Start is cancelled. A zero idleInterval
// means the worker will only wake when explicitly signalled.
func NewWorker(label string, task TaskFn, idleInterval time.Duration) *taskWorker {
	worker := &taskWorker{
		label:        label,
		task:         task,
		idleInterval: idleInterval,
		wakeupChan:   make(WorkerWakeupChan),
	}
	worker.currentStatus.Store(int32(SLEEPING))

	return worker
}

// Start runs the workers task in a loop. This method blocks until
// the worker is closed or the context is cancelled. A task which is
// already running when either occurs is allowed to finish.
func (worker *taskWorker) Start(ctx context.Context) {
	workerLogger.Emit(logger.NEW, "Starting worker with label %v\n", worker.label)
	defer func() {
		worker.setStatus(FINISHED)
		workerLogger.Emit(logger.STOP, "Worker with label %v has stopped\n", worker.label)
	}()

	for {
		if worker.closed.Load() || ctx.Err() != nil {
			return
		}

		worker.setStatus(WORKING)
		didWork, err := worker.runTask(ctx)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker with label %v has reported an error(%T): %v\n", worker.label, err, err.Error())
		}

		if !didWork && !worker.sleep(ctx) {
			return
		}
	}
}

// runTask executes the task, converting a panic in to an error so that
// a single misbehaving task cannot take down the worker.
func (worker *taskWorker) runTask(ctx context.Context) (didWork bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			didWork, err = true, fmt.Errorf("task panic: %v", r)
		}
	}()

	return worker.task(ctx, worker)
}

// sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine, the idle interval elapses, or the
// context is cancelled. Returns 'false' if the worker should exit.
func (worker *taskWorker) sleep(ctx context.Context) bool {
	worker.setStatus(SLEEPING)

	var idle <-chan time.Time
	if worker.idleInterval > 0 {
		timer := time.NewTimer(worker.idleInterval)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case _, isAlive := <-worker.wakeupChan:
		if !isAlive {
			workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
		}
		return isAlive
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.currentStatus.Store(int32(status))
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the WakeChan.
// Note that this does not interupt a task that is currently
// running; the worker exits once it completes.
func (worker *taskWorker) Close() {
	worker.closeOnce.Do(func() {
		worker.closed.Store(true)
		close(worker.wakeupChan)
	})
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

func (s WorkerStatus) String() string {
	switch s {
	case SLEEPING:
		return fmt.Sprintf("SLEEPING[%d]", s)
	case WORKING:
		return fmt.Sprintf("WORKING[%d]", s)
	case FINISHED:
		return fmt.Sprintf("FINISHED[%d]", s)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}
