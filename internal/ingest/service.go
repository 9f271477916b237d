package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/catalog"
	"github.com/hbomb79/Melody/internal/event"
	"github.com/hbomb79/Melody/internal/fetcher"
	"github.com/hbomb79/Melody/internal/queue"
	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/hbomb79/Melody/pkg/worker"
)

const statusWriteTimeout = 5 * time.Second

var log = logger.Get("IngestServ")

type (
	Broker interface {
		Enqueue(ctx context.Context, payload []byte) (string, error)
	}

	Consumer interface {
		Read(ctx context.Context) (*queue.Message, error)
		Ack(ctx context.Context, msg *queue.Message) error
	}

	// ConsumerFactory returns the broker consumer a worker should read from.
	// Each worker is given its own consumer.
	ConsumerFactory func(workerLabel string) (Consumer, error)

	Fetcher interface {
		Fetch(ctx context.Context, sourceURL string) (*fetcher.Audio, error)
	}

	BlobStore interface {
		Put(ctx context.Context, name string, contentType string, data []byte) (string, error)
		Delete(ctx context.Context, url string) error
	}

	Catalog interface {
		SourceIngested(ctx context.Context, sourceID string) (bool, error)
		CommitIngest(ctx context.Context, song *catalog.Song, sourceID string) error
		GetSourceRecord(ctx context.Context, sourceID string) (*catalog.SourceIngestRecord, error)
	}

	StatusStore interface {
		Put(ctx context.Context, status JobStatus) error
		Get(ctx context.Context, jobID uuid.UUID) (*JobStatus, error)
		Delete(ctx context.Context, jobID uuid.UUID) error
	}

	Dependencies struct {
		Broker    Broker
		Consumers ConsumerFactory
		Fetcher   Fetcher
		Blobs     BlobStore
		Catalog   Catalog
		Statuses  StatusStore
		EventBus  event.EventDispatcher
	}

	// Service accepts ingestion submissions, placing them on the broker,
	// and runs a pool of workers which consume the broker and drive each
	// job through the ingestion pipeline.
	//
	// Jobs are acknowledged only once they reach a terminal state, so a
	// worker that dies mid-job leaves its job on the broker to be
	// redelivered. Duplicate deliveries are harmless: the catalog commit
	// is keyed on the source ID.
	Service struct {
		config     Config
		broker     Broker
		statuses   StatusStore
		eventBus   event.EventDispatcher
		pipeline   *pipeline
		validate   *validator.Validate
		workerPool *worker.WorkerPool
		now        func() time.Time
	}
)

// New creates a new ingestion Service, constructing a worker (and a consumer
// for each) for every unit of configured parallelism. The workers are not
// started until Run is called.
func New(config Config, deps Dependencies) (*Service, error) {
	if deps.Broker == nil || deps.Consumers == nil || deps.Fetcher == nil || deps.Blobs == nil || deps.Catalog == nil || deps.Statuses == nil || deps.EventBus == nil {
		return nil, errors.New("ingest service is missing one or more dependencies")
	}

	validate := NewValidator()
	service := &Service{
		config:   config,
		broker:   deps.Broker,
		statuses: deps.Statuses,
		eventBus: deps.EventBus,
		pipeline: &pipeline{
			config:   config,
			validate: validate,
			fetcher:  deps.Fetcher,
			blobs:    deps.Blobs,
			catalog:  deps.Catalog,
		},
		validate:   validate,
		workerPool: worker.NewWorkerPool(),
		now:        time.Now,
	}

	for i := range max(config.Parallelism, 1) {
		label := fmt.Sprintf("ingest-worker-%d", i)
		consumer, err := deps.Consumers(label)
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer for %s: %w", label, err)
		}

		if err := service.workerPool.PushWorker(worker.NewWorker(label, service.executeTask(consumer), config.PollInterval())); err != nil {
			return nil, err
		}
	}

	return service, nil
}

// Run starts the worker pool and blocks until the context is cancelled. Once
// cancelled, no further jobs are read from the broker, but any job already
// being processed is allowed to reach a terminal state (and be acknowledged)
// before Run returns.
func (service *Service) Run(ctx context.Context) error {
	if err := service.workerPool.Start(ctx); err != nil {
		return err
	}

	log.Emit(logger.INFO, "Ingestion service started with %d workers\n", service.workerPool.Size())
	<-ctx.Done()

	log.Emit(logger.STOP, "Ingestion service stopping... waiting for in-flight jobs\n")
	service.workerPool.Close()
	return nil
}

// Submit validates the job provided and places it on the broker. This does not
// wait for the job to be processed. The submitted job (with its ID and submission
// time populated) is returned.
//
// Invalid jobs are rejected with an INPUT_ERROR trouble and nothing is enqueued.
// If the broker refuses the job, an error wrapping ErrBrokerUnavailable is returned.
func (service *Service) Submit(ctx context.Context, job Job) (*Job, error) {
	sourceID, err := job.Validate(service.validate)
	if err != nil {
		SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	job.ID = uuid.New()
	job.SubmittedAt = service.now().UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	// The status is written first so that a fast worker can't have its
	// terminal status overwritten by the QUEUED one.
	service.putStatus(ctx, JobStatus{
		JobID:       job.ID,
		SourceURL:   job.SourceURL,
		SourceID:    sourceID,
		State:       QUEUED,
		SubmittedBy: job.SubmittedBy,
		UpdatedAt:   job.SubmittedAt,
	})

	messageID, err := service.broker.Enqueue(ctx, payload)
	if err != nil {
		SubmissionsTotal.WithLabelValues("unavailable").Inc()
		log.Emit(logger.ERROR, "Failed to enqueue job %s: %v\n", &job, err)

		// The caller never learns this job's ID, so its QUEUED status
		// would only linger until the TTL.
		service.deleteStatus(ctx, job.ID)
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	SubmissionsTotal.WithLabelValues("accepted").Inc()
	log.Emit(logger.NEW, "Enqueued job %s as message %s (submitted by %s)\n", &job, messageID, job.SubmittedBy)

	// Local workers may be idling between polls
	_ = service.workerPool.WakeupWorkers()
	return &job, nil
}

// Status returns the latest known status of the job with the ID provided.
func (service *Service) Status(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	return service.statuses.Get(ctx, jobID)
}

// executeTask returns the worker task for a worker reading from the consumer
// provided. Each invocation reads at most one message, processes it to a
// terminal state and then acknowledges it.
func (service *Service) executeTask(consumer Consumer) worker.TaskFn {
	return func(ctx context.Context, w worker.Worker) (bool, error) {
		msg, err := consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("failed to read from broker: %w", err)
		} else if msg == nil {
			return false, nil
		}

		// Shutdown must not interrupt a job which has been received; the
		// stage timeouts still bound how long it can take.
		jobCtx := context.WithoutCancel(ctx)

		InFlightJobs.Inc()
		outcome := service.pipeline.process(jobCtx, msg.Payload, msg.Deliveries)
		InFlightJobs.Dec()

		service.report(jobCtx, w.Label(), msg, outcome)

		ackCtx, cancel := context.WithTimeout(jobCtx, statusWriteTimeout)
		defer cancel()
		if err := consumer.Ack(ackCtx, msg); err != nil {
			return true, fmt.Errorf("failed to acknowledge message %s (job %s, state %s): %w", msg.ID, outcome.jobID(), outcome.State, err)
		}

		return true, nil
	}
}

// report logs, counts, records and dispatches the outcome of a job.
func (service *Service) report(ctx context.Context, workerLabel string, msg *queue.Message, outcome *Outcome) {
	OutcomesTotal.WithLabelValues(outcome.State.Name()).Inc()

	jobID, sourceURL, submittedBy := uuid.Nil, "", ""
	if outcome.Job != nil {
		jobID, sourceURL, submittedBy = outcome.Job.ID, outcome.Job.SourceURL, outcome.Job.SubmittedBy
	}

	switch outcome.State {
	case DONE:
		log.Emit(logger.SUCCESS, "[%s] Job %s ingested %s as song %s\n", workerLabel, jobID, outcome.SourceID, outcome.SongID)
	case SKIPPED:
		log.Emit(logger.INFO, "[%s] Job %s skipped: source %s already ingested (stage=%s)\n", workerLabel, jobID, outcome.SourceID, outcome.Stage)
	default:
		troubleType := TroubleTypeOf(outcome.Err)
		level := logger.ERROR
		if troubleType == INVARIANT_VIOLATION {
			level = logger.FATAL
		}
		log.Emit(level, "[%s] Job %s (message %s, delivery %d) failed: state=%s stage=%s source_url=%s trouble=%s error=%v\n",
			workerLabel, jobID, msg.ID, msg.Deliveries, outcome.State, outcome.Stage, sourceURL, troubleType, outcome.Err)
	}

	if jobID != uuid.Nil {
		status := JobStatus{
			JobID:       jobID,
			SourceURL:   sourceURL,
			SourceID:    outcome.SourceID,
			State:       outcome.State.Name(),
			Stage:       outcome.Stage,
			Deliveries:  outcome.Deliveries,
			SubmittedBy: submittedBy,
			UpdatedAt:   service.now().UTC(),
		}
		if outcome.SongID != uuid.Nil {
			songID := outcome.SongID
			status.SongID = &songID
		}
		if outcome.Err != nil {
			status.Error = outcome.Err.Error()
		}
		service.putStatus(ctx, status)
	}

	service.eventBus.Dispatch(event.INGEST_COMPLETE, event.IngestOutcome{
		JobID:     jobID,
		SourceURL: sourceURL,
		SourceID:  outcome.SourceID,
		State:     outcome.State.Name(),
		Stage:     outcome.Stage,
		SongID:    outcome.SongID,
		Err:       outcome.Err,
	})
	if outcome.State == DONE {
		service.eventBus.Dispatch(event.NEW_SONG, outcome.SongID)
	}
}

// putStatus records the job status provided. Status records are informational,
// so failures are logged and otherwise ignored.
func (service *Service) putStatus(ctx context.Context, status JobStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err := service.statuses.Put(ctx, status); err != nil {
		log.Emit(logger.WARNING, "Failed to record status %s for job %s: %v\n", status.State, status.JobID, err)
	}
}

func (service *Service) deleteStatus(ctx context.Context, jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err := service.statuses.Delete(ctx, jobID); err != nil {
		log.Emit(logger.WARNING, "Failed to remove status for unqueued job %s: %v\n", jobID, err)
	}
}
