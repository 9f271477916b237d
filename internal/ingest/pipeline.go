package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/catalog"
	"github.com/hbomb79/Melody/internal/database"
	"github.com/hbomb79/Melody/internal/fetcher"
	"github.com/hbomb79/Melody/pkg/logger"
)

var (
	ErrJobPanicked = errors.New("job processing panicked")

	// ErrCommitOutcomeUnknown is reported when a commit failed ambiguously
	// and the catalog could not be consulted to find out whether the rows
	// were written. The uploaded blob is kept.
	ErrCommitOutcomeUnknown = errors.New("commit outcome could not be verified")
)

type (
	// Outcome describes the terminal state reached by a single delivery of a job.
	Outcome struct {
		// Job is nil if the payload could not be decoded
		Job        *Job
		SourceID   string
		State      State
		Stage      string
		SongID     uuid.UUID
		FileURL    string
		Deliveries int64
		Err        error

		// retainBlob is set when the uploaded blob may be referenced by a
		// committed song, and so must not be deleted on failure.
		retainBlob bool
	}

	// pipeline drives a single job through the ingestion state machine:
	// RECEIVED -> DEDUP_CHECK -> FETCHING -> UPLOADING -> COMMITTING -> DONE,
	// branching to a terminal failure state (or SKIPPED) as soon as a stage
	// fails. The pipeline never returns an error; every failure is captured
	// in the Outcome.
	pipeline struct {
		config   Config
		validate *validator.Validate
		fetcher  Fetcher
		blobs    BlobStore
		catalog  Catalog
	}
)

func stageOf(state State) string {
	switch state {
	case RECEIVED, REJECTED:
		return "receive"
	case DEDUP_CHECK:
		return "dedup"
	case FETCHING, FETCH_FAILED:
		return "fetch"
	case UPLOADING, UPLOAD_FAILED:
		return "upload"
	default:
		return "commit"
	}
}

func (outcome *Outcome) transition(state State) {
	outcome.State = state
	outcome.Stage = stageOf(state)
}

// process runs the job carried by the payload to a terminal state. The
// context provided should not be tied to service shutdown; each stage
// applies its own timeout.
func (p *pipeline) process(ctx context.Context, payload []byte, deliveries int64) (outcome *Outcome) {
	outcome = &Outcome{State: RECEIVED, Stage: stageOf(RECEIVED), Deliveries: deliveries}
	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, outcome, newTransientTrouble(fmt.Errorf("%w: %v", ErrJobPanicked, r)))
		}
	}()

	job, sourceID, err := p.receive(payload, deliveries)
	outcome.Job, outcome.SourceID = job, sourceID
	if err != nil {
		p.fail(ctx, outcome, err)
		return
	}

	outcome.transition(DEDUP_CHECK)
	exists, err := p.checkDedup(ctx, sourceID)
	if err != nil {
		p.fail(ctx, outcome, err)
		return
	} else if exists {
		outcome.State = SKIPPED
		return
	}

	outcome.transition(FETCHING)
	audio, err := p.fetch(ctx, job)
	if err != nil {
		p.fail(ctx, outcome, err)
		return
	}

	outcome.transition(UPLOADING)
	fileURL, err := p.upload(ctx, audio)
	if err != nil {
		p.fail(ctx, outcome, err)
		return
	}
	outcome.FileURL = fileURL

	outcome.transition(COMMITTING)
	songID, err := p.commit(ctx, job, sourceID, fileURL, audio.DurationSeconds)
	if err != nil && TroubleTypeOf(err) == TRANSIENT_EXTERNAL_ERROR {
		err = p.reconcileCommit(ctx, outcome, sourceID, songID, err)
	}
	if err != nil {
		p.fail(ctx, outcome, err)
		return
	}

	outcome.SongID = songID
	outcome.State = DONE
	return
}

// fail moves the outcome to the terminal state matching the stage it failed
// in. A commit that lost the race for its source is resolved as SKIPPED. If a
// blob was uploaded for this job it is now orphaned and is deleted.
func (p *pipeline) fail(ctx context.Context, outcome *Outcome, err error) {
	outcome.Err = err
	if TroubleTypeOf(err) == CONFLICT_ERROR {
		outcome.State = SKIPPED
	} else {
		outcome.State = failureFor(outcome.State)
	}

	if outcome.FileURL != "" && !outcome.retainBlob {
		p.deleteOrphan(ctx, outcome)
	}
}

func (p *pipeline) receive(payload []byte, deliveries int64) (*Job, string, error) {
	job, err := decodeJob(payload)
	if err != nil {
		return nil, "", err
	}

	if p.config.MaxDeliveries > 0 && deliveries > p.config.MaxDeliveries {
		return job, "", newInputTrouble(fmt.Errorf("%w (%d of %d)", ErrDeliveryLimitExceeded, deliveries, p.config.MaxDeliveries))
	}

	sourceID, err := job.Validate(p.validate)
	if err != nil {
		return job, "", err
	}

	return job, sourceID, nil
}

func (p *pipeline) checkDedup(ctx context.Context, sourceID string) (bool, error) {
	defer observeStage("dedup", time.Now())
	ctx, cancel := context.WithTimeout(ctx, p.config.CommitTimeout())
	defer cancel()

	exists, err := p.catalog.SourceIngested(ctx, sourceID)
	if err != nil {
		return false, newTransientTrouble(fmt.Errorf("dedup lookup failed: %w", err))
	}

	return exists, nil
}

// fetch downloads the audio for the job. The fetcher is responsible
// for bounding its own execution time.
func (p *pipeline) fetch(ctx context.Context, job *Job) (*fetcher.Audio, error) {
	defer observeStage("fetch", time.Now())

	audio, err := p.fetcher.Fetch(ctx, job.SourceURL)
	if err != nil {
		if errors.Is(err, fetcher.ErrUnrecognisedSource) {
			return nil, newInputTrouble(err)
		}
		return nil, newTransientTrouble(fmt.Errorf("fetch failed: %w", err))
	}
	if audio == nil || len(audio.Data) == 0 {
		return nil, newTransientTrouble(ErrEmptyAudio)
	}

	return audio, nil
}

func (p *pipeline) upload(ctx context.Context, audio *fetcher.Audio) (string, error) {
	defer observeStage("upload", time.Now())
	ctx, cancel := context.WithTimeout(ctx, p.config.UploadTimeout())
	defer cancel()

	fileURL, err := p.blobs.Put(ctx, audio.FileName, audio.ContentType, audio.Data)
	if err != nil {
		return "", newTransientTrouble(fmt.Errorf("upload failed: %w", err))
	}

	return fileURL, nil
}

// commit writes the song and its source ingest record in a single transaction.
// The ID of the song is returned even if the commit fails, so that an
// ambiguous failure can be reconciled against the catalog.
func (p *pipeline) commit(ctx context.Context, job *Job, sourceID string, fileURL string, durationSeconds int) (uuid.UUID, error) {
	defer observeStage("commit", time.Now())
	ctx, cancel := context.WithTimeout(ctx, p.config.CommitTimeout())
	defer cancel()

	song := &catalog.Song{
		ID:              uuid.New(),
		Title:           job.Title,
		Artist:          job.Artist,
		FileURL:         fileURL,
		DurationSeconds: durationSeconds,
		AddedBy:         job.SubmittedBy,
	}
	if err := p.catalog.CommitIngest(ctx, song, sourceID); err != nil {
		var rollbackErr *database.RollbackError
		switch {
		case errors.Is(err, catalog.ErrSourceAlreadyIngested):
			return song.ID, newConflictTrouble(err)
		case errors.As(err, &rollbackErr):
			return song.ID, newInvariantTrouble(fmt.Errorf("commit failed and could not be rolled back: %w", err))
		default:
			return song.ID, newTransientTrouble(fmt.Errorf("commit failed: %w", err))
		}
	}

	return song.ID, nil
}

// reconcileCommit consults the catalog after a commit failed with an error
// that does not prove the transaction was rolled back (such as a connection
// lost while COMMIT was in flight). If the source record points at the song
// we attempted, the commit did land and nil is returned. If it points at a
// different song, another job won the race. If there is no record, the
// original error stands. If the catalog can't be read, the blob is retained
// as it may be referenced.
func (p *pipeline) reconcileCommit(ctx context.Context, outcome *Outcome, sourceID string, songID uuid.UUID, commitErr error) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.CommitTimeout())
	defer cancel()

	record, err := p.catalog.GetSourceRecord(ctx, sourceID)
	switch {
	case err != nil:
		outcome.retainBlob = true
		log.Emit(logger.ERROR, "Commit for job %s failed and could not be verified; retaining blob %s: %v\n", outcome.jobID(), outcome.FileURL, err)
		return newTransientTrouble(fmt.Errorf("%w: %w (verification: %w)", ErrCommitOutcomeUnknown, commitErr, err))
	case record == nil:
		return commitErr
	case record.SongID == songID:
		log.Emit(logger.WARNING, "Commit for job %s reported an error but song %s was committed: %v\n", outcome.jobID(), songID, commitErr)
		return nil
	default:
		return newConflictTrouble(fmt.Errorf("%w by song %s: %w", catalog.ErrSourceAlreadyIngested, record.SongID, commitErr))
	}
}

// deleteOrphan removes a blob which was uploaded for a job that will never
// reference it. Failure to delete is logged with the URL so that the
// object can be cleaned up by hand.
func (p *pipeline) deleteOrphan(ctx context.Context, outcome *Outcome) {
	ctx, cancel := context.WithTimeout(ctx, p.config.UploadTimeout())
	defer cancel()

	if err := p.blobs.Delete(ctx, outcome.FileURL); err != nil {
		log.Emit(logger.ERROR, "Failed to delete orphaned blob %s for job %s: %v (manual cleanup required)\n", outcome.FileURL, outcome.jobID(), err)
		return
	}

	log.Emit(logger.REMOVE, "Deleted orphaned blob %s for job %s\n", outcome.FileURL, outcome.jobID())
}

func (outcome *Outcome) jobID() uuid.UUID {
	if outcome.Job == nil {
		return uuid.Nil
	}

	return outcome.Job.ID
}

func observeStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
