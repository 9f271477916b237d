package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QUEUED is the status reported for a job which has been
// accepted but not yet reached a terminal state.
const QUEUED = "QUEUED"

var ErrStatusNotFound = errors.New("no status recorded for job")

type (
	// JobStatus is the externally visible progress of a submitted job. It is
	// informational only; the catalog remains the source of truth.
	JobStatus struct {
		JobID       uuid.UUID  `json:"id"`
		SourceURL   string     `json:"source_url"`
		SourceID    string     `json:"source_id,omitempty"`
		State       string     `json:"state"`
		Stage       string     `json:"stage,omitempty"`
		SongID      *uuid.UUID `json:"song_id,omitempty"`
		Error       string     `json:"error,omitempty"`
		Deliveries  int64      `json:"deliveries,omitempty"`
		SubmittedBy string     `json:"submitted_by"`
		UpdatedAt   time.Time  `json:"updated_at"`
	}

	// RedisStatusStore keeps the latest JobStatus for each job in Redis,
	// expiring it after a fixed TTL.
	RedisStatusStore struct {
		client *redis.Client
		prefix string
		ttl    time.Duration
	}
)

func NewRedisStatusStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{client: client, prefix: prefix, ttl: ttl}
}

func (store *RedisStatusStore) Put(ctx context.Context, status JobStatus) error {
	encoded, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode job status: %w", err)
	}

	if err := store.client.Set(ctx, store.key(status.JobID), encoded, store.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store status for job %s: %w", status.JobID, err)
	}

	return nil
}

func (store *RedisStatusStore) Get(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	encoded, err := store.client.Get(ctx, store.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStatusNotFound
		}
		return nil, fmt.Errorf("failed to read status for job %s: %w", jobID, err)
	}

	var status JobStatus
	if err := json.Unmarshal(encoded, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status for job %s: %w", jobID, err)
	}

	return &status, nil
}

// Delete removes the status of the job given. Deleting a status which
// does not exist is not an error.
func (store *RedisStatusStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	if err := store.client.Del(ctx, store.key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete status for job %s: %w", jobID, err)
	}

	return nil
}

func (store *RedisStatusStore) key(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:ingest:status:%s", store.prefix, jobID)
}
