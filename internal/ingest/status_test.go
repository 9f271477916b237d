package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/ingest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RedisStatusStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := ingest.NewRedisStatusStore(client, "test", time.Hour)
	ctx := context.Background()

	jobID, songID := uuid.New(), uuid.New()
	_, err := store.Get(ctx, jobID)
	assert.ErrorIs(t, err, ingest.ErrStatusNotFound)

	require.NoError(t, store.Put(ctx, ingest.JobStatus{JobID: jobID, State: ingest.QUEUED, SourceURL: sourceURL}))
	require.NoError(t, store.Put(ctx, ingest.JobStatus{JobID: jobID, State: "DONE", SourceURL: sourceURL, SongID: &songID}))

	status, err := store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "DONE", status.State)
	require.NotNil(t, status.SongID)
	assert.Equal(t, songID, *status.SongID)

	assert.True(t, mr.Exists("test:ingest:status:"+jobID.String()))
	assert.Equal(t, time.Hour, mr.TTL("test:ingest:status:"+jobID.String()))

	other := uuid.New()
	require.NoError(t, store.Put(ctx, ingest.JobStatus{JobID: other, State: ingest.QUEUED, SourceURL: sourceURL}))
	require.NoError(t, store.Delete(ctx, other))
	assert.False(t, mr.Exists("test:ingest:status:"+other.String()))
	_, err = store.Get(ctx, other)
	assert.ErrorIs(t, err, ingest.ErrStatusNotFound)
	require.NoError(t, store.Delete(ctx, other), "deleting a missing status is not an error")

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, jobID)
	assert.ErrorIs(t, err, ingest.ErrStatusNotFound)
}
