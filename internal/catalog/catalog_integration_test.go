//go:build integration

package catalog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Melody/internal/catalog"
	"github.com/hbomb79/Melody/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testUser     = "postgres"
	testPassword = "postgres"
	testDBName   = "MELODY_DB"
)

// spawnPostgres starts a throwaway Postgres container, connects a database
// manager to it (executing all migrations) and returns the manager.
func spawnPostgres(t *testing.T) database.Manager {
	ctx := context.Background()
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:16-alpine"),
		postgres.WithDatabase(testDBName),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	manager := database.New()
	require.NoError(t, manager.Connect(ctx, database.DatabaseConfig{
		User:              testUser,
		Password:          testPassword,
		Name:              testDBName,
		Host:              host,
		Port:              port.Port(),
		MaxOpenConns:      32,
		ConnectAttempts:   5,
		RetryDelaySeconds: 1,
	}))
	t.Cleanup(func() { _ = manager.Close() })

	return manager
}

func Test_Integration_ConcurrentCommitsForSameSource(t *testing.T) {
	cat := catalog.New(spawnPostgres(t))
	ctx := context.Background()

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
		others    []error
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cat.CommitIngest(ctx, newSong(), "ABC123XYZ90")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, catalog.ErrSourceAlreadyIngested):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, succeeded, "exactly one commit should win")
	assert.Equal(t, racers-1, conflicts)

	songs, err := cat.ListSongs(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, songs, 1, "losing transactions must not leave song rows behind")

	record, err := cat.GetSourceRecord(ctx, "ABC123XYZ90")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, songs[0].ID, record.SongID)
}
