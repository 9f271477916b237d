package ingest_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/catalog"
	"github.com/hbomb79/Melody/internal/event"
	"github.com/hbomb79/Melody/internal/fetcher"
	"github.com/hbomb79/Melody/internal/ingest"
	"github.com/hbomb79/Melody/internal/queue"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBroker struct{ mock.Mock }

func (m *mockBroker) Enqueue(ctx context.Context, payload []byte) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) Fetch(ctx context.Context, sourceURL string) (*fetcher.Audio, error) {
	args := m.Called(ctx, sourceURL)
	if audio := args.Get(0); audio != nil {
		//nolint:forcetypeassert
		return audio.(*fetcher.Audio), args.Error(1)
	}

	return nil, args.Error(1)
}

type mockBlobStore struct{ mock.Mock }

func (m *mockBlobStore) Put(ctx context.Context, name string, contentType string, data []byte) (string, error) {
	args := m.Called(ctx, name, contentType, data)
	return args.String(0), args.Error(1)
}

func (m *mockBlobStore) Delete(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

type mockCatalog struct{ mock.Mock }

func (m *mockCatalog) SourceIngested(ctx context.Context, sourceID string) (bool, error) {
	args := m.Called(ctx, sourceID)
	return args.Bool(0), args.Error(1)
}

func (m *mockCatalog) CommitIngest(ctx context.Context, song *catalog.Song, sourceID string) error {
	args := m.Called(ctx, song, sourceID)
	if args.Error(0) == nil && song.ID == uuid.Nil {
		song.ID = uuid.New()
	}
	return args.Error(0)
}

func (m *mockCatalog) GetSourceRecord(ctx context.Context, sourceID string) (*catalog.SourceIngestRecord, error) {
	args := m.Called(ctx, sourceID)
	record, _ := args.Get(0).(*catalog.SourceIngestRecord)
	return record, args.Error(1)
}

// memoryCatalog emulates the unique constraint on source_id, allowing
// concurrent commits to be arbitrated the same way Postgres would.
type memoryCatalog struct {
	sync.Mutex
	songs   map[uuid.UUID]*catalog.Song
	records map[string]uuid.UUID
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{songs: make(map[uuid.UUID]*catalog.Song), records: make(map[string]uuid.UUID)}
}

func (c *memoryCatalog) SourceIngested(_ context.Context, sourceID string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	_, ok := c.records[sourceID]
	return ok, nil
}

func (c *memoryCatalog) CommitIngest(_ context.Context, song *catalog.Song, sourceID string) error {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.records[sourceID]; ok {
		return catalog.ErrSourceAlreadyIngested
	}

	if song.ID == uuid.Nil {
		song.ID = uuid.New()
	}
	c.songs[song.ID] = song
	c.records[sourceID] = song.ID
	return nil
}

func (c *memoryCatalog) GetSourceRecord(_ context.Context, sourceID string) (*catalog.SourceIngestRecord, error) {
	c.Lock()
	defer c.Unlock()
	songID, ok := c.records[sourceID]
	if !ok {
		return nil, nil
	}
	return &catalog.SourceIngestRecord{SourceID: sourceID, SongID: songID}, nil
}

// lostAckCatalog commits successfully but reports an error, as happens when
// the connection drops after the server has processed COMMIT.
type lostAckCatalog struct {
	*memoryCatalog
	err error
}

func (c *lostAckCatalog) CommitIngest(ctx context.Context, song *catalog.Song, sourceID string) error {
	if err := c.memoryCatalog.CommitIngest(ctx, song, sourceID); err != nil {
		return err
	}
	return c.err
}

// memoryBlobStore stores objects in a map, keyed by the URL handed out.
type memoryBlobStore struct {
	sync.Mutex
	objects map[string][]byte
	counter int
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: make(map[string][]byte)}
}

func (b *memoryBlobStore) Put(_ context.Context, name string, _ string, data []byte) (string, error) {
	b.Lock()
	defer b.Unlock()
	b.counter++
	url := fmt.Sprintf("https://blobs.test/songs/%d_%s", b.counter, name)
	b.objects[url] = data
	return url, nil
}

func (b *memoryBlobStore) Delete(_ context.Context, url string) error {
	b.Lock()
	defer b.Unlock()
	delete(b.objects, url)
	return nil
}

func (b *memoryBlobStore) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.objects)
}

type memoryStatusStore struct {
	sync.Mutex
	statuses map[uuid.UUID]ingest.JobStatus
}

func newMemoryStatusStore() *memoryStatusStore {
	return &memoryStatusStore{statuses: make(map[uuid.UUID]ingest.JobStatus)}
}

func (s *memoryStatusStore) Put(_ context.Context, status ingest.JobStatus) error {
	s.Lock()
	defer s.Unlock()
	s.statuses[status.JobID] = status
	return nil
}

func (s *memoryStatusStore) Get(_ context.Context, jobID uuid.UUID) (*ingest.JobStatus, error) {
	s.Lock()
	defer s.Unlock()
	status, ok := s.statuses[jobID]
	if !ok {
		return nil, ingest.ErrStatusNotFound
	}
	return &status, nil
}

func (s *memoryStatusStore) Delete(_ context.Context, jobID uuid.UUID) error {
	s.Lock()
	defer s.Unlock()
	delete(s.statuses, jobID)
	return nil
}

func (s *memoryStatusStore) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.statuses)
}

// fakeConsumer hands out pre-loaded messages and records acknowledgements.
// It's shared by every worker of the service under test.
type fakeConsumer struct {
	sync.Mutex
	pending []*queue.Message
	acked   chan *queue.Message
}

func newFakeConsumer(messages ...*queue.Message) *fakeConsumer {
	return &fakeConsumer{pending: messages, acked: make(chan *queue.Message, 128)}
}

func (c *fakeConsumer) Push(messages ...*queue.Message) {
	c.Lock()
	defer c.Unlock()
	c.pending = append(c.pending, messages...)
}

func (c *fakeConsumer) Read(ctx context.Context) (*queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.Lock()
	defer c.Unlock()
	if len(c.pending) == 0 {
		return nil, nil
	}

	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, nil
}

func (c *fakeConsumer) Ack(_ context.Context, msg *queue.Message) error {
	c.acked <- msg
	return nil
}

// waitForAcks blocks until n messages have been acknowledged, failing
// the test if that doesn't happen in a reasonable time.
func (c *fakeConsumer) waitForAcks(t *testing.T, n int) []*queue.Message {
	t.Helper()

	acked := make([]*queue.Message, 0, n)
	timeout := time.After(5 * time.Second)
	for len(acked) < n {
		select {
		case msg := <-c.acked:
			acked = append(acked, msg)
		case <-timeout:
			require.FailNowf(t, "timed out waiting for acks", "got %d of %d", len(acked), n)
		}
	}

	return acked
}

// outcomeRecorder collects INGEST_COMPLETE events from the bus.
type outcomeRecorder struct {
	sync.Mutex
	outcomes []event.IngestOutcome
	newSongs []uuid.UUID
}

func recordOutcomes(bus event.EventHandler) *outcomeRecorder {
	recorder := &outcomeRecorder{}
	bus.RegisterHandlerFunction(event.INGEST_COMPLETE, func(_ event.Event, payload event.Payload) {
		recorder.Lock()
		defer recorder.Unlock()
		//nolint:forcetypeassert
		recorder.outcomes = append(recorder.outcomes, payload.(event.IngestOutcome))
	})
	bus.RegisterHandlerFunction(event.NEW_SONG, func(_ event.Event, payload event.Payload) {
		recorder.Lock()
		defer recorder.Unlock()
		//nolint:forcetypeassert
		recorder.newSongs = append(recorder.newSongs, payload.(uuid.UUID))
	})

	return recorder
}

func (r *outcomeRecorder) States() []string {
	r.Lock()
	defer r.Unlock()

	states := make([]string, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		states = append(states, o.State)
	}
	return states
}

func (r *outcomeRecorder) Only(t *testing.T) event.IngestOutcome {
	t.Helper()
	r.Lock()
	defer r.Unlock()

	require.Len(t, r.outcomes, 1)
	return r.outcomes[0]
}

func (r *outcomeRecorder) NewSongs() []uuid.UUID {
	r.Lock()
	defer r.Unlock()
	return append([]uuid.UUID(nil), r.newSongs...)
}

// logCapture records every logged message for the duration of the test.
type logCapture struct {
	sync.Mutex
	lines []string
}

func (l *logCapture) Contains(substrings ...string) bool {
	l.Lock()
	defer l.Unlock()

outer:
	for _, line := range l.lines {
		for _, s := range substrings {
			if !strings.Contains(line, s) {
				continue outer
			}
		}
		return true
	}

	return false
}
