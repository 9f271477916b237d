package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/event"
	"github.com/hbomb79/Melody/pkg/logger"
)

/*
 * Activity feed is responsible for listening for ingestion outcomes
 * and keeping the most recent of them in memory, so that admins can
 * see what the workers have been doing without trawling the logs.
 */

var log = logger.Get("Activity")

const DefaultCapacity = 100

type (
	Entry struct {
		JobID     uuid.UUID  `json:"job_id"`
		SourceURL string     `json:"source_url"`
		SourceID  string     `json:"source_id,omitempty"`
		State     string     `json:"state"`
		Stage     string     `json:"stage,omitempty"`
		SongID    *uuid.UUID `json:"song_id,omitempty"`
		Error     string     `json:"error,omitempty"`
		At        time.Time  `json:"at"`
	}

	// Feed is a fixed-size ring of the latest ingest outcomes. It is
	// process-local; each Melody instance sees only its own workers.
	Feed struct {
		mu          sync.RWMutex
		entries     []Entry
		next        int
		full        bool
		now         func() time.Time
		subscribers map[int]chan Entry
		nextSubID   int
	}
)

// New creates a feed holding up to capacity entries and subscribes it
// to INGEST_COMPLETE on the event bus provided.
func New(bus event.EventHandler, capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	feed := &Feed{entries: make([]Entry, capacity), now: time.Now, subscribers: make(map[int]chan Entry)}
	bus.RegisterHandlerFunction(event.INGEST_COMPLETE, feed.handleOutcome)

	return feed
}

// Recent returns the recorded outcomes, newest first.
func (feed *Feed) Recent() []Entry {
	feed.mu.RLock()
	defer feed.mu.RUnlock()

	size := feed.next
	if feed.full {
		size = len(feed.entries)
	}

	out := make([]Entry, 0, size)
	for i := 1; i <= size; i++ {
		idx := (feed.next - i + len(feed.entries)) % len(feed.entries)
		out = append(out, feed.entries[idx])
	}

	return out
}

// Subscribe returns a channel which receives every entry recorded from now
// on, and a function which ends the subscription and closes the channel.
// A subscriber that falls more than buffer entries behind misses entries
// rather than stalling the workers that dispatch them.
func (feed *Feed) Subscribe(buffer int) (<-chan Entry, func()) {
	feed.mu.Lock()
	defer feed.mu.Unlock()

	id := feed.nextSubID
	feed.nextSubID++
	ch := make(chan Entry, max(buffer, 1))
	feed.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			feed.mu.Lock()
			defer feed.mu.Unlock()
			delete(feed.subscribers, id)
			close(ch)
		})
	}
}

func (feed *Feed) handleOutcome(_ event.Event, payload event.Payload) {
	outcome, ok := payload.(event.IngestOutcome)
	if !ok {
		log.Emit(logger.WARNING, "Ignoring unexpected payload %T\n", payload)
		return
	}

	entry := Entry{
		JobID:     outcome.JobID,
		SourceURL: outcome.SourceURL,
		SourceID:  outcome.SourceID,
		State:     outcome.State,
		Stage:     outcome.Stage,
		At:        feed.now(),
	}
	if outcome.SongID != uuid.Nil {
		songID := outcome.SongID
		entry.SongID = &songID
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()

	feed.entries[feed.next] = entry
	feed.next = (feed.next + 1) % len(feed.entries)
	if feed.next == 0 {
		feed.full = true
	}

	for id, ch := range feed.subscribers {
		select {
		case ch <- entry:
		default:
			log.Emit(logger.WARNING, "Subscriber %d is not keeping up, dropped activity for job %s\n", id, entry.JobID)
		}
	}
}
