package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/database"
	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/jmoiron/sqlx"
)

var log = logger.Get("Catalog")

// Catalog links the catalog Store to the database, and is responsible for
// the transactional boundaries of writes which span both catalog tables.
type Catalog struct {
	db    database.Manager
	store *Store
}

func New(db database.Manager) *Catalog {
	return &Catalog{db: db, store: &Store{}}
}

// CommitIngest saves the song and the source ingest record for the source
// provided as a single unit of work: either both rows are written, or
// neither is. If the source has already been ingested (including by a
// transaction racing this one), the song insert is rolled back and
// ErrSourceAlreadyIngested is returned.
func (catalog *Catalog) CommitIngest(ctx context.Context, song *Song, sourceID string) error {
	if song.ID == uuid.Nil {
		song.ID = uuid.New()
	}
	if song.UploadedAt.IsZero() {
		song.UploadedAt = time.Now().UTC()
	}

	return catalog.db.WrapTx(ctx, func(tx *sqlx.Tx) error {
		if err := catalog.store.InsertSong(ctx, tx, song); err != nil {
			return err
		}

		record := &SourceIngestRecord{SourceID: sourceID, SongID: song.ID, IngestedAt: song.UploadedAt}
		if err := catalog.store.InsertSourceRecord(ctx, tx, record); err != nil {
			return err
		}

		log.Emit(logger.DEBUG, "Committed song %s for source %s\n", song.ID, sourceID)
		return nil
	})
}

func (catalog *Catalog) SourceIngested(ctx context.Context, sourceID string) (bool, error) {
	return catalog.store.SourceIngested(ctx, catalog.db.GetSqlxDb(), sourceID)
}

func (catalog *Catalog) GetSourceRecord(ctx context.Context, sourceID string) (*SourceIngestRecord, error) {
	return catalog.store.GetSourceRecord(ctx, catalog.db.GetSqlxDb(), sourceID)
}

func (catalog *Catalog) GetSong(ctx context.Context, id uuid.UUID) (*Song, error) {
	return catalog.store.GetSong(ctx, catalog.db.GetSqlxDb(), id)
}

func (catalog *Catalog) ListSongs(ctx context.Context, limit int, offset int) ([]*Song, error) {
	return catalog.store.ListSongs(ctx, catalog.db.GetSqlxDb(), limit, offset)
}
