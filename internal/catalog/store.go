package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/database"
)

const (
	songTable   = "songs"
	sourceTable = "source_ingest_records"

	DefaultListLimit = 50
	MaxListLimit     = 500
)

var (
	ErrSongNotFound = errors.New("song does not exist")

	// ErrSourceAlreadyIngested is returned when a source ingest record
	// could not be written because one already exists for the source.
	ErrSourceAlreadyIngested = errors.New("source has already been ingested")

	psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
)

// Store is a stateless collection of queries against the songs and
// source_ingest_records tables. All methods accept the Queryable to
// operate on, allowing them to be composed inside of a transaction.
type Store struct{}

func (store *Store) InsertSong(ctx context.Context, db database.Queryable, song *Song) error {
	query, args, err := psql.Insert(songTable).
		Columns("id", "title", "artist", "file_url", "duration_seconds", "uploaded_at", "added_by").
		Values(song.ID, song.Title, song.Artist, song.FileURL, song.DurationSeconds, song.UploadedAt, song.AddedBy).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct insert song query: %w", err)
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert song %s: %w", song.ID, err)
	}

	return nil
}

// InsertSourceRecord writes the dedup record for a source. If a record for the
// source already exists, ErrSourceAlreadyIngested is returned and nothing is
// written. Concurrent transactions inserting the same source are serialized
// by the primary key, so exactly one of them can succeed.
func (store *Store) InsertSourceRecord(ctx context.Context, db database.Queryable, record *SourceIngestRecord) error {
	query, args, err := psql.Insert(sourceTable).
		Columns("source_id", "song_id", "ingested_at").
		Values(record.SourceID, record.SongID, record.IngestedAt).
		Suffix("ON CONFLICT (source_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct insert source record query: %w", err)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrSourceAlreadyIngested
		}

		return fmt.Errorf("failed to insert source record %s: %w", record.SourceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for source record %s: %w", record.SourceID, err)
	}
	if affected == 0 {
		return ErrSourceAlreadyIngested
	}

	return nil
}

// SourceIngested returns true if a source ingest record exists for the source ID.
func (store *Store) SourceIngested(ctx context.Context, db database.Queryable, sourceID string) (bool, error) {
	query, args, err := psql.Select("1").From(sourceTable).Where(squirrel.Eq{"source_id": sourceID}).Prefix("SELECT EXISTS(").Suffix(")").ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to construct source lookup query: %w", err)
	}

	var exists bool
	if err := db.GetContext(ctx, &exists, query, args...); err != nil {
		return false, fmt.Errorf("failed to lookup source %s: %w", sourceID, err)
	}

	return exists, nil
}

func (store *Store) GetSourceRecord(ctx context.Context, db database.Queryable, sourceID string) (*SourceIngestRecord, error) {
	query, args, err := psql.Select("*").From(sourceTable).Where(squirrel.Eq{"source_id": sourceID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct source record query: %w", err)
	}

	var record SourceIngestRecord
	if err := db.GetContext(ctx, &record, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get source record %s: %w", sourceID, err)
	}

	return &record, nil
}

func (store *Store) GetSong(ctx context.Context, db database.Queryable, id uuid.UUID) (*Song, error) {
	query, args, err := selectSongBuilder().Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct get song query: %w", err)
	}

	var song Song
	if err := db.GetContext(ctx, &song, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSongNotFound
		}

		return nil, fmt.Errorf("failed to get song %s: %w", id, err)
	}

	return &song, nil
}

// ListSongs returns songs, newest first. A limit outside of (0, MaxListLimit]
// is replaced with DefaultListLimit.
func (store *Store) ListSongs(ctx context.Context, db database.Queryable, limit int, offset int) ([]*Song, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultListLimit
	}

	query, args, err := selectSongBuilder().
		OrderBy("uploaded_at DESC", "id").
		Limit(uint64(limit)).
		Offset(uint64(max(offset, 0))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list songs query: %w", err)
	}

	results := make([]*Song, 0)
	if err := db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}

	return results, nil
}

func selectSongBuilder() squirrel.SelectBuilder {
	return psql.
		Select("id", "title", "artist", "file_url", "duration_seconds", "uploaded_at", "added_by").
		From(songTable)
}
