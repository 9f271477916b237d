package catalog

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Song is the catalog entity written by the ingestion pipeline
	// and read by the rest of the platform. A Song written by ingestion
	// always references a blob which has already been uploaded.
	Song struct {
		ID              uuid.UUID `db:"id" json:"id"`
		Title           string    `db:"title" json:"title"`
		Artist          string    `db:"artist" json:"artist"`
		FileURL         string    `db:"file_url" json:"file_url"`
		DurationSeconds int       `db:"duration_seconds" json:"duration_seconds"`
		UploadedAt      time.Time `db:"uploaded_at" json:"uploaded_at"`
		AddedBy         string    `db:"added_by" json:"added_by"`
	}

	// SourceIngestRecord marks an external source as ingested. At most one
	// record exists per SourceID, and it's existence proves the referenced
	// Song has been committed.
	SourceIngestRecord struct {
		SourceID   string    `db:"source_id" json:"source_id"`
		SongID     uuid.UUID `db:"song_id" json:"song_id"`
		IngestedAt time.Time `db:"ingested_at" json:"ingested_at"`
	}
)
