package songs

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/api/util"
	"github.com/hbomb79/Melody/internal/catalog"
	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/labstack/echo/v4"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

var log = logger.Get("SongController")

type (
	Store interface {
		GetSong(ctx context.Context, id uuid.UUID) (*catalog.Song, error)
		ListSongs(ctx context.Context, limit int, offset int) ([]*catalog.Song, error)
	}

	// Signer creates short-lived URLs which grant read access
	// to a stored audio object.
	Signer interface {
		SignedURL(ctx context.Context, objectURL string) (string, error)
	}

	SongDto struct {
		ID              uuid.UUID `json:"id"`
		Title           string    `json:"title"`
		Artist          string    `json:"artist"`
		DurationSeconds int       `json:"duration_seconds"`
		UploadedAt      time.Time `json:"uploaded_at"`
		AddedBy         string    `json:"added_by"`
	}

	StreamDto struct {
		ID  uuid.UUID `json:"id"`
		URL string    `json:"url"`
	}

	Controller struct {
		store  Store
		signer Signer
	}
)

func New(store Store, signer Signer) *Controller {
	return &Controller{store: store, signer: signer}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.GET("/:id/stream/", controller.stream)
}

func (controller *Controller) list(ec echo.Context) error {
	limit, offset := defaultPageSize, 0
	if err := echo.QueryParamsBinder(ec).
		Int("limit", &limit).
		Int("offset", &offset).
		BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limit and offset must be integers")
	}

	if limit <= 0 || limit > maxPageSize || offset < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 200, and offset must not be negative")
	}

	songs, err := controller.store.ListSongs(ec.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(songs, songModelToDto))
}

func (controller *Controller) get(ec echo.Context) error {
	song, err := controller.lookup(ec)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, songModelToDto(song))
}

// stream returns a signed URL for the songs audio. The stored object URL
// itself is never handed to clients.
func (controller *Controller) stream(ec echo.Context) error {
	song, err := controller.lookup(ec)
	if err != nil {
		return err
	}

	url, err := controller.signer.SignedURL(ec.Request().Context(), song.FileURL)
	if err != nil {
		log.Errorf("Failed to sign URL for song %s: %v\n", song.ID, err)
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	return ec.JSON(http.StatusOK, &StreamDto{ID: song.ID, URL: url})
}

func (controller *Controller) lookup(ec echo.Context) (*catalog.Song, error) {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "ID is not a valid UUID")
	}

	song, err := controller.store.GetSong(ec.Request().Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrSongNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "Song not found")
		}

		return nil, echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	return song, nil
}

func songModelToDto(song *catalog.Song) SongDto {
	return SongDto{
		ID:              song.ID,
		Title:           song.Title,
		Artist:          song.Artist,
		DurationSeconds: song.DurationSeconds,
		UploadedAt:      song.UploadedAt,
		AddedBy:         song.AddedBy,
	}
}
