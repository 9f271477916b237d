package ingests

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hbomb79/Melody/internal/activity"
	"github.com/hbomb79/Melody/internal/api/jwt"
	"github.com/hbomb79/Melody/internal/ingest"
	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/labstack/echo/v4"
)

var log = logger.Get("IngestController")

const (
	activitySocketBuffer       = 32
	activitySocketWriteTimeout = 10 * time.Second

	ActivityConnected = "CONNECTION_ESTABLISHED"
	ActivityUpdate    = "INGEST_UPDATE"
)

type (
	Service interface {
		Submit(ctx context.Context, job ingest.Job) (*ingest.Job, error)
		Status(ctx context.Context, jobID uuid.UUID) (*ingest.JobStatus, error)
	}

	// ActivityFeed provides the outcomes of recently
	// processed ingest jobs, and a live stream of new ones.
	ActivityFeed interface {
		Recent() []activity.Entry
		Subscribe(buffer int) (<-chan activity.Entry, func())
	}

	// ActivityMessage is pushed to activity socket clients. The first
	// message carries the recent outcomes, every later one a single entry.
	ActivityMessage struct {
		Title  string           `json:"title"`
		Recent []activity.Entry `json:"recent,omitempty"`
		Entry  *activity.Entry  `json:"entry,omitempty"`
	}

	CreateIngestRequest struct {
		SourceURL string `json:"source_url"`
		Title     string `json:"title"`
		Artist    string `json:"artist"`
	}

	IngestDto struct {
		ID          uuid.UUID `json:"id"`
		SourceURL   string    `json:"source_url"`
		Title       string    `json:"title"`
		Artist      string    `json:"artist"`
		SubmittedBy string    `json:"submitted_by"`
		SubmittedAt time.Time `json:"submitted_at"`
		State       string    `json:"state"`
	}

	Controller struct {
		service   Service
		activity  ActivityFeed
		upgrader  websocket.Upgrader
		closing   chan struct{}
		closeOnce sync.Once
	}
)

func New(service Service, activity ActivityFeed) *Controller {
	return &Controller{
		service:  service,
		activity: activity,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		closing:  make(chan struct{}),
	}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.create)
	eg.GET("/recent/", controller.recent)
	eg.GET("/activity/ws/", controller.activitySocket)
	eg.GET("/:id/", controller.get)
}

// CloseSockets disconnects every activity socket. Hijacked connections are
// not tracked by the HTTP server, so this must be called on shutdown.
func (controller *Controller) CloseSockets() {
	controller.closeOnce.Do(func() { close(controller.closing) })
}

// create accepts a new ingestion job. The job is only enqueued here; the
// response does not wait for the song to be fetched or committed.
func (controller *Controller) create(ec echo.Context) error {
	user, err := jwt.GetAuthenticatedUser(ec)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized)).SetInternal(err)
	}

	var request CreateIngestRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}

	job, err := controller.service.Submit(ec.Request().Context(), ingest.Job{
		SourceURL:   strings.TrimSpace(request.SourceURL),
		Title:       strings.TrimSpace(request.Title),
		Artist:      strings.TrimSpace(request.Artist),
		SubmittedBy: user.Subject,
	})
	if err != nil {
		if ingest.IsInputError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, ingest.ErrBrokerUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "ingest queue is unavailable, try again later").SetInternal(err)
		}

		log.Errorf("Failed to submit ingest for %s: %v\n", request.SourceURL, err)
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	return ec.JSON(http.StatusAccepted, &IngestDto{
		ID:          job.ID,
		SourceURL:   job.SourceURL,
		Title:       job.Title,
		Artist:      job.Artist,
		SubmittedBy: job.SubmittedBy,
		SubmittedAt: job.SubmittedAt,
		State:       ingest.QUEUED,
	})
}

func (controller *Controller) get(ec echo.Context) error {
	jobID, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "ID is not a valid UUID")
	}

	status, err := controller.service.Status(ec.Request().Context(), jobID)
	if err != nil {
		if errors.Is(err, ingest.ErrStatusNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Ingest job not found")
		}

		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	return ec.JSON(http.StatusOK, status)
}

func (controller *Controller) recent(ec echo.Context) error {
	return ec.JSON(http.StatusOK, controller.activity.Recent())
}

// activitySocket upgrades the request to a websocket and pushes each ingest
// outcome to the client as it is recorded, starting with the recent ones.
// An outcome recorded while the client connects may be delivered twice.
func (controller *Controller) activitySocket(ec echo.Context) error {
	entries, unsubscribe := controller.activity.Subscribe(activitySocketBuffer)
	defer unsubscribe()

	conn, err := controller.upgrader.Upgrade(ec.Response(), ec.Request(), nil)
	if err != nil {
		// The upgrader has already replied to the client
		log.Warnf("Failed to upgrade activity socket: %v\n", err)
		return nil
	}
	defer conn.Close()

	// Clients don't send anything, but reading is required to notice
	// when they go away.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(message ActivityMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(activitySocketWriteTimeout))
		return conn.WriteJSON(message)
	}

	if err := send(ActivityMessage{Title: ActivityConnected, Recent: controller.activity.Recent()}); err != nil {
		log.Warnf("Failed to greet activity socket client: %v\n", err)
		return nil
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if err := send(ActivityMessage{Title: ActivityUpdate, Entry: &entry}); err != nil {
				log.Warnf("Failed to push activity to socket client: %v\n", err)
				return nil
			}
		case <-controller.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return nil
		case <-disconnected:
			return nil
		}
	}
}
