package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/activity"
	"github.com/hbomb79/Melody/internal/api"
	"github.com/hbomb79/Melody/internal/blob"
	"github.com/hbomb79/Melody/internal/catalog"
	"github.com/hbomb79/Melody/internal/database"
	"github.com/hbomb79/Melody/internal/event"
	"github.com/hbomb79/Melody/internal/fetcher"
	"github.com/hbomb79/Melody/internal/ingest"
	"github.com/hbomb79/Melody/internal/queue"
	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logger.Get("Core")

type RunnableService interface {
	Run(context.Context) error
}

// melodyImpl is the top-level object for the server, and is responsible
// for connecting to the database, broker and blob store, and then running
// the ingestion service and REST gateway until asked to stop.
type melodyImpl struct {
	eventBus event.EventCoordinator
	config   MelodyConfig
}

func New(config MelodyConfig) *melodyImpl {
	return &melodyImpl{
		eventBus: event.New(),
		config:   config,
	}
}

// Run will start all of Melody by connecting to its dependencies and spawning
// each service. This function will not return until Melody is stopped.
//
// To stop Melody, the provided context must be cancelled. Errors from which
// Melody cannot recover (such as a service crashing) will also cause Melody
// to stop, and the error is returned.
func (melody *melodyImpl) Run(parent context.Context) error {
	if err := melody.config.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel(fmt.Errorf("service %s crashed: %w", label, err))
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	db := database.New()
	if err := db.Connect(ctx, melody.config.Database); err != nil {
		return err
	}
	defer db.Close()

	log.Emit(logger.NEW, "Connecting to Redis...\n")
	streams, err := queue.Connect(ctx, melody.config.Redis)
	if err != nil {
		return err
	}
	defer streams.Close()

	if err := streams.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := queue.RegisterMetrics(prometheus.DefaultRegisterer, streams); err != nil {
		return fmt.Errorf("failed to register queue metrics: %w", err)
	}

	blobs, err := blob.NewS3Store(ctx, melody.config.Blob)
	if err != nil {
		return err
	}

	songCatalog := catalog.New(db)
	ingestService, err := ingest.New(melody.config.Ingest, ingest.Dependencies{
		Broker:    queue.NewProducer(streams),
		Consumers: consumerFactory(streams),
		Fetcher:   fetcher.New(melody.config.Fetcher),
		Blobs:     blobs,
		Catalog:   songCatalog,
		Statuses:  ingest.NewRedisStatusStore(streams.Client(), streams.Prefix(), melody.config.Ingest.StatusTTL()),
		EventBus:  melody.eventBus,
	})
	if err != nil {
		return fmt.Errorf("failed to construct ingestion service: %w", err)
	}

	activityFeed := activity.New(melody.eventBus, activity.DefaultCapacity)
	restGateway := api.NewRestGateway(&melody.config.Api, ingestService, activityFeed, songCatalog, blobs, map[string]api.HealthCheck{
		"postgres": db.Ping,
		"redis":    streams.Ping,
	})

	melody.registerEventHandlers()

	wg := &sync.WaitGroup{}
	spawnAsyncService(ctx, wg, ingestService, "ingest-service", crashHandler)
	spawnAsyncService(ctx, wg, restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Melody services spawned!\n")

	wg.Wait()
	log.Emit(logger.STOP, "All services stopped\n")

	if parent.Err() == nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}

	return nil
}

func (melody *melodyImpl) registerEventHandlers() {
	melody.eventBus.RegisterAsyncHandlerFunction(event.NEW_SONG, func(_ event.Event, payload event.Payload) {
		if songID, ok := payload.(uuid.UUID); ok {
			log.Emit(logger.NEW, "Song %s added to catalog\n", songID)
		}
	})
}

// consumerFactory gives every worker its own named consumer in the group.
// Names include the hostname so that several Melody instances can share
// the same stream.
func consumerFactory(streams *queue.StreamsClient) ingest.ConsumerFactory {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "melody"
	}

	return func(workerLabel string) (ingest.Consumer, error) {
		return queue.NewConsumer(streams, fmt.Sprintf("%s-%s", host, workerLabel))
	}
}

// spawnAsyncService will run the provided service as it's own
// go-routine, ensuring that the service waitgroup is updated correctly
func spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(serviceLabel, crashHandler)
}
