// Package queue implements a durable, at-least-once job queue on top of a
// Redis Stream and consumer group. The queue is payload-agnostic: producers
// enqueue opaque bytes and consumers hand the same bytes back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultConnectionTimeout = 2 * time.Second
	defaultBlockTimeout      = 2 * time.Second
	defaultClaimMinIdle      = 15 * time.Minute
	defaultPrefix            = "melody"
	defaultGroup             = "ingest-workers"
	streamSuffix             = "ingest"

	// PayloadField holds the enqueued payload in each stream entry.
	PayloadField = "job"
	// EnqueuedAtField holds the RFC3339 enqueue time of each stream entry.
	EnqueuedAtField = "enqueued_at"
)

var (
	log = logger.Get("Queue")

	ErrNilMessage = errors.New("message cannot be nil")
)

// StreamsClient wraps a Redis client and knows the stream and consumer
// group that jobs flow through.
type StreamsClient struct {
	client *redis.Client
	config Config
	stream string
}

// Connect opens a Redis client using the config provided and verifies
// the server is reachable.
func Connect(ctx context.Context, config Config) (*StreamsClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", config.Addr, err)
	}

	log.Emit(logger.SUCCESS, "Connected to Redis at %s\n", config.Addr)
	return NewStreamsClient(client, config), nil
}

// NewStreamsClient wraps an existing Redis client.
func NewStreamsClient(client *redis.Client, config Config) *StreamsClient {
	if config.Prefix == "" {
		config.Prefix = defaultPrefix
	}
	if config.Group == "" {
		config.Group = defaultGroup
	}

	return &StreamsClient{
		client: client,
		config: config,
		stream: fmt.Sprintf("%s:%s", config.Prefix, streamSuffix),
	}
}

func (c *StreamsClient) StreamName() string { return c.stream }
func (c *StreamsClient) Group() string      { return c.config.Group }
func (c *StreamsClient) Prefix() string     { return c.config.Prefix }

// Client exposes the underlying Redis client so that other Redis-backed
// stores can share the connection pool.
func (c *StreamsClient) Client() *redis.Client { return c.client }

func (c *StreamsClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *StreamsClient) Close() error {
	return c.client.Close()
}

// EnsureGroup creates the consumer group (and the stream, if needed). The
// group starts from the beginning of the stream so that anything enqueued
// before the first consumer started is still processed.
func (c *StreamsClient) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", c.config.Group, c.stream, err)
	}

	return nil
}

// Depth returns the number of entries in the stream. As acknowledged entries
// are deleted, this is the number of jobs waiting or in flight.
func (c *StreamsClient) Depth(ctx context.Context) (int64, error) {
	return c.client.XLen(ctx, c.stream).Result()
}

// PendingCount returns the number of delivered but unacknowledged entries.
func (c *StreamsClient) PendingCount(ctx context.Context) (int64, error) {
	pending, err := c.client.XPending(ctx, c.stream, c.config.Group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pending summary: %w", err)
	}

	return pending.Count, nil
}
