package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// maxPendingCheck bounds how many pending entries are
// inspected on each reclaim attempt.
const maxPendingCheck = 50

type (
	// Message is a single job delivered to a consumer. Deliveries counts how
	// many times the message has been handed to any consumer, including this
	// delivery, and will exceed one if a previous consumer failed to ack it.
	Message struct {
		ID         string
		Payload    []byte
		EnqueuedAt time.Time
		Deliveries int64
	}

	// Consumer reads messages from the stream as a named member of the
	// consumer group. A Consumer is not safe for concurrent use; give
	// each worker its own.
	Consumer struct {
		client       *StreamsClient
		consumerID   string
		blockTimeout time.Duration
		claimMinIdle time.Duration
	}
)

func NewConsumer(client *StreamsClient, consumerID string) (*Consumer, error) {
	if consumerID == "" {
		return nil, errors.New("consumer ID is required")
	}

	return &Consumer{
		client:       client,
		consumerID:   consumerID,
		blockTimeout: client.config.BlockTimeout(),
		claimMinIdle: client.config.ClaimMinIdle(),
	}, nil
}

func (c *Consumer) ID() string { return c.consumerID }

// Read returns the next message for this consumer, or nil if none became
// available before the block timeout elapsed. Messages abandoned by other
// consumers (delivered but not acknowledged within the claim idle
// time) are preferred over new messages.
func (c *Consumer) Read(ctx context.Context) (*Message, error) {
	if msg := c.reclaim(ctx); msg != nil {
		return msg, nil
	}

	streams, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.client.config.Group,
		Consumer: c.consumerID,
		Streams:  []string{c.client.stream, ">"},
		Count:    1,
		Block:    c.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", c.client.stream, err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return c.parse(ctx, streams[0].Messages[0], 1), nil
}

// Ack acknowledges the message and removes it from the stream. After
// Ack returns successfully the message will never be redelivered.
func (c *Consumer) Ack(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	_, err := c.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, c.client.stream, c.client.config.Group, id)
		pipe.XDel(ctx, c.client.stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge message %s: %w", id, err)
	}

	return nil
}

// reclaim attempts to take ownership of a single pending message which has
// been idle for longer than the claim threshold. Errors are logged rather
// than returned, as the consumer can still make progress on new messages.
func (c *Consumer) reclaim(ctx context.Context) *Message {
	pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.client.stream,
		Group:  c.client.config.Group,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Emit(logger.WARNING, "Consumer %s failed to inspect pending messages: %v\n", c.consumerID, err)
		}
		return nil
	}

	for _, entry := range pending {
		if entry.Idle < c.claimMinIdle {
			continue
		}

		claimed, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.client.stream,
			Group:    c.client.config.Group,
			Consumer: c.consumerID,
			MinIdle:  c.claimMinIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			log.Emit(logger.WARNING, "Consumer %s failed to claim message %s: %v\n", c.consumerID, entry.ID, err)
			continue
		}

		// Another consumer may have claimed it first
		if len(claimed) == 0 {
			continue
		}

		log.Emit(logger.WARNING, "Consumer %s reclaimed message %s (previously held by %s, idle %s)\n", c.consumerID, entry.ID, entry.Consumer, entry.Idle)
		return c.parse(ctx, claimed[0], entry.RetryCount+1)
	}

	return nil
}

// parse converts a raw stream entry in to a Message. Entries which carry
// no payload can never be processed, so they are acknowledged and
// dropped here, and nil is returned.
func (c *Consumer) parse(ctx context.Context, raw redis.XMessage, deliveries int64) *Message {
	payload, ok := raw.Values[PayloadField].(string)
	if !ok || payload == "" {
		log.Emit(logger.ERROR, "Dropping malformed message %s: missing '%s' field\n", raw.ID, PayloadField)
		if err := c.ack(ctx, raw.ID); err != nil {
			log.Emit(logger.ERROR, "Failed to drop malformed message %s: %v\n", raw.ID, err)
		}
		return nil
	}

	msg := &Message{ID: raw.ID, Payload: []byte(payload), Deliveries: deliveries}
	if enqueuedAt, ok := raw.Values[EnqueuedAtField].(string); ok {
		if t, err := time.Parse(time.RFC3339, enqueuedAt); err == nil {
			msg.EnqueuedAt = t
		}
	}

	return msg
}
