package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/redis/go-redis/v9"
)

type Producer struct {
	client *StreamsClient
	now    func() time.Time
}

func NewProducer(client *StreamsClient) *Producer {
	return &Producer{client: client, now: time.Now}
}

// Enqueue durably appends the payload to the stream, returning the
// ID Redis assigned to the new entry.
func (p *Producer) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("payload cannot be empty")
	}

	id, err := p.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.client.stream,
		Values: map[string]any{
			PayloadField:    string(payload),
			EnqueuedAtField: p.now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue to stream %s: %w", p.client.stream, err)
	}

	log.Emit(logger.DEBUG, "Enqueued message %s on %s\n", id, p.client.stream)
	return id, nil
}
