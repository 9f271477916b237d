package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hbomb79/Melody/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, claimMinIdle time.Duration) (*queue.StreamsClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := queue.NewStreamsClient(rdb, queue.Config{
		Prefix:              "test",
		Group:               "workers",
		BlockMillis:         50,
		ClaimMinIdleSeconds: int(claimMinIdle / time.Second),
	})
	require.NoError(t, client.EnsureGroup(context.Background()))

	return client, mr
}

func newConsumer(t *testing.T, client *queue.StreamsClient, id string) *queue.Consumer {
	consumer, err := queue.NewConsumer(client, id)
	require.NoError(t, err)
	return consumer
}

func Test_EnsureGroup_Idempotent(t *testing.T) {
	client, _ := newTestClient(t, time.Hour)
	assert.NoError(t, client.EnsureGroup(context.Background()))
	assert.Equal(t, "test:ingest", client.StreamName())
}

func Test_EnqueueReadAck(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, time.Hour)
	producer := queue.NewProducer(client)
	consumer := newConsumer(t, client, "c1")

	id, err := producer.Enqueue(ctx, []byte(`{"source_url":"x"}`))
	require.NoError(t, err)

	depth, err := client.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	msg, err := consumer.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, `{"source_url":"x"}`, string(msg.Payload))
	assert.EqualValues(t, 1, msg.Deliveries)
	assert.WithinDuration(t, time.Now(), msg.EnqueuedAt, time.Minute)

	pending, err := client.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	require.NoError(t, consumer.Ack(ctx, msg))

	depth, err = client.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)

	pending, err = client.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)
}

func Test_Read_EmptyReturnsNil(t *testing.T) {
	client, _ := newTestClient(t, time.Hour)
	consumer := newConsumer(t, client, "c1")

	msg, err := consumer.Read(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func Test_MessagesDeliveredOnceAcrossConsumers(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, time.Hour)
	producer := queue.NewProducer(client)
	a, b := newConsumer(t, client, "a"), newConsumer(t, client, "b")

	for _, payload := range []string{"1", "2", "3", "4"} {
		_, err := producer.Enqueue(ctx, []byte(payload))
		require.NoError(t, err)
	}

	seen := make(map[string]int)
	for range 4 {
		for _, consumer := range []*queue.Consumer{a, b} {
			msg, err := consumer.Read(ctx)
			require.NoError(t, err)
			if msg != nil {
				seen[string(msg.Payload)]++
				require.NoError(t, consumer.Ack(ctx, msg))
			}
		}
	}

	assert.Equal(t, map[string]int{"1": 1, "2": 1, "3": 1, "4": 1}, seen)
}

func Test_UnackedMessageIsReclaimed(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, time.Second)
	producer := queue.NewProducer(client)
	crashed, survivor := newConsumer(t, client, "crashed"), newConsumer(t, client, "survivor")

	_, err := producer.Enqueue(ctx, []byte("job"))
	require.NoError(t, err)

	first, err := crashed.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Not yet idle for long enough
	msg, err := survivor.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)

	time.Sleep(1100 * time.Millisecond)

	reclaimed, err := survivor.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, first.ID, reclaimed.ID)
	assert.EqualValues(t, 2, reclaimed.Deliveries)

	require.NoError(t, survivor.Ack(ctx, reclaimed))
	pending, err := client.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)
}

func Test_MalformedMessageIsDropped(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t, time.Hour)
	consumer := newConsumer(t, client, "c1")

	_, err := mr.XAdd("test:ingest", "*", []string{"unexpected", "value"})
	require.NoError(t, err)

	msg, err := consumer.Read(ctx)
	assert.NoError(t, err)
	assert.Nil(t, msg)

	depth, err := client.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func Test_NewConsumer_RequiresID(t *testing.T) {
	client, _ := newTestClient(t, time.Hour)
	_, err := queue.NewConsumer(client, "")
	assert.Error(t, err)
}

func Test_Ack_Nil(t *testing.T) {
	client, _ := newTestClient(t, time.Hour)
	consumer := newConsumer(t, client, "c1")
	assert.ErrorIs(t, consumer.Ack(context.Background(), nil), queue.ErrNilMessage)
}
