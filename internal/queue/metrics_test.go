package queue_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hbomb79/Melody/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RegisterMetrics(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, time.Hour)
	producer := queue.NewProducer(client)

	registry := prometheus.NewRegistry()
	require.NoError(t, queue.RegisterMetrics(registry, client))

	for range 2 {
		_, err := producer.Enqueue(ctx, []byte(`{}`))
		require.NoError(t, err)
	}

	msg, err := newConsumer(t, client, "c1").Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	expected := `
# HELP melody_queue_depth Number of ingest jobs on the stream, waiting or in flight
# TYPE melody_queue_depth gauge
melody_queue_depth{stream="test:ingest"} 2
# HELP melody_queue_pending Number of ingest jobs delivered to a worker but not yet acknowledged
# TYPE melody_queue_pending gauge
melody_queue_pending{stream="test:ingest"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "melody_queue_depth", "melody_queue_pending"))

	assert.Error(t, queue.RegisterMetrics(registry, client), "registering twice should fail")
}
