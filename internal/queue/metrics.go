package queue

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsReadTimeout = time.Second

// RegisterMetrics exposes the depth of the stream, and the number of
// delivered-but-unacknowledged entries, as gauges which are read from
// Redis each time they are scraped.
func RegisterMetrics(registerer prometheus.Registerer, client *StreamsClient) error {
	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "melody_queue_depth",
		Help:        "Number of ingest jobs on the stream, waiting or in flight",
		ConstLabels: prometheus.Labels{"stream": client.StreamName()},
	}, gaugeReader(client.Depth))

	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "melody_queue_pending",
		Help:        "Number of ingest jobs delivered to a worker but not yet acknowledged",
		ConstLabels: prometheus.Labels{"stream": client.StreamName()},
	}, gaugeReader(client.PendingCount))

	for _, collector := range []prometheus.Collector{depth, pending} {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func gaugeReader(read func(context.Context) (int64, error)) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), metricsReadTimeout)
		defer cancel()

		value, err := read(ctx)
		if err != nil {
			log.Warnf("Failed to read queue metric: %v\n", err)
			return -1
		}

		return float64(value)
	}
}
