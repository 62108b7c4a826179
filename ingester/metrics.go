package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegisterMetrics exposes the pipeline's progress counters as gauges.
// Call it once per process.
func RegisterMetrics(ing Ingester) {
	registerGauge("latest_block_number", "The latest known block number for the chain", func() uint64 {
		return ing.Info().LatestBlockNumber
	})
	registerGauge("backfilled_block_number", "The highest block number covered by the batch cursor", func() uint64 {
		return ing.Info().BackfilledBlockNumber
	})
	registerGauge("live_block_number", "The highest block number seen on the live tail", func() uint64 {
		return ing.Info().LiveBlockNumber
	})
	registerGauge("events_indexed", "Transfer events inserted by this process", func() uint64 {
		return ing.Info().EventsIndexed
	})
	registerGauge("current_batch_size", "The backfill engine's current adaptive batch size", func() uint64 {
		return ing.Info().CurrentBatchSize
	})
}

func registerGauge(name string, help string, function func() uint64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "erc20_ingester",
		Name:      name,
		Help:      help,
	}, func() float64 {
		return float64(function())
	})
}
