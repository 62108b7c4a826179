package ingester

import (
	"time"
)

// Info carries the pipeline's progress counters. Fields are updated
// with atomics from the backfill and tail loops and read by the
// progress reporter and the metrics gauges.
type Info struct {
	LatestBlockNumber     uint64
	BackfilledBlockNumber uint64
	LiveBlockNumber       uint64
	EventsIndexed         uint64
	CurrentBatchSize      uint64
	Since                 time.Time
}

func NewInfo() Info {
	return Info{Since: time.Now()}
}
