package ingester

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ReportProgress logs a progress line on an interval: blocks per
// second, the latest, backfilled and live block numbers, and a
// catch-up ETA while backfilling.
func (i *ingester) ReportProgress(ctx context.Context) error {
	timer := time.NewTicker(i.cfg.ReportProgressInterval)
	defer timer.Stop()

	previousTime := time.Now()
	previousBackfilled := atomic.LoadUint64(&i.info.BackfilledBlockNumber)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tNow := <-timer.C:
			latest := atomic.LoadUint64(&i.info.LatestBlockNumber)
			backfilled := atomic.LoadUint64(&i.info.BackfilledBlockNumber)
			live := atomic.LoadUint64(&i.info.LiveBlockNumber)

			blocksPerSec := float64(backfilled-previousBackfilled) / tNow.Sub(previousTime).Seconds()

			fields := []interface{}{
				"blocksPerSec", fmt.Sprintf("%.2f", blocksPerSec),
				"latestBlockNumber", latest,
				"backfilledBlockNumber", backfilled,
				"liveBlockNumber", live,
				"eventsIndexed", atomic.LoadUint64(&i.info.EventsIndexed),
				"batchSize", atomic.LoadUint64(&i.info.CurrentBatchSize),
			}
			if latest > backfilled && blocksPerSec > 0 {
				distance := latest - backfilled
				etaHours := time.Duration(float64(distance) / blocksPerSec * float64(time.Second)).Hours()
				fields = append(fields, "hoursToCatchUp", fmt.Sprintf("%.1f", etaHours))
			}

			i.log.Info("PROGRESS REPORT", fields...)
			previousBackfilled = backfilled
			previousTime = tNow
		}
	}
}
