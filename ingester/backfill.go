package ingester

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/indexly/erc20-ingester/lib/hexutils"
	"github.com/indexly/erc20-ingester/models"
)

// RunBackfill walks [start, head@startup] in adaptive batches. Each
// batch is one eth_getLogs range fetch plus header fetches for
// timestamps, saved as a unit with the batch-sync cursor advanced as
// the commit point. Rate-limit failures halve the batch and retry the
// same range; anything else skips the range to preserve liveness.
func (i *ingester) RunBackfill(ctx context.Context, initialBatchSize uint64) error {
	if !i.indexing.CompareAndSwap(false, true) {
		i.log.Warn("Backfill already running, ignoring second invocation")
		return nil
	}
	defer i.indexing.Store(false)

	if initialBatchSize < minBatchSize {
		initialBatchSize = minBatchSize
	}

	start, err := i.resolveStartBlock(ctx)
	if err != nil {
		return err
	}
	// the head is captured once; chasing the moving tip is the live
	// tailer's job
	head, err := i.node.BlockNumber(ctx)
	if err != nil {
		return errors.Errorf("failed to read chain head: %w", err)
	}
	atomic.StoreUint64(&i.info.LatestBlockNumber, head)

	i.log.Info("Starting backfill",
		"startBlock", start,
		"headBlock", head,
		"initialBatchSize", initialBatchSize,
	)

	curBatch := initialBatchSize
	successStreak := 0
	failureStreak := 0
	atomic.StoreUint64(&i.info.CurrentBatchSize, curBatch)

	for from := start; from <= head; {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		to := min(from+curBatch-1, head)

		batch, err := i.fetchRange(ctx, from, to)
		if err == nil {
			err = i.persistRange(ctx, batch, to)
		}

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if i.isRateLimited(err) {
				failureStreak++
				successStreak = 0
				var sleep time.Duration
				if curBatch > minBatchSize {
					curBatch = max(curBatch/2, minBatchSize)
					sleep = min(time.Second<<uint(failureStreak), 60*time.Second)
				} else {
					sleep = min(5*time.Second<<uint(failureStreak), 300*time.Second)
				}
				atomic.StoreUint64(&i.info.CurrentBatchSize, curBatch)
				i.log.Warn("Rate limited, shrinking batch and retrying range",
					"from", from,
					"to", to,
					"batchSize", curBatch,
					"sleep", sleep.String(),
				)
				if err := i.sleep(ctx, sleep); err != nil {
					return err
				}
				continue // same range
			}

			// non-rate-limit failure: skip the range, leave the cursor
			// behind so a later run can re-attempt
			i.log.Error("Failed to ingest range, skipping",
				"from", from,
				"to", to,
				"error", err,
			)
			from = to + 1
			continue
		}

		successStreak++
		failureStreak = 0
		if successStreak >= successStreakTarget && curBatch < initialBatchSize {
			curBatch = min(curBatch*2, initialBatchSize)
			successStreak = 0
			atomic.StoreUint64(&i.info.CurrentBatchSize, curBatch)
			i.log.Info("Growing batch size", "batchSize", curBatch)
		}
		from = to + 1
	}

	i.log.Info("Backfill complete", "headBlock", head)
	return nil
}

// resolveStartBlock reads the batch cursor, or seeds it on first run
// from the configured start block or the creation-block locator.
func (i *ingester) resolveStartBlock(ctx context.Context) (uint64, error) {
	cursor, ok, err := i.store.GetCursor(ctx, models.BatchSyncCursor)
	if err != nil {
		return 0, errors.Errorf("failed to read batch cursor: %w", err)
	}
	if ok {
		i.log.Info("Resuming backfill from cursor", "lastSyncedBlock", cursor)
		atomic.StoreUint64(&i.info.BackfilledBlockNumber, cursor)
		return cursor + 1, nil
	}

	start := i.cfg.StartBlock
	if start == 0 {
		start, err = i.locator.FindCreationBlock(ctx, i.cfg.ContractAddress, i.cfg.StartBlock)
		if err != nil {
			i.log.Error("Creation block lookup failed, starting from block 1", "error", err)
			start = 1
		}
	}
	if err := i.store.CreateCursor(ctx, models.BatchSyncCursor, start-1); err != nil {
		return 0, err
	}
	i.log.Info("Starting fresh backfill", "startBlock", start)
	return start, nil
}

// fetchRange pulls the Transfer logs for [from, to] and resolves their
// block timestamps. Header fetches fan out over a bounded worker pool;
// the gateway still caps actual upstream concurrency.
func (i *ingester) fetchRange(ctx context.Context, from uint64, to uint64) ([]models.TransferEvent, error) {
	logs, err := i.node.GetLogs(ctx, models.LogFilter{
		FromBlock: hexutils.ToHex(from),
		ToBlock:   hexutils.ToHex(to),
		Address:   i.cfg.ContractAddress,
		Topics:    []string{TransferTopic()},
	})
	if err != nil {
		return nil, errors.Errorf("failed to fetch logs for [%d, %d]: %w", from, to, err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	timestamps, err := i.fetchTimestamps(ctx, logs)
	if err != nil {
		return nil, err
	}

	events := make([]models.TransferEvent, 0, len(logs))
	for _, log := range logs {
		blockNumber, err := hexutils.Uint64FromHex(log.BlockNumber)
		if err != nil {
			return nil, err
		}
		event, err := normalizeLog(log, timestamps[blockNumber])
		if err != nil {
			return nil, errors.Errorf("failed to normalize log %s/%s: %w", log.TransactionHash, log.LogIndex, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (i *ingester) fetchTimestamps(ctx context.Context, logs []models.RPCLog) (map[uint64]int64, error) {
	blockNumbers := make(map[uint64]struct{}, len(logs))
	for _, log := range logs {
		n, err := hexutils.Uint64FromHex(log.BlockNumber)
		if err != nil {
			return nil, err
		}
		blockNumbers[n] = struct{}{}
	}

	pool, err := ants.NewPool(i.cfg.HeaderFetchWorkers)
	if err != nil {
		return nil, errors.Errorf("failed to create header fetch pool: %w", err)
	}
	defer pool.Release()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		timestamps = make(map[uint64]int64, len(blockNumbers))
		firstErr   error
	)
	for blockNumber := range blockNumbers {
		blockNumber := blockNumber // each pool task needs its own copy
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			header, err := i.node.HeaderByNumber(ctx, blockNumber)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			ts, err := hexutils.IntFromHex(header.Timestamp)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			timestamps[blockNumber] = ts
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			return nil, errors.Errorf("failed to submit header fetch: %w", submitErr)
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, errors.Errorf("failed to fetch block headers: %w", firstErr)
	}
	return timestamps, nil
}

// persistRange is the commit point: events first, cursor after.
func (i *ingester) persistRange(ctx context.Context, events []models.TransferEvent, to uint64) error {
	inserted, ignored, err := i.store.SaveEvents(ctx, events)
	if err != nil {
		return err
	}
	if err := i.store.AdvanceCursor(ctx, models.BatchSyncCursor, to); err != nil {
		return err
	}
	atomic.StoreUint64(&i.info.BackfilledBlockNumber, to)
	atomic.AddUint64(&i.info.EventsIndexed, uint64(inserted))
	if len(events) > 0 {
		i.log.Info("Ingested batch",
			"to", to,
			"events", len(events),
			"inserted", inserted,
			"ignored", ignored,
		)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
