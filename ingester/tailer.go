package ingester

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"

	"github.com/indexly/erc20-ingester/lib/hexutils"
	"github.com/indexly/erc20-ingester/models"
)

// Tail registers an upstream log filter for the contract's Transfer
// topic and polls it until the context is cancelled. Every event is
// persisted and the realtime cursor advanced before the sink sees it;
// any per-event failure is logged and the event dropped, the
// subscription itself keeps running.
func (i *ingester) Tail(ctx context.Context, sink Sink) error {
	filterID, err := i.installFilter(ctx)
	if err != nil {
		return err
	}
	i.log.Info("Tailing live Transfer events", "pollInterval", i.cfg.PollInterval.String())

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			i.log.Debug("Tail: context cancelled, stopping")
			return ctx.Err()
		case <-ticker.C:
			logs, err := i.node.FilterChanges(ctx, filterID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return ctx.Err()
				}
				if isFilterExpired(err) {
					i.log.Warn("Upstream dropped the log filter, reinstalling")
					filterID, err = i.installFilter(ctx)
					if err != nil {
						return err
					}
					continue
				}
				i.log.Error("Failed to poll filter changes", "error", err)
				continue
			}
			for _, log := range logs {
				if log.Removed {
					// reorged away before we saw it
					continue
				}
				i.processLiveLog(ctx, log, sink)
			}
		}
	}
}

// installFilter keeps trying until the upstream accepts the filter or
// the context ends.
func (i *ingester) installFilter(ctx context.Context) (string, error) {
	filter := models.LogFilter{
		FromBlock: "latest",
		Address:   i.cfg.ContractAddress,
		Topics:    []string{TransferTopic()},
	}
	for {
		filterID, err := i.node.NewFilter(ctx, filter)
		if err == nil {
			return filterID, nil
		}
		if errors.Is(err, context.Canceled) {
			return "", ctx.Err()
		}
		i.log.Error("Failed to install log filter, retrying", "error", err)
		if err := i.sleep(ctx, i.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

// processLiveLog runs the per-event pipeline: timestamp, normalize,
// persist, advance cursor, hand to sink.
func (i *ingester) processLiveLog(ctx context.Context, log models.RPCLog, sink Sink) {
	blockNumber, err := hexutils.Uint64FromHex(log.BlockNumber)
	if err != nil {
		i.log.Error("Dropping live event with bad block number", "blockNumber", log.BlockNumber, "error", err)
		return
	}
	header, err := i.node.HeaderByNumber(ctx, blockNumber)
	if err != nil {
		i.log.Error("Dropping live event, header fetch failed", "blockNumber", blockNumber, "error", err)
		return
	}
	timestamp, err := hexutils.IntFromHex(header.Timestamp)
	if err != nil {
		i.log.Error("Dropping live event, bad header timestamp", "blockNumber", blockNumber, "error", err)
		return
	}
	event, err := normalizeLog(log, timestamp)
	if err != nil {
		i.log.Error("Dropping malformed live event", "txHash", log.TransactionHash, "error", err)
		return
	}

	inserted, _, err := i.store.SaveEvents(ctx, []models.TransferEvent{event})
	if err != nil {
		i.log.Error("Dropping live event, save failed", "txHash", event.TxHash, "error", err)
		return
	}
	// monotonic advance makes out-of-order arrivals harmless
	if err := i.store.AdvanceCursor(ctx, models.RealtimeSyncCursor, event.BlockNumber); err != nil {
		i.log.Error("Failed to advance realtime cursor", "blockNumber", event.BlockNumber, "error", err)
		return
	}
	updateMax(&i.info.LiveBlockNumber, event.BlockNumber)
	atomic.AddUint64(&i.info.EventsIndexed, uint64(inserted))

	if err := sink(event); err != nil {
		i.log.Error("Sink rejected event", "txHash", event.TxHash, "logIndex", event.LogIndex, "error", err)
	}
}

func isFilterExpired(err error) bool {
	return strings.Contains(err.Error(), "filter not found")
}

func updateMax(addr *uint64, value uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if value <= cur || atomic.CompareAndSwapUint64(addr, cur, value) {
			return
		}
	}
}
