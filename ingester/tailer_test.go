package ingester

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/indexly/erc20-ingester/models"
)

func TestTailPersistsAndDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStoreMock()

	var polls int64
	node := &nodeMock{
		NewFilterFunc: func(_ context.Context, filter models.LogFilter) (string, error) {
			require.Equal(t, "latest", filter.FromBlock)
			require.Equal(t, []string{TransferTopic()}, filter.Topics)
			return "0xf1", nil
		},
		FilterChangesFunc: func(_ context.Context, filterID string) ([]models.RPCLog, error) {
			require.Equal(t, "0xf1", filterID)
			if atomic.AddInt64(&polls, 1) > 1 {
				return nil, nil
			}
			// out of block order on purpose
			return []models.RPCLog{
				transferLog("0x07", 0, 7, "0xa000000000000000000000000000000000000001",
					"0xa000000000000000000000000000000000000002", "70"),
				transferLog("0x05", 0, 5, "0xa000000000000000000000000000000000000003",
					"0xa000000000000000000000000000000000000004", "50"),
			}, nil
		},
	}

	var mu sync.Mutex
	var delivered []models.TransferEvent
	sink := func(event models.TransferEvent) error {
		mu.Lock()
		delivered = append(delivered, event)
		mu.Unlock()
		return nil
	}

	ing := newTestIngester(node, store, nil, testConfig())

	done := make(chan error, 1)
	go func() {
		done <- ing.Tail(ctx, sink)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Equal(t, 2, store.eventCount())
	// monotonic: the later block wins even though order was reversed
	cursor, ok := store.cursor(models.RealtimeSyncCursor)
	require.True(t, ok)
	require.EqualValues(t, 7, cursor)
	// the batch cursor is never touched by the tailer
	_, ok = store.cursor(models.BatchSyncCursor)
	require.False(t, ok)

	require.Equal(t, "0x07", delivered[0].TxHash)
	require.Equal(t, "70", delivered[0].Value)
	require.EqualValues(t, 1700000007, delivered[0].Timestamp)
}

func TestTailSinkErrorsAreSwallowed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStoreMock()

	var polls int64
	node := &nodeMock{
		NewFilterFunc: func(context.Context, models.LogFilter) (string, error) { return "0xf1", nil },
		FilterChangesFunc: func(context.Context, string) ([]models.RPCLog, error) {
			if atomic.AddInt64(&polls, 1) > 1 {
				return nil, nil
			}
			return []models.RPCLog{
				transferLog("0x01", 0, 10, "0xa000000000000000000000000000000000000001",
					"0xa000000000000000000000000000000000000002", "1"),
			}, nil
		},
	}

	var sinkCalls int64
	sink := func(models.TransferEvent) error {
		atomic.AddInt64(&sinkCalls, 1)
		return fmt.Errorf("subscriber went away")
	}

	ing := newTestIngester(node, store, nil, testConfig())
	done := make(chan error, 1)
	go func() {
		done <- ing.Tail(ctx, sink)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&sinkCalls) == 1
	}, time.Second, time.Millisecond)

	// the event is durably stored even though delivery failed
	require.Equal(t, 1, store.eventCount())
	cursor, _ := store.cursor(models.RealtimeSyncCursor)
	require.EqualValues(t, 10, cursor)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTailReinstallsExpiredFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStoreMock()

	var filters int64
	var polls int64
	node := &nodeMock{
		NewFilterFunc: func(context.Context, models.LogFilter) (string, error) {
			return fmt.Sprintf("0xf%d", atomic.AddInt64(&filters, 1)), nil
		},
		FilterChangesFunc: func(_ context.Context, filterID string) ([]models.RPCLog, error) {
			if atomic.AddInt64(&polls, 1) == 1 {
				return nil, fmt.Errorf("rpc error -32000: filter not found")
			}
			require.Equal(t, "0xf2", filterID)
			return nil, nil
		},
	}

	ing := newTestIngester(node, store, nil, testConfig())
	done := make(chan error, 1)
	go func() {
		done <- ing.Tail(ctx, func(models.TransferEvent) error { return nil })
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&filters) == 2 && atomic.LoadInt64(&polls) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTailDropsRemovedAndMalformedLogs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStoreMock()

	removed := transferLog("0x0a", 0, 3, "0xa000000000000000000000000000000000000001",
		"0xa000000000000000000000000000000000000002", "1")
	removed.Removed = true

	malformed := transferLog("0x0b", 0, 4, "0xa000000000000000000000000000000000000001",
		"0xa000000000000000000000000000000000000002", "1")
	malformed.Topics = malformed.Topics[:2]

	good := transferLog("0x0c", 0, 5, "0xa000000000000000000000000000000000000001",
		"0xa000000000000000000000000000000000000002", "2")

	var polls int64
	node := &nodeMock{
		NewFilterFunc: func(context.Context, models.LogFilter) (string, error) { return "0xf1", nil },
		FilterChangesFunc: func(context.Context, string) ([]models.RPCLog, error) {
			if atomic.AddInt64(&polls, 1) > 1 {
				return nil, nil
			}
			return []models.RPCLog{removed, malformed, good}, nil
		},
	}

	ing := newTestIngester(node, store, nil, testConfig())
	done := make(chan error, 1)
	go func() {
		done <- ing.Tail(ctx, func(models.TransferEvent) error { return nil })
	}()

	require.Eventually(t, func() bool {
		return store.eventCount() == 1
	}, time.Second, time.Millisecond)

	events := store.allEvents()
	require.Equal(t, "0x0c", events[0].TxHash)
	cursor, _ := store.cursor(models.RealtimeSyncCursor)
	require.EqualValues(t, 5, cursor)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
