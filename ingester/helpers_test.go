package ingester

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/indexly/erc20-ingester/lib/hexutils"
	"github.com/indexly/erc20-ingester/models"
)

func testLogger() *slog.Logger {
	// Swap for os.Stderr to see logs
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nodeMock struct {
	BlockNumberFunc    func(ctx context.Context) (uint64, error)
	GetLogsFunc        func(ctx context.Context, filter models.LogFilter) ([]models.RPCLog, error)
	HeaderByNumberFunc func(ctx context.Context, blockNumber uint64) (models.RPCBlockHeader, error)
	NewFilterFunc      func(ctx context.Context, filter models.LogFilter) (string, error)
	FilterChangesFunc  func(ctx context.Context, filterID string) ([]models.RPCLog, error)
}

func (m *nodeMock) BlockNumber(ctx context.Context) (uint64, error) {
	return m.BlockNumberFunc(ctx)
}

func (m *nodeMock) GetLogs(ctx context.Context, filter models.LogFilter) ([]models.RPCLog, error) {
	return m.GetLogsFunc(ctx, filter)
}

func (m *nodeMock) HeaderByNumber(ctx context.Context, blockNumber uint64) (models.RPCBlockHeader, error) {
	if m.HeaderByNumberFunc != nil {
		return m.HeaderByNumberFunc(ctx, blockNumber)
	}
	return models.RPCBlockHeader{
		Number:    hexutils.ToHex(blockNumber),
		Timestamp: hexutils.ToHex(1700000000 + blockNumber),
	}, nil
}

func (m *nodeMock) NewFilter(ctx context.Context, filter models.LogFilter) (string, error) {
	return m.NewFilterFunc(ctx, filter)
}

func (m *nodeMock) FilterChanges(ctx context.Context, filterID string) ([]models.RPCLog, error) {
	return m.FilterChangesFunc(ctx, filterID)
}

type locatorMock struct {
	FindCreationBlockFunc func(ctx context.Context, address string, fallback uint64) (uint64, error)
}

func (m *locatorMock) FindCreationBlock(ctx context.Context, address string, fallback uint64) (uint64, error) {
	return m.FindCreationBlockFunc(ctx, address, fallback)
}

// storeMock is an in-memory EventStore with the real contract:
// composite-key idempotency and monotonic conditional cursor advance.
type storeMock struct {
	mu      sync.Mutex
	events  map[string]models.TransferEvent
	cursors map[string]uint64
}

func newStoreMock() *storeMock {
	return &storeMock{
		events:  make(map[string]models.TransferEvent),
		cursors: make(map[string]uint64),
	}
}

func (s *storeMock) SaveEvents(_ context.Context, events []models.TransferEvent) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, event := range events {
		key := event.TxHash + "/" + hexutils.ToHex(uint64(event.LogIndex))
		if _, ok := s.events[key]; ok {
			continue
		}
		event.IndexedAt = time.Now()
		s.events[key] = event
		inserted++
	}
	return inserted, len(events) - inserted, nil
}

func (s *storeMock) GetCursor(_ context.Context, id string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.cursors[id]
	return block, ok, nil
}

func (s *storeMock) CreateCursor(_ context.Context, id string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[id]; !ok {
		s.cursors[id] = blockNumber
	}
	return nil
}

func (s *storeMock) AdvanceCursor(_ context.Context, id string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[id]; !ok || cur < blockNumber {
		s.cursors[id] = blockNumber
	}
	return nil
}

func (s *storeMock) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *storeMock) cursor(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.cursors[id]
	return block, ok
}

func (s *storeMock) allEvents() []models.TransferEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]models.TransferEvent, 0, len(s.events))
	for _, event := range s.events {
		events = append(events, event)
	}
	return events
}

// transferLog builds a raw Transfer log the way eth_getLogs returns it.
func transferLog(tx string, logIndex uint64, block uint64, from, to, value string) models.RPCLog {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("bad value in test fixture: " + value)
	}
	return models.RPCLog{
		Address:         "0xc0ffee0000000000000000000000000000000001",
		Topics:          []string{TransferTopic(), addressTopic(from), addressTopic(to)},
		Data:            "0x" + amount.Text(16),
		BlockNumber:     hexutils.ToHex(block),
		TransactionHash: tx,
		LogIndex:        hexutils.ToHex(logIndex),
	}
}

func addressTopic(address string) string {
	hex := strings.TrimPrefix(address, "0x")
	return "0x" + strings.Repeat("0", 64-len(hex)) + hex
}

func testConfig() Config {
	return Config{
		ContractAddress:    "0xc0ffee0000000000000000000000000000000001",
		PollInterval:       time.Millisecond,
		HeaderFetchWorkers: 2,
	}
}

func newTestIngester(node *nodeMock, store *storeMock, loc *locatorMock, cfg Config) *ingester {
	if loc == nil {
		loc = &locatorMock{
			FindCreationBlockFunc: func(context.Context, string, uint64) (uint64, error) {
				panic("locator should not be called")
			},
		}
	}
	ing := New(testLogger(), node, store, loc, cfg).(*ingester)
	ing.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}
	return ing
}

// rangeOf reads the inclusive block range out of a log filter.
func rangeOf(filter models.LogFilter) (uint64, uint64) {
	from, err := hexutils.Uint64FromHex(filter.FromBlock)
	if err != nil {
		panic(err)
	}
	to, err := hexutils.Uint64FromHex(filter.ToBlock)
	if err != nil {
		panic(err)
	}
	return from, to
}
