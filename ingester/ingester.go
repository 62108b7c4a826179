package ingester

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/indexly/erc20-ingester/client/jsonrpc"
	"github.com/indexly/erc20-ingester/models"
)

// Node is the slice of the RPC gateway the ingestion pipeline consumes.
// Everything goes through the gateway, so its concurrency cap and
// throttle apply to every call made here.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, filter models.LogFilter) ([]models.RPCLog, error)
	HeaderByNumber(ctx context.Context, blockNumber uint64) (models.RPCBlockHeader, error)
	NewFilter(ctx context.Context, filter models.LogFilter) (string, error)
	FilterChanges(ctx context.Context, filterID string) ([]models.RPCLog, error)
}

// EventStore persists events and cursors. The pipeline produces values
// and hands them over; it never mutates stored rows.
type EventStore interface {
	SaveEvents(ctx context.Context, events []models.TransferEvent) (inserted int, ignored int, err error)
	GetCursor(ctx context.Context, id string) (uint64, bool, error)
	CreateCursor(ctx context.Context, id string, blockNumber uint64) error
	AdvanceCursor(ctx context.Context, id string, blockNumber uint64) error
}

// CreationLocator finds the first interesting block when no start block
// is configured.
type CreationLocator interface {
	FindCreationBlock(ctx context.Context, address string, fallback uint64) (uint64, error)
}

// Sink receives each live event after it is durably stored. Delivery is
// best effort: a sink error is logged and never reaches the upstream.
type Sink func(models.TransferEvent) error

type Ingester interface {
	// RunBackfill sweeps [start, head@startup] in adaptive batches and
	// returns when the range is exhausted. A second concurrent call
	// short-circuits.
	RunBackfill(ctx context.Context, initialBatchSize uint64) error

	// Tail follows live Transfer logs until the context is cancelled.
	Tail(ctx context.Context, sink Sink) error

	// ReportProgress periodically logs ingestion progress.
	ReportProgress(ctx context.Context) error

	Info() Info
}

const (
	minBatchSize        = 10
	successStreakTarget = 5

	defaultPollInterval           = 5 * time.Second
	defaultReportProgressInterval = 30 * time.Second
	defaultHeaderFetchWorkers     = 5
)

type Config struct {
	// ContractAddress is lowercased by config parsing before it gets here.
	ContractAddress string

	// StartBlock seeds the first run; zero delegates to the locator.
	StartBlock uint64

	PollInterval           time.Duration
	ReportProgressInterval time.Duration

	// HeaderFetchWorkers bounds the per-batch header fetch pool. The
	// gateway still enforces the global upstream cap.
	HeaderFetchWorkers int
}

type ingester struct {
	log     *slog.Logger
	node    Node
	store   EventStore
	locator CreationLocator
	cfg     Config

	// isRateLimited classifies errors surfacing from the gateway,
	// including the ones it gave up retrying.
	isRateLimited jsonrpc.RateLimitPredicate

	// sleep is a seam for tests; sleepContext otherwise.
	sleep func(ctx context.Context, d time.Duration) error

	indexing atomic.Bool
	info     Info
}

func New(log *slog.Logger, node Node, store EventStore, locator CreationLocator, cfg Config) Ingester {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReportProgressInterval == 0 {
		cfg.ReportProgressInterval = defaultReportProgressInterval
	}
	if cfg.HeaderFetchWorkers <= 0 {
		cfg.HeaderFetchWorkers = defaultHeaderFetchWorkers
	}
	return &ingester{
		log:           log.With("module", "ingester"),
		node:          node,
		store:         store,
		locator:       locator,
		cfg:           cfg,
		isRateLimited: jsonrpc.IsRateLimit,
		sleep:         sleepContext,
		info:          NewInfo(),
	}
}

func (i *ingester) Info() Info {
	return Info{
		LatestBlockNumber:     atomic.LoadUint64(&i.info.LatestBlockNumber),
		BackfilledBlockNumber: atomic.LoadUint64(&i.info.BackfilledBlockNumber),
		LiveBlockNumber:       atomic.LoadUint64(&i.info.LiveBlockNumber),
		EventsIndexed:         atomic.LoadUint64(&i.info.EventsIndexed),
		CurrentBatchSize:      atomic.LoadUint64(&i.info.CurrentBatchSize),
		Since:                 i.info.Since,
	}
}
