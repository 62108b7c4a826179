// Package locator seeds the initial sync cursor by finding the block
// at which the tracked contract first appeared on chain.
package locator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-errors/errors"

	"github.com/indexly/erc20-ingester/lib/hexutils"
)

// ErrContractNotFound means the address holds no code at head; there is
// nothing to search for.
var ErrContractNotFound = errors.New("no contract code at address")

// Node is the slice of the RPC gateway the locator probes through.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (string, error)
	GetCode(ctx context.Context, address string, block string) (string, error)
	TransactionCount(ctx context.Context, address string, blockNumber uint64) (uint64, error)
}

// FloorFunc returns the lowest block worth probing for a given chain
// id. Raising the floor on well-known networks avoids wasted probes
// over ranges that predate contract deployments entirely.
type FloorFunc func(chainID string) uint64

// DefaultFloor knows the popular testnets; everything else starts at 0.
func DefaultFloor(chainID string) uint64 {
	switch chainID {
	case "0xaa36a7": // sepolia
		return 2_000_000
	case "0x4268": // holesky
		return 100_000
	default:
		return 0
	}
}

type Locator struct {
	log   *slog.Logger
	node  Node
	floor FloorFunc

	mu     sync.Mutex
	cached map[string]uint64
}

func New(log *slog.Logger, node Node) *Locator {
	return &Locator{
		log:    log.With("module", "locator"),
		node:   node,
		floor:  DefaultFloor,
		cached: make(map[string]uint64),
	}
}

// FindCreationBlock binary-searches for the earliest block at which the
// contract address has a nonzero transaction count. It returns
// ErrContractNotFound when the address holds no code at head; every
// other failure degrades to a best-effort result: the configured
// fallback block if positive, else 1. Results are cached per address
// for the process lifetime.
func (l *Locator) FindCreationBlock(ctx context.Context, address string, fallback uint64) (uint64, error) {
	l.mu.Lock()
	if block, ok := l.cached[address]; ok {
		l.mu.Unlock()
		return block, nil
	}
	l.mu.Unlock()

	head, err := l.node.BlockNumber(ctx)
	if err != nil {
		l.log.Error("Failed to read head, using fallback start block", "error", err)
		return bestEffort(fallback), nil
	}

	code, err := l.node.GetCode(ctx, address, hexutils.ToHex(head))
	if err != nil {
		l.log.Error("Failed to read contract code, using fallback start block", "error", err)
		return bestEffort(fallback), nil
	}
	if code == "" || code == "0x" {
		return 0, errors.New(ErrContractNotFound)
	}

	lo := l.floorBlock(ctx)
	block, found := l.search(ctx, address, lo, head)
	if !found {
		l.log.Warn("Creation block search was inconclusive, using fallback",
			"address", address,
			"fallback", bestEffort(fallback),
		)
		return bestEffort(fallback), nil
	}

	l.log.Info("Located contract creation block", "address", address, "block", block)
	l.mu.Lock()
	l.cached[address] = block
	l.mu.Unlock()
	return block, nil
}

func (l *Locator) floorBlock(ctx context.Context) uint64 {
	chainID, err := l.node.ChainID(ctx)
	if err != nil {
		l.log.Warn("Failed to read chain id, searching from genesis", "error", err)
		return 0
	}
	return l.floor(chainID)
}

func (l *Locator) search(ctx context.Context, address string, lo uint64, hi uint64) (uint64, bool) {
	for lo <= hi {
		mid := lo + (hi-lo)/2
		count, err := l.node.TransactionCount(ctx, address, mid)
		if err != nil {
			l.log.Error("Probe failed during creation block search", "block", mid, "error", err)
			return 0, false
		}
		if count == 0 {
			lo = mid + 1
			continue
		}
		if mid == 0 {
			return 0, true
		}
		prev, err := l.node.TransactionCount(ctx, address, mid-1)
		if err != nil {
			l.log.Error("Probe failed during creation block search", "block", mid-1, "error", err)
			return 0, false
		}
		if prev == 0 {
			return mid, true
		}
		hi = mid - 1
	}
	return 0, false
}

func bestEffort(fallback uint64) uint64 {
	if fallback > 0 {
		return fallback
	}
	return 1
}
