package jsonrpc

import (
	"context"
	"encoding/json"

	"github.com/go-errors/errors"

	"github.com/indexly/erc20-ingester/lib/hexutils"
	"github.com/indexly/erc20-ingester/models"
)

// Typed helpers over Gateway.Call. Each one is a thin decode; all
// queueing, retry and throttling behavior lives in the pump.

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNumber string
	if err := g.callInto(ctx, &hexNumber, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return hexutils.Uint64FromHex(hexNumber)
}

func (g *Gateway) ChainID(ctx context.Context) (string, error) {
	var id string
	if err := g.callInto(ctx, &id, methodChainID); err != nil {
		return "", err
	}
	return id, nil
}

func (g *Gateway) GetCode(ctx context.Context, address string, block string) (string, error) {
	var code string
	if err := g.callInto(ctx, &code, "eth_getCode", address, block); err != nil {
		return "", err
	}
	return code, nil
}

func (g *Gateway) TransactionCount(ctx context.Context, address string, blockNumber uint64) (uint64, error) {
	var hexCount string
	if err := g.callInto(ctx, &hexCount, "eth_getTransactionCount", address, hexutils.ToHex(blockNumber)); err != nil {
		return 0, err
	}
	return hexutils.Uint64FromHex(hexCount)
}

func (g *Gateway) GetLogs(ctx context.Context, filter models.LogFilter) ([]models.RPCLog, error) {
	var logs []models.RPCLog
	if err := g.callInto(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}

func (g *Gateway) HeaderByNumber(ctx context.Context, blockNumber uint64) (models.RPCBlockHeader, error) {
	var header models.RPCBlockHeader
	if err := g.callInto(ctx, &header, "eth_getBlockByNumber", hexutils.ToHex(blockNumber), false); err != nil {
		return models.RPCBlockHeader{}, err
	}
	if header.Number == "" {
		return models.RPCBlockHeader{}, errors.Errorf("block %d not found", blockNumber)
	}
	return header, nil
}

// NewFilter installs an upstream log filter and returns its id.
func (g *Gateway) NewFilter(ctx context.Context, filter models.LogFilter) (string, error) {
	var id string
	if err := g.callInto(ctx, &id, "eth_newFilter", filter); err != nil {
		return "", err
	}
	return id, nil
}

func (g *Gateway) FilterChanges(ctx context.Context, filterID string) ([]models.RPCLog, error) {
	var logs []models.RPCLog
	if err := g.callInto(ctx, &logs, "eth_getFilterChanges", filterID); err != nil {
		return nil, err
	}
	return logs, nil
}

func (g *Gateway) callInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := g.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Errorf("failed to decode result for method %s: %w", method, err)
	}
	return nil
}
