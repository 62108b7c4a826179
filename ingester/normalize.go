package ingester

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-errors/errors"

	"github.com/indexly/erc20-ingester/lib/hexutils"
	"github.com/indexly/erc20-ingester/models"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the
// topic0 of every ERC-20 Transfer log.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferTopic returns the Transfer event signature hash as a
// lowercase hex string, suitable for log filters.
func TransferTopic() string {
	return transferTopic.Hex()
}

// normalizeLog turns a raw log entry into a TransferEvent. Addresses
// and the transaction hash come out lowercased, the amount as a decimal
// string.
func normalizeLog(log models.RPCLog, timestamp int64) (models.TransferEvent, error) {
	if len(log.Topics) != 3 {
		return models.TransferEvent{}, errors.Errorf("expected 3 topics on Transfer log, got %d", len(log.Topics))
	}
	if common.HexToHash(log.Topics[0]) != transferTopic {
		return models.TransferEvent{}, errors.Errorf("unexpected topic0 %s", log.Topics[0])
	}

	blockNumber, err := hexutils.Uint64FromHex(log.BlockNumber)
	if err != nil {
		return models.TransferEvent{}, err
	}
	logIndex, err := hexutils.Uint64FromHex(log.LogIndex)
	if err != nil {
		return models.TransferEvent{}, err
	}
	value, err := hexutils.BigIntFromHex(log.Data)
	if err != nil {
		return models.TransferEvent{}, err
	}
	if value == "" {
		value = "0"
	}

	return models.TransferEvent{
		TxHash:      strings.ToLower(log.TransactionHash),
		LogIndex:    uint(logIndex),
		BlockNumber: blockNumber,
		Timestamp:   timestamp,
		From:        topicAddress(log.Topics[1]),
		To:          topicAddress(log.Topics[2]),
		Value:       value,
	}, nil
}

// topicAddress extracts the 20-byte address packed into a 32-byte
// indexed topic.
func topicAddress(topic string) string {
	addr := common.BytesToAddress(common.HexToHash(topic).Bytes())
	return strings.ToLower(addr.Hex())
}
