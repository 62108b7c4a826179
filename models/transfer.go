package models

import (
	"time"
)

// TransferEvent is one indexed ERC-20 Transfer log. A transaction may
// emit several transfers, so the primary key is (tx hash, log index).
// Addresses and hashes are lowercased before they reach the store.
type TransferEvent struct {
	TxHash      string    `gorm:"column:transaction_hash;primaryKey;type:varchar(66)" json:"transactionHash"`
	LogIndex    uint      `gorm:"column:log_index;primaryKey" json:"logIndex"`
	BlockNumber uint64    `gorm:"column:block_number;index:idx_transfer_block_number" json:"blockNumber"`
	Timestamp   int64     `gorm:"column:timestamp" json:"timestamp"`
	From        string    `gorm:"column:from_address;index:idx_transfer_from;type:varchar(42)" json:"from"`
	To          string    `gorm:"column:to_address;index:idx_transfer_to;type:varchar(42)" json:"to"`
	Value       string    `gorm:"column:value;type:varchar(78)" json:"value"`
	IndexedAt   time.Time `gorm:"column:indexed_at;autoCreateTime" json:"indexedAt"`
}

func (TransferEvent) TableName() string {
	return "transfer_events"
}
