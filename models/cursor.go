package models

import (
	"time"
)

// Cursor ids used by the ingestion pipeline. The two cursors are
// independent; neither reads the other.
const (
	BatchSyncCursor    = "batch-sync"
	RealtimeSyncCursor = "realtime-sync"
)

// SyncCursor is a named, resumable progress pointer. LastSyncedBlock is
// nondecreasing for a given id: updates that would lower it are no-ops.
type SyncCursor struct {
	ID              string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	LastSyncedBlock uint64    `gorm:"column:last_synced_block" json:"lastSyncedBlock"`
	LastSyncedAt    time.Time `gorm:"column:last_synced_at" json:"lastSyncedAt"`
}

func (SyncCursor) TableName() string {
	return "sync_cursors"
}
