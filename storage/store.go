package storage

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/indexly/erc20-ingester/models"
)

// Store is the persistence facade for indexed events and sync cursors.
// It owns all writes; producers hand it values and never mutate rows.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

func Open(log *slog.Logger, path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&models.TransferEvent{}, &models.SyncCursor{}); err != nil {
		return nil, errors.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With("module", "storage"),
	}, nil
}

// SaveEvents persists a batch in one transaction. Re-saving a row with
// the same (transaction_hash, log_index) leaves the stored row
// untouched. Returns how many rows were inserted vs. ignored.
func (s *Store) SaveEvents(ctx context.Context, events []models.TransferEvent) (inserted int, ignored int, err error) {
	if len(events) == 0 {
		return 0, 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&events)
	if res.Error != nil {
		return 0, 0, errors.Errorf("failed to save events: %w", res.Error)
	}
	inserted = int(res.RowsAffected)
	return inserted, len(events) - inserted, nil
}

// GetCursor returns the cursor's last synced block, with ok=false when
// the cursor does not exist yet.
func (s *Store) GetCursor(ctx context.Context, id string) (uint64, bool, error) {
	var cursor models.SyncCursor
	err := s.db.WithContext(ctx).First(&cursor, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Errorf("failed to read cursor %s: %w", id, err)
	}
	return cursor.LastSyncedBlock, true, nil
}

// CreateCursor creates the row if absent. A lost create race is not an
// error; the existing row wins.
func (s *Store) CreateCursor(ctx context.Context, id string, blockNumber uint64) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SyncCursor{
			ID:              id,
			LastSyncedBlock: blockNumber,
			LastSyncedAt:    time.Now(),
		})
	if res.Error != nil {
		return errors.Errorf("failed to create cursor %s: %w", id, res.Error)
	}
	return nil
}

// AdvanceCursor moves the cursor forward iff blockNumber strictly
// exceeds the stored value. Lower or equal values are no-ops, so
// out-of-order writers are harmless. The guard is a store-side
// condition, not a read-then-write.
func (s *Store) AdvanceCursor(ctx context.Context, id string, blockNumber uint64) error {
	update := func() (int64, error) {
		res := s.db.WithContext(ctx).
			Model(&models.SyncCursor{}).
			Where("id = ? AND last_synced_block < ?", id, blockNumber).
			Updates(map[string]interface{}{
				"last_synced_block": blockNumber,
				"last_synced_at":    time.Now(),
			})
		return res.RowsAffected, res.Error
	}

	affected, err := update()
	if err != nil {
		return errors.Errorf("failed to advance cursor %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}

	// Row may not exist yet. Create it; if a concurrent create won,
	// re-apply the conditional update against the winner.
	if err := s.CreateCursor(ctx, id, blockNumber); err != nil {
		return err
	}
	if _, err := update(); err != nil {
		return errors.Errorf("failed to advance cursor %s: %w", id, err)
	}
	return nil
}

// EventFilter narrows GetEvents. Address filters are lowercased before
// matching; nil block bounds mean unbounded; page is 1-based.
type EventFilter struct {
	From       string
	To         string
	StartBlock *uint64
	EndBlock   *uint64
	Page       int
	PageSize   int
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// GetEvents returns one page of matching events ordered by
// block_number DESC, log_index ASC, plus the total match count.
func (s *Store) GetEvents(ctx context.Context, filter EventFilter) ([]models.TransferEvent, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.TransferEvent{})
	if filter.From != "" {
		q = q.Where("from_address = ?", strings.ToLower(filter.From))
	}
	if filter.To != "" {
		q = q.Where("to_address = ?", strings.ToLower(filter.To))
	}
	if filter.StartBlock != nil {
		q = q.Where("block_number >= ?", *filter.StartBlock)
	}
	if filter.EndBlock != nil {
		q = q.Where("block_number <= ?", *filter.EndBlock)
	}

	var totalCount int64
	if err := q.Count(&totalCount).Error; err != nil {
		return nil, 0, errors.Errorf("failed to count events: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var events []models.TransferEvent
	err := q.Order("block_number DESC, log_index ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&events).Error
	if err != nil {
		return nil, 0, errors.Errorf("failed to query events: %w", err)
	}
	return events, totalCount, nil
}

// Stats aggregates over the whole corpus. The value sum is carried as a
// big integer; widening to a machine float would corrupt it.
type Stats struct {
	TotalEvents           int64  `json:"totalEvents"`
	TotalValueTransferred string `json:"totalValueTransferred"`
}

func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var totalCount int64
	if err := s.db.WithContext(ctx).Model(&models.TransferEvent{}).Count(&totalCount).Error; err != nil {
		return Stats{}, errors.Errorf("failed to count events: %w", err)
	}

	rows, err := s.db.WithContext(ctx).
		Model(&models.TransferEvent{}).
		Select("value").
		Rows()
	if err != nil {
		return Stats{}, errors.Errorf("failed to scan values: %w", err)
	}
	defer rows.Close()

	sum := new(big.Int)
	value := new(big.Int)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Stats{}, errors.Errorf("failed to scan value: %w", err)
		}
		if _, ok := value.SetString(raw, 10); !ok {
			s.log.Warn("Skipping malformed value in stats", "value", raw)
			continue
		}
		sum.Add(sum, value)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, errors.Errorf("failed to iterate values: %w", err)
	}

	return Stats{
		TotalEvents:           totalCount,
		TotalValueTransferred: sum.Text(10),
	}, nil
}
