package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attendance-agent/config"
	"attendance-agent/internal/model"
)

// QueueStore persists the offline queue in enqueue order.
type QueueStore interface {
	Append(ctx context.Context, entry model.QueueEntry) error
	List(ctx context.Context) ([]model.QueueEntry, error)
	Remove(ctx context.Context, ids []string) error
}

// SentStore persists the per-day sets of delivered attendance keys.
type SentStore interface {
	Load(ctx context.Context, day string) ([]model.SentKey, error)
	// Save replaces the stored set of day with keys.
	Save(ctx context.Context, day string, keys []model.SentKey) error
	// Window returns the dedup window the set of day was started for, "" when none was recorded.
	Window(ctx context.Context, day string) (string, error)
	SetWindow(ctx context.Context, day, window string) error
}

// New returns the stores for the configured backend. gdb is only used by the
// sqlite and postgres backends.
func New(cfg config.StorageConfig, gdb *gorm.DB, log *zap.Logger) (QueueStore, SentStore, error) {
	switch cfg.Backend {
	case BackendFile:
		return NewFileQueueStore(cfg.DataDir, log), NewFileSentStore(cfg.DataDir), nil
	case BackendSQLite, BackendPostgres:
		if gdb == nil {
			return nil, nil, fmt.Errorf("backend %q requires a database connection", cfg.Backend)
		}
		return NewGormQueueStore(gdb), NewGormSentStore(gdb), nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// gormQueueStore implements QueueStore using GORM.
type gormQueueStore struct {
	db *gorm.DB
}

// NewGormQueueStore creates a new GORM-backed queue store.
func NewGormQueueStore(db *gorm.DB) QueueStore {
	return &gormQueueStore{db: db}
}

func (s *gormQueueStore) Append(ctx context.Context, entry model.QueueEntry) error {
	row := model.NewQueuedAttendance(entry)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to persist queue entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *gormQueueStore) List(ctx context.Context) ([]model.QueueEntry, error) {
	var rows []model.QueuedAttendance
	if err := s.db.WithContext(ctx).Order("enqueued_at, queue_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	entries := make([]model.QueueEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.ToEntry())
	}
	return entries, nil
}

func (s *gormQueueStore) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("queue_id IN ?", ids).Delete(&model.QueuedAttendance{}).Error; err != nil {
		return fmt.Errorf("failed to remove %d queue entries: %w", len(ids), err)
	}
	return nil
}

// gormSentStore implements SentStore using GORM.
type gormSentStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormSentStore creates a new GORM-backed sent-record store.
func NewGormSentStore(db *gorm.DB) SentStore {
	return &gormSentStore{db: db, now: time.Now}
}

func (s *gormSentStore) Load(ctx context.Context, day string) ([]model.SentKey, error) {
	var rows []model.SentRecord
	if err := s.db.WithContext(ctx).Where("day = ?", day).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load sent records for %s: %w", day, err)
	}
	keys := make([]model.SentKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, model.SentKey{Label: r.Label, CourseID: r.CourseID, ScheduleID: r.ScheduleID})
	}
	return keys, nil
}

func (s *gormSentStore) Save(ctx context.Context, day string, keys []model.SentKey) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("day = ?", day).Delete(&model.SentRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear sent records for %s: %w", day, err)
		}
		if len(keys) == 0 {
			return nil
		}
		rows := make([]model.SentRecord, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, model.SentRecord{
				Day:        day,
				Label:      k.Label,
				CourseID:   k.CourseID,
				ScheduleID: k.ScheduleID,
				CreatedAt:  now,
			})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to save sent records for %s: %w", day, err)
		}
		return nil
	})
}

func (s *gormSentStore) Window(ctx context.Context, day string) (string, error) {
	var row model.SentWindow
	err := s.db.WithContext(ctx).Where("day = ?", day).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load sent window for %s: %w", day, err)
	}
	return row.WindowKey, nil
}

func (s *gormSentStore) SetWindow(ctx context.Context, day, window string) error {
	row := model.SentWindow{Day: day, WindowKey: window, UpdatedAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"window_key", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save sent window for %s: %w", day, err)
	}
	return nil
}
