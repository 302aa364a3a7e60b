package db

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"attendance-agent/config"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/model"
)

// SQLiteFile is the database file created under the data dir when no DSN is configured.
const SQLiteFile = "agent.db"

// Init opens the database selected by cfg.Backend and runs migrations.
func Init(cfg config.StorageConfig, log *zap.Logger) (*gorm.DB, error) {
	log = logger.OrNop(log)

	var dialector gorm.Dialector
	switch cfg.Backend {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, SQLiteFile)
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("backend %q has no database", cfg.Backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.Backend == "sqlite" {
		// One writer at a time; the queue and sent sets are read-modify-write.
		sqlDB.SetMaxOpenConns(1)
	}

	log.Sugar().Infow("running database migrations", "backend", cfg.Backend)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the queue, sent-record and sent-window tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.QueuedAttendance{}, &model.SentRecord{}, &model.SentWindow{}); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}
