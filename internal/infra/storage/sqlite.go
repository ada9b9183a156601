package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"huobi_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists candles in SQLite
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at path. An empty path uses the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.Candle{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "HuobiGo", "data", "huobi.db"), nil
}

// Close releases the underlying connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Candle Operations
// ======================================================================================

// UpsertCandle inserts a candle or overwrites the one with the same symbol, period and open time.
// Live klines are re-pushed many times per period; the last write wins.
func (s *Storage) UpsertCandle(c *domain.Candle) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(c).Error
}

// UpsertCandles writes a batch in one transaction
func (s *Storage) UpsertCandles(candles []*domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, c := range candles {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(c).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCandles returns the newest limit candles, oldest first. limit <= 0 returns all of them.
func (s *Storage) GetCandles(symbol, period string, limit int) ([]domain.Candle, error) {
	var candles []domain.Candle
	q := s.db.Where("symbol = ? AND period = ?", symbol, period).Order("open_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&candles).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// DeleteCandles deletes every stored candle of a symbol
func (s *Storage) DeleteCandles(symbol string) error {
	return s.db.Where("symbol = ?", symbol).Delete(&domain.Candle{}).Error
}
