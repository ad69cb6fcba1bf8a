package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE BACKEND - gorm over SQLite or PostgreSQL
// ═══════════════════════════════════════════════════════════════════════════════
//
// Same Journal contract as the JSONL backend. Segmentation is a file-format
// concern, so CloseDay is a no-op here; durability comes from the database
// commit instead of fsync.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DB is a gorm-backed trade journal
type DB struct {
	db  *gorm.DB
	clk clock.Clock
}

// NewDB opens the journal database. backend is "sqlite" or "postgres";
// dsn is a file path or connection URL respectively.
func NewDB(backend, dsn string, clk clock.Clock) (*DB, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch backend {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
	case "sqlite":
		if mkErr := os.MkdirAll(filepath.Dir(dsn), 0o755); mkErr != nil {
			return nil, mkErr
		}
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
	default:
		return nil, fmt.Errorf("unknown journal db backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("journal db open: %w", err)
	}

	if err := db.AutoMigrate(&types.TradeRecord{}); err != nil {
		return nil, fmt.Errorf("journal db migrate: %w", err)
	}

	log.Info().Str("backend", backend).Msg("📒 Trade journal ready (database)")
	return &DB{db: db, clk: clk}, nil
}

// Append commits rec in its own transaction; gorm fills rec.ID.
func (d *DB) Append(rec *types.TradeRecord) error {
	if err := d.db.Create(rec).Error; err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// IterSince returns records with wall_time >= since, oldest first.
func (d *DB) IterSince(since time.Time) ([]types.TradeRecord, error) {
	var recs []types.TradeRecord
	err := d.db.Where("wall_time >= ?", since).Order("id ASC").Find(&recs).Error
	return recs, err
}

// CloseDay is a no-op for the database backend.
func (d *DB) CloseDay(time.Time) error { return nil }

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
