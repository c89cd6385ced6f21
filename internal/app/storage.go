package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	platformdb "github.com/odyssey-erp/cashdesk/internal/platform/db"
	"github.com/odyssey-erp/cashdesk/internal/register"
	registerdb "github.com/odyssey-erp/cashdesk/internal/register/db"
	"github.com/odyssey-erp/cashdesk/internal/register/memory"
)

// Storage is the ledger backend chosen by STORAGE_DRIVER. Pool is nil for the
// in-memory driver.
type Storage struct {
	Repo register.Repository
	Pool *pgxpool.Pool
}

// OpenStorage connects the configured ledger backend and applies the schema
// when PG_AUTO_MIGRATE is set.
func OpenStorage(ctx context.Context, cfg *Config, logger *slog.Logger) (*Storage, error) {
	if cfg.StorageDriver == StorageMemory {
		logger.Warn("using in-memory ledger storage; data is lost on exit")
		return &Storage{Repo: memory.New()}, nil
	}

	pool, err := platformdb.New(ctx, cfg.PGDSN, platformdb.Options{MaxConns: 20, MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	repo := registerdb.New(pool)
	if cfg.PGAutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("ledger schema applied")
	}
	return &Storage{Repo: repo, Pool: pool}, nil
}

// Durable reports whether the backend survives restarts.
func (s *Storage) Durable() bool {
	return s != nil && s.Pool != nil
}

// Ping checks the database connection. The in-memory driver is always up.
func (s *Storage) Ping(ctx context.Context) error {
	if !s.Durable() {
		return nil
	}
	return s.Pool.Ping(ctx)
}

// Close releases the pool.
func (s *Storage) Close() {
	if s.Durable() {
		s.Pool.Close()
	}
}
