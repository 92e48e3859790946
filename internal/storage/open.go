package storage

import (
	"context"
	"errors"
	"strings"

	"digestbot/pkg/logx"
)

// Store is the drop journal API used by the journal writer and the admin server.
type Store interface {
	AppendDrop(ctx context.Context, r DropRecord) error
	// RecentDrops returns up to limit records, newest first.
	RecentDrops(ctx context.Context, limit int) ([]DropRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const maxRecent = 1000

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return min(limit, maxRecent)
}
