package storage

import (
	"context"
	"errors"
	"strings"

	logx "chanfetch/pkg/logx"
)

// Store is the persistence API used by the recorder, bot and admin API.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	// RecentJobs returns up to limit records, newest first. chatID 0 means
	// every chat.
	RecentJobs(ctx context.Context, chatID int64, limit int) ([]JobRecord, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
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
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const maxRecent = 500

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return min(limit, maxRecent)
}
