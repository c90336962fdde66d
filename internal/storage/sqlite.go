package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "chanfetch/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, chat_id, link, outcome, err, file_name, file_path, size, enqueued_at, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO NOTHING`,
		r.JobID, r.ChatID, r.Link, r.Outcome, nullStr(r.Error), nullStr(r.FileName), nullStr(r.FilePath), r.Size,
		r.EnqueuedAt.UnixMilli(), nullMillis(r.StartedAt), r.FinishedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, chatID int64, limit int) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT job_id, chat_id, link, outcome, err, file_name, file_path, size, enqueued_at, started_at, finished_at FROM jobs`
	args := []any{}
	if chatID != 0 {
		q += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	q += ` ORDER BY finished_at DESC, job_id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r                  JobRecord
			errStr, name, path sql.NullString
			enqueued, finished int64
			started            sql.NullInt64
		)
		if err := rows.Scan(&r.JobID, &r.ChatID, &r.Link, &r.Outcome, &errStr, &name, &path, &r.Size, &enqueued, &started, &finished); err != nil {
			return nil, err
		}
		r.Error, r.FileName, r.FilePath = errStr.String, name.String, path.String
		r.EnqueuedAt = time.UnixMilli(enqueued)
		r.FinishedAt = time.UnixMilli(finished)
		if started.Valid {
			r.StartedAt = time.UnixMilli(started.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
