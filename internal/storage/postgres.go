package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "chanfetch/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) AppendJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs(job_id, chat_id, link, outcome, err, file_name, file_path, size, enqueued_at, started_at, finished_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (job_id) DO NOTHING`,
		r.JobID, r.ChatID, r.Link, r.Outcome, nullStr(r.Error), nullStr(r.FileName), nullStr(r.FilePath), r.Size,
		r.EnqueuedAt, nullTime(r.StartedAt), r.FinishedAt,
	)
	return err
}

func (s *postgresStore) RecentJobs(ctx context.Context, chatID int64, limit int) ([]JobRecord, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	q := `SELECT job_id, chat_id, link, outcome, coalesce(err, ''), coalesce(file_name, ''), coalesce(file_path, ''),
	             size, enqueued_at, started_at, finished_at FROM jobs`
	args := []any{}
	if chatID != 0 {
		q += ` WHERE chat_id = $1`
		args = append(args, chatID)
	}
	q += fmt.Sprintf(` ORDER BY finished_at DESC, job_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (JobRecord, error) {
		var (
			r       JobRecord
			started *time.Time
		)
		err := row.Scan(&r.JobID, &r.ChatID, &r.Link, &r.Outcome, &r.Error, &r.FileName, &r.FilePath,
			&r.Size, &r.EnqueuedAt, &started, &r.FinishedAt)
		if started != nil {
			r.StartedAt = *started
		}
		return r, err
	})
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, err, took_ms)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.At, e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.Action, nullStr(e.Target), nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
