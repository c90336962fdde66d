package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "chanfetch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.jsonl  (append-only JSON Lines)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
//
// RecentJobs scans the jobs file from the start; history is expected to be
// pruned by the operator if it grows large.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	jobsPath  string
	jobsFile  *os.File
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jobsPath := prefix + ".jobs.jsonl"
	jf, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	log.Info("file store opened", logx.String("jobs", jobsPath))
	return &fileStore{log: log, jobsPath: jobsPath, jobsFile: jf, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.jobsFile != nil {
		errs = append(errs, s.jobsFile.Close())
		s.jobsFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendJob(_ context.Context, r JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return errors.New("jobs file closed")
	}
	return json.NewEncoder(s.jobsFile).Encode(r)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentJobs(ctx context.Context, chatID int64, limit int) ([]JobRecord, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return nil, errors.New("jobs file closed")
	}
	f, err := os.Open(s.jobsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Keep the newest `limit` matches in a ring.
	ring := make([]JobRecord, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Debug("skipping bad history line", logx.Err(err))
			continue
		}
		if chatID != 0 && r.ChatID != chatID {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, r)
			continue
		}
		ring[next] = r
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]JobRecord, 0, len(ring))
	out = append(out, ring[next:]...)
	out = append(out, ring[:next]...)
	slices.Reverse(out)
	return out, nil
}
