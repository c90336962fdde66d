package storage

import (
	"errors"
	"time"

	"chanfetch/internal/eventbus"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files derived from Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is one terminal job outcome.
type JobRecord struct {
	JobID      string    `json:"job_id"`
	ChatID     int64     `json:"chat_id"`
	Link       string    `json:"link"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	FilePath   string    `json:"file_path,omitempty"`
	Size       int64     `json:"size,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the time spent running, or zero if the job never started.
func (r JobRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func RecordFromEvent(ev eventbus.JobEvent) JobRecord {
	return JobRecord{
		JobID:      ev.JobID,
		ChatID:     ev.ChatID,
		Link:       ev.Link,
		Outcome:    ev.Outcome,
		Error:      ev.Error,
		FileName:   ev.FileName,
		FilePath:   ev.FilePath,
		Size:       ev.Size,
		EnqueuedAt: ev.EnqueuedAt,
		StartedAt:  ev.StartedAt,
		FinishedAt: ev.FinishedAt,
	}
}

// AuditEntry records an operator action (bot command or admin API call).
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
}
