package eventbus

import "time"

// Event types published by the dispatcher.
const (
	TypeJobQueued        = "job.queued"
	TypeJobStarted       = "job.started"
	TypeJobFinished      = "job.finished"
	TypeSandboxCreated   = "sandbox.created"
	TypeSandboxDestroyed = "sandbox.destroyed"
	TypeWorkerSpawned    = "worker.spawned"
	TypeWorkerExited     = "worker.exited"
)

// Job outcome labels carried by JobEvent.Outcome.
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// JobEvent is the payload of the job.* events.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	ChatID     int64     `json:"chat_id"`
	Link       string    `json:"link"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	FilePath   string    `json:"file_path,omitempty"`
	Size       int64     `json:"size,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Duration is the running time of a finished job, zero if it never started.
func (e JobEvent) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// SandboxEvent is the payload of the sandbox.* and worker.* events.
type SandboxEvent struct {
	ChatID     int64  `json:"chat_id"`
	SessionID  string `json:"session_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
