package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"chanfetch/internal/media"
	"chanfetch/internal/progress"
)

// ProgressFunc receives progress for one job. It runs on the worker's
// reader goroutine; it must not block for long.
type ProgressFunc func(jobID string, u progress.Update)

// JobState is the coarse lifecycle stage reported by ActiveJobs.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// Job is one download request. Its outcome is resolved exactly once.
type Job struct {
	ID         string
	ChatID     int64
	Link       string
	EnqueuedAt time.Time

	onProgress ProgressFunc

	once   sync.Once
	done   chan struct{}
	result media.Result
	err    error

	// guarded by Dispatcher.mu
	startedAt       time.Time
	progress        progress.Update
	cancelRequested bool
}

func newJob(chatID int64, link string, onProgress ProgressFunc, now time.Time) *Job {
	return &Job{
		ID:         ksuid.New().String(),
		ChatID:     chatID,
		Link:       link,
		EnqueuedAt: now,
		onProgress: onProgress,
		done:       make(chan struct{}),
	}
}

// resolve records the outcome; only the first call has any effect.
func (j *Job) resolve(res media.Result, err error) bool {
	won := false
	j.once.Do(func() {
		j.result, j.err = res, err
		close(j.done)
		won = true
	})
	return won
}

// Done is closed once the job has an outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx ends. Giving up on ctx does not
// cancel the job; use Dispatcher.CancelJob for that.
func (j *Job) Wait(ctx context.Context) (media.Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return media.Result{}, ctx.Err()
	}
}

// Outcome returns the result without blocking; ok is false while pending.
func (j *Job) Outcome() (res media.Result, err error, ok bool) {
	select {
	case <-j.done:
		return j.result, j.err, true
	default:
		return media.Result{}, nil, false
	}
}

// JobInfo is the introspection view of a queued or running job.
type JobInfo struct {
	JobID           string    `json:"job_id"`
	ChatID          int64     `json:"chat_id"`
	Link            string    `json:"link"`
	State           JobState  `json:"state"`
	CancelRequested bool      `json:"cancel_requested"`
	Received        int64     `json:"received"`
	Total           int64     `json:"total"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
}

func (j *Job) infoLocked(state JobState) JobInfo {
	return JobInfo{
		JobID:           j.ID,
		ChatID:          j.ChatID,
		Link:            j.Link,
		State:           state,
		CancelRequested: j.cancelRequested,
		Received:        j.progress.Received,
		Total:           j.progress.Total,
		EnqueuedAt:      j.EnqueuedAt,
		StartedAt:       j.startedAt,
	}
}
