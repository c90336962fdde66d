package storage

import (
	"context"
	"time"

	"chanfetch/internal/eventbus"
	logx "chanfetch/pkg/logx"
)

// Recorder persists job.finished events from the bus.
type Recorder struct {
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "recorder")),
		timeout: 5 * time.Second,
	}
}

// Run consumes events until ctx ends. Write failures are logged and skipped.
func (r *Recorder) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeJobFinished {
				continue
			}
			je, ok := ev.Data.(eventbus.JobEvent)
			if !ok {
				continue
			}
			r.record(ctx, je)
		}
	}
}

func (r *Recorder) record(ctx context.Context, je eventbus.JobEvent) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.AppendJob(wctx, RecordFromEvent(je)); err != nil {
		r.log.Warn("job history write failed", logx.String("job_id", je.JobID), logx.Err(err))
		return
	}
	r.log.Debug("job recorded", logx.String("job_id", je.JobID), logx.String("outcome", je.Outcome))
}
