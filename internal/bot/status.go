package bot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/progress"
	kit "chanfetch/internal/transport"
	logx "chanfetch/pkg/logx"
)

// statusView keeps one chat message in sync with a job. Progress arrives on
// the dispatcher's reader goroutine and is coalesced into a single slot;
// edits are paced by a limiter so chat rate limits are never hit.
type statusView struct {
	adapter kit.Adapter
	ref     kit.MessageRef
	link    string
	log     logx.Logger
	lim     *rate.Limiter

	mu    sync.Mutex
	jobID string

	latest chan progress.Update
}

func newStatusView(adapter kit.Adapter, ref kit.MessageRef, link string, every time.Duration, log logx.Logger) *statusView {
	return &statusView{
		adapter: adapter,
		ref:     ref,
		link:    link,
		log:     log,
		lim:     rate.NewLimiter(rate.Every(every), 1),
		latest:  make(chan progress.Update, 1),
	}
}

func (v *statusView) setJob(id string) {
	v.mu.Lock()
	v.jobID = id
	v.mu.Unlock()
}

func (v *statusView) job() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.jobID
}

// push never blocks; an unread update is replaced by the newer one.
func (v *statusView) push(_ string, u progress.Update) {
	for {
		select {
		case v.latest <- u:
			return
		default:
		}
		select {
		case <-v.latest:
		default:
		}
	}
}

func (v *statusView) cancelButton() []kit.Button {
	return []kit.Button{{Text: "Cancel", Data: "job:cancel:" + v.job()}}
}

func (v *statusView) edit(ctx context.Context, text string, buttons []kit.Button) {
	err := v.adapter.EditText(ctx, v.ref, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Buttons: buttons})
	if err != nil && ctx.Err() == nil {
		v.log.Debug("status edit failed", logx.Err(err))
	}
}

// run follows job until it resolves, then writes the outcome.
func (v *statusView) run(ctx context.Context, job *dispatcher.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-job.Done():
			v.finish(ctx, job)
			return
		case u := <-v.latest:
			if err := v.lim.Wait(ctx); err != nil {
				return
			}
			select {
			case u = <-v.latest:
			default:
			}
			if _, _, done := job.Outcome(); done {
				v.finish(ctx, job)
				return
			}
			v.edit(ctx, renderProgress(v.link, job.ID, u), v.cancelButton())
		}
	}
}

func (v *statusView) finish(ctx context.Context, job *dispatcher.Job) {
	res, err, _ := job.Outcome()
	v.edit(ctx, renderOutcome(v.link, res, err, time.Since(job.EnqueuedAt)), nil)
}
