// Package bot exposes the dispatcher to chat owners: /dl enqueues downloads
// and keeps a live status message, the other commands inspect and control
// jobs and sandboxes.
package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/media"
	rtsup "chanfetch/internal/runtime/supervisor"
	"chanfetch/internal/storage"
	kit "chanfetch/internal/transport"
	logx "chanfetch/pkg/logx"
)

// Dispatcher is the slice of the dispatcher the bot drives.
type Dispatcher interface {
	EnqueueDownload(ctx context.Context, chatID int64, sessionID, link string, onProgress dispatcher.ProgressFunc) (*dispatcher.Job, error)
	CancelJob(jobID string) error
	DestroySandbox(chatID int64)
	ActiveJobs() []dispatcher.JobInfo
	Snapshot() dispatcher.Snapshot
}

type Config struct {
	Owners         []int64
	DefaultSession string
	// StatusEvery is the minimum gap between edits of one status message.
	StatusEvery time.Duration
	// MaxLinks caps links accepted by one /dl.
	MaxLinks int
}

func (c *Config) normalize() {
	if c.StatusEvery <= 0 {
		c.StatusEvery = 3 * time.Second
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = 10
	}
}

type Bot struct {
	disp    Dispatcher
	store   storage.Store // nil when history is disabled
	adapter kit.Adapter
	log     logx.Logger
	router  *Router

	mu       sync.Mutex
	cfg      Config
	sessions map[int64]string
	watchers *rtsup.Supervisor
}

func New(cfg Config, disp Dispatcher, store storage.Store, adapter kit.Adapter, log logx.Logger) *Bot {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "bot"))
	b := &Bot{
		disp:     disp,
		store:    store,
		adapter:  adapter,
		log:      log,
		cfg:      cfg,
		sessions: map[int64]string{},
	}
	b.router = NewRouter(log, adapter, cfg.Owners)
	b.router.Register(b.commands(), b.callbacks())
	return b
}

func (b *Bot) Router() *Router { return b.router }

// Apply hot-reloads owners and pacing.
func (b *Bot) Apply(cfg Config) {
	cfg.normalize()
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	b.router.SetOwners(cfg.Owners)
}

func (b *Bot) config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Bot) sessionFor(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[chatID]; ok {
		return s
	}
	return b.cfg.DefaultSession
}

// Run routes updates until ctx ends. Status watchers are stopped on return.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(b.log),
		rtsup.WithCancelOnError(false),
	)
	b.mu.Lock()
	b.watchers = sup
	b.mu.Unlock()

	if err := b.router.UpdateMenu(ctx); err != nil {
		b.log.Warn("menu update failed", logx.Err(err))
	}
	err := b.router.Run(ctx, updates)

	wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = sup.Stop(wctx)
	return err
}

func (b *Bot) watch(name string, fn func(ctx context.Context)) {
	b.mu.Lock()
	sup := b.watchers
	b.mu.Unlock()
	if sup == nil {
		go fn(context.Background())
		return
	}
	sup.Go0(name, fn)
}

func (b *Bot) audit(ctx context.Context, req *Request, action, target string, start time.Time, err error) {
	if b.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
		TookMS:        time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := b.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		req.Logger.Warn("audit write failed", logx.Err(aerr))
	}
}

func (b *Bot) commands() []Command {
	return []Command{
		{Name: "dl", Aliases: []string{"download"}, Usage: "/dl <link> [link...]", Description: "download into this chat's sandbox", Access: AccessOwnerOnly, Timeout: 30 * time.Second, Handle: b.cmdDownload},
		{Name: "jobs", Usage: "/jobs [all]", Description: "list running and queued jobs", Access: AccessOwnerOnly, Handle: b.cmdJobs},
		{Name: "cancel", Usage: "/cancel <job>", Description: "cancel a job", Access: AccessOwnerOnly, Handle: b.cmdCancel},
		{Name: "reset", Usage: "/reset", Description: "destroy this chat's sandbox", Access: AccessOwnerOnly, Handle: b.cmdReset},
		{Name: "status", Usage: "/status", Description: "dispatcher state", Access: AccessOwnerOnly, Handle: b.cmdStatus},
		{Name: "history", Usage: "/history [n]", Description: "recent finished jobs", Access: AccessOwnerOnly, Timeout: 10 * time.Second, Handle: b.cmdHistory},
		{Name: "session", Usage: "/session [id]", Description: "show or set this chat's session", Access: AccessOwnerOnly, Handle: b.cmdSession},
	}
}

func (b *Bot) callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Scope: "job", Action: "cancel", Access: AccessOwnerOnly, Handle: b.cbCancel},
	}
}

func (b *Bot) cmdDownload(ctx context.Context, req *Request) error {
	links := slices.DeleteFunc(slices.Clone(req.Args), func(s string) bool { return strings.TrimSpace(s) == "" })
	if len(links) == 0 {
		_, err := req.Reply(ctx, "usage: /dl &lt;link&gt; [link...]")
		return err
	}
	cfg := b.config()
	if len(links) > cfg.MaxLinks {
		_, err := req.Reply(ctx, fmt.Sprintf("at most %d links per command", cfg.MaxLinks))
		return err
	}
	session := b.sessionFor(req.Chat.ChatID)
	if session == "" {
		_, err := req.Reply(ctx, "no session for this chat, set one with /session &lt;id&gt;")
		return err
	}

	var errs []error
	for _, link := range links {
		errs = append(errs, b.startDownload(ctx, req, session, link, cfg.StatusEvery))
	}
	return errors.Join(errs...)
}

func (b *Bot) startDownload(ctx context.Context, req *Request, session, link string, every time.Duration) error {
	ref, err := req.Adapter.SendText(ctx, req.Chat, "⏳ queued "+code(link), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		return err
	}
	view := newStatusView(req.Adapter, ref, link, every, req.Logger)

	start := time.Now()
	job, err := b.disp.EnqueueDownload(ctx, req.Chat.ChatID, session, link, view.push)
	b.audit(ctx, req, "bot.download", link, start, err)
	if err != nil {
		view.edit(ctx, renderOutcome(link, media.Result{}, err, 0), nil)
		return fmt.Errorf("enqueue %s: %w", link, err)
	}
	view.setJob(job.ID)
	view.edit(ctx, renderQueued(link, job.ID), view.cancelButton())
	b.watch("status."+job.ID, func(c context.Context) { view.run(c, job) })
	return nil
}

func (b *Bot) cmdJobs(ctx context.Context, req *Request) error {
	jobs := b.disp.ActiveJobs()
	if len(req.Args) == 0 || req.Args[0] != "all" {
		jobs = slices.DeleteFunc(jobs, func(j dispatcher.JobInfo) bool { return j.ChatID != req.Chat.ChatID })
	}
	_, err := req.Reply(ctx, renderJobs(jobs))
	return err
}

func (b *Bot) cmdCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		_, err := req.Reply(ctx, "usage: /cancel &lt;job&gt;")
		return err
	}
	msg := b.cancel(ctx, req, req.Args[0])
	_, err := req.Reply(ctx, msg)
	return err
}

func (b *Bot) cbCancel(ctx context.Context, req *Request) error {
	msg := b.cancel(ctx, req, req.Payload)
	return req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, msg)
}

func (b *Bot) cancel(ctx context.Context, req *Request, jobID string) string {
	start := time.Now()
	err := b.disp.CancelJob(jobID)
	b.audit(ctx, req, "bot.cancel", jobID, start, err)
	switch {
	case errors.Is(err, dispatcher.ErrJobNotFound):
		return "job not found"
	case err != nil:
		req.Logger.Warn("cancel failed", logx.String("job_id", jobID), logx.Err(err))
		return "cancel failed: " + err.Error()
	}
	return "cancel requested"
}

func (b *Bot) cmdReset(ctx context.Context, req *Request) error {
	start := time.Now()
	b.disp.DestroySandbox(req.Chat.ChatID)
	b.audit(ctx, req, "bot.reset", strconv.FormatInt(req.Chat.ChatID, 10), start, nil)
	_, err := req.Reply(ctx, "sandbox destroyed, pending jobs were rejected")
	return err
}

func (b *Bot) cmdStatus(ctx context.Context, req *Request) error {
	_, err := req.Reply(ctx, renderStatus(b.disp.Snapshot()))
	return err
}

func (b *Bot) cmdHistory(ctx context.Context, req *Request) error {
	if b.store == nil {
		_, err := req.Reply(ctx, "history is disabled (storage.driver is none)")
		return err
	}
	limit := 10
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			_, err := req.Reply(ctx, "usage: /history [n]")
			return err
		}
		limit = min(n, 50)
	}
	recs, err := b.store.RecentJobs(ctx, req.Chat.ChatID, limit)
	if err != nil {
		_, _ = req.Reply(ctx, "history unavailable")
		return err
	}
	_, err = req.Reply(ctx, renderHistory(recs))
	return err
}

func (b *Bot) cmdSession(ctx context.Context, req *Request) error {
	chatID := req.Chat.ChatID
	if len(req.Args) == 0 {
		s := b.sessionFor(chatID)
		if s == "" {
			s = "(none)"
		}
		_, err := req.Reply(ctx, "session: "+code(s))
		return err
	}
	id := strings.TrimSpace(req.Args[0])
	b.mu.Lock()
	b.sessions[chatID] = id
	b.mu.Unlock()
	b.audit(ctx, req, "bot.session", id, time.Now(), nil)
	_, err := req.Reply(ctx, "session set to "+code(id))
	return err
}
