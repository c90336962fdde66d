package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/media"
	"chanfetch/internal/progress"
	"chanfetch/internal/storage"
	kit "chanfetch/internal/transport"
	"chanfetch/internal/worker"
	logx "chanfetch/pkg/logx"
)

const (
	owner    int64 = 7
	stranger int64 = 8
	chat     int64 = 100
)

type fakeAdapter struct {
	mu      sync.Mutex
	next    int
	texts   map[int]string
	buttons map[int][]kit.Button
	order   []int
	answers []string
	menu    []kit.BotCommand
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{texts: map[int]string{}, buttons: map[int][]kit.Button{}}
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.texts[a.next] = text
	if opt != nil {
		a.buttons[a.next] = opt.Buttons
	}
	a.order = append(a.order, a.next)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.next}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts[ref.MessageID] = text
	a.buttons[ref.MessageID] = nil
	if opt != nil {
		a.buttons[ref.MessageID] = opt.Buttons
	}
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	a.answers = append(a.answers, text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = cmds
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) text(id int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.texts[id]
}

// last returns the newest message text.
func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.order) == 0 {
		return ""
	}
	return a.texts[a.order[len(a.order)-1]]
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

// stubTransport completes "ok" links at once and holds "hold" links until
// the callback reports a cancel.
type stubTransport struct{}

func (stubTransport) Init(context.Context, string) error { return nil }
func (stubTransport) Warm(context.Context) error         { return nil }

func (stubTransport) Resolve(_ context.Context, link string) (media.Ref, error) {
	return media.Ref{Link: link, FileName: "file.bin", Size: 4}, nil
}

func (stubTransport) Transfer(ctx context.Context, ref media.Ref, _ string, cb media.ProgressFunc) (media.Result, error) {
	if !cb(progress.Cumulative(2, 4)) {
		return media.Result{}, media.ErrCancelled
	}
	if ref.Link != "hold" {
		return media.Result{FileName: ref.FileName, Size: 4}, nil
	}
	tk := time.NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return media.Result{}, ctx.Err()
		case <-tk.C:
			if !cb(progress.Cumulative(2, 4)) {
				return media.Result{}, media.ErrCancelled
			}
		}
	}
}

type env struct {
	bot     *Bot
	adapter *fakeAdapter
	disp    *dispatcher.Dispatcher
	store   storage.Store
	updates chan kit.Update
}

func newEnv(t *testing.T, session string) *env {
	t.Helper()
	dir := t.TempDir()
	sp := &dispatcher.InProcessSpawner{Options: func(dispatcher.SpawnSpec) worker.Options {
		return worker.Options{
			Transport:    stubTransport{},
			WorkDir:      dir,
			PollInterval: -1,
			ProgressRate: 1000,
			Log:          logx.Nop(),
		}
	}}
	d := dispatcher.New(dispatcher.Config{MaxActive: 2}, sp, logx.Nop(), nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	store, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	a := newFakeAdapter()
	b := New(Config{Owners: []int64{owner}, DefaultSession: session, StatusEvery: 10 * time.Millisecond}, d, store, a, logx.Nop())
	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = d.Close(cctx)
		_ = store.Close()
	})
	return &env{bot: b, adapter: a, disp: d, store: store, updates: updates}
}

func (e *env) say(from int64, text string) {
	e.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chat, FromID: from, Text: text}}
}

func (e *env) click(from int64, data string) {
	e.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: chat, FromID: from, Data: data}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDownloadStatusMessageEndsWithOutcome(t *testing.T) {
	e := newEnv(t, "main")
	e.say(owner, "/dl ok")

	waitFor(t, "status message", func() bool { return e.adapter.count() >= 1 })
	waitFor(t, "outcome", func() bool { return strings.Contains(e.adapter.text(1), "✅") })
	if got := e.adapter.text(1); !strings.Contains(got, "file.bin") || !strings.Contains(got, "4 B") {
		t.Fatalf("outcome text = %q", got)
	}
}

func TestStrangersAreRejected(t *testing.T) {
	e := newEnv(t, "main")
	e.say(stranger, "/dl ok")
	waitFor(t, "reply", func() bool { return e.adapter.count() == 1 })
	if got := e.adapter.last(); got != "unauthorized" {
		t.Fatalf("reply = %q", got)
	}
	if jobs := e.disp.ActiveJobs(); len(jobs) != 0 {
		t.Fatalf("stranger enqueued %d jobs", len(jobs))
	}
}

func TestDownloadWithoutSessionAsksForOne(t *testing.T) {
	e := newEnv(t, "")
	e.say(owner, "/dl ok")
	waitFor(t, "reply", func() bool { return e.adapter.count() == 1 })
	if got := e.adapter.last(); !strings.Contains(got, "/session") {
		t.Fatalf("reply = %q", got)
	}

	e.say(owner, "/session acct")
	waitFor(t, "session reply", func() bool { return e.adapter.count() == 2 })
	if got := e.bot.sessionFor(chat); got != "acct" {
		t.Fatalf("session = %q", got)
	}
}

func TestCancelButtonCancelsRunningJob(t *testing.T) {
	e := newEnv(t, "main")
	e.say(owner, "/dl hold")

	var jobID string
	waitFor(t, "running job", func() bool {
		for _, j := range e.disp.ActiveJobs() {
			if j.State == dispatcher.JobRunning {
				jobID = j.JobID
				return true
			}
		}
		return false
	})
	waitFor(t, "cancel button", func() bool {
		e.adapter.mu.Lock()
		defer e.adapter.mu.Unlock()
		bs := e.adapter.buttons[1]
		return len(bs) == 1 && bs[0].Data == "job:cancel:"+jobID
	})

	e.click(owner, "job:cancel:"+jobID)
	waitFor(t, "cancelled status", func() bool { return strings.Contains(e.adapter.text(1), "cancelled") })

	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	if len(e.adapter.buttons[1]) != 0 {
		t.Fatalf("final status still has buttons: %+v", e.adapter.buttons[1])
	}
	if len(e.adapter.answers) == 0 || e.adapter.answers[0] != "cancel requested" {
		t.Fatalf("callback answers = %q", e.adapter.answers)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	e := newEnv(t, "main")
	e.say(owner, "/cancel nope")
	waitFor(t, "reply", func() bool { return e.adapter.count() == 1 })
	if got := e.adapter.last(); got != "job not found" {
		t.Fatalf("reply = %q", got)
	}
}

func TestResetDestroysSandboxAndAudits(t *testing.T) {
	e := newEnv(t, "main")
	e.say(owner, "/dl hold")
	waitFor(t, "running job", func() bool { return len(e.disp.ActiveJobs()) == 1 })

	e.say(owner, "/reset")
	waitFor(t, "sandbox gone", func() bool { return len(e.disp.Snapshot().Sandboxes) == 0 })
	waitFor(t, "failed status", func() bool { return strings.Contains(e.adapter.text(1), "sandbox destroyed") })
}

func TestJobsAndStatusReplies(t *testing.T) {
	e := newEnv(t, "main")
	e.say(owner, "/jobs")
	waitFor(t, "jobs reply", func() bool { return e.adapter.count() == 1 })
	if got := e.adapter.last(); got != "no active jobs" {
		t.Fatalf("jobs = %q", got)
	}

	e.say(owner, "/status")
	waitFor(t, "status reply", func() bool { return e.adapter.count() == 2 })
	if got := e.adapter.last(); !strings.Contains(got, "active 0/2") {
		t.Fatalf("status = %q", got)
	}
}

func TestHistoryListsFinishedJobs(t *testing.T) {
	e := newEnv(t, "main")
	err := e.store.AppendJob(context.Background(), storage.JobRecord{
		JobID: "j1", ChatID: chat, Link: "ok", Outcome: "done", FileName: "movie.mkv", Size: 2048,
		EnqueuedAt: time.Now().Add(-time.Minute), FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	e.say(owner, "/history 5")
	waitFor(t, "history reply", func() bool { return e.adapter.count() == 1 })
	if got := e.adapter.last(); !strings.Contains(got, "movie.mkv") || !strings.Contains(got, "2.0 KiB") {
		t.Fatalf("history = %q", got)
	}
}

func TestHelpHidesOwnerCommandsFromStrangers(t *testing.T) {
	e := newEnv(t, "main")
	e.say(stranger, "/help")
	waitFor(t, "help", func() bool { return e.adapter.count() == 1 })
	if got := e.adapter.last(); strings.Contains(got, "/dl") || !strings.Contains(got, "/help") {
		t.Fatalf("stranger help = %q", got)
	}

	e.say(owner, "/start")
	waitFor(t, "owner help", func() bool { return e.adapter.count() == 2 })
	if got := e.adapter.last(); !strings.Contains(got, "/dl &lt;link&gt;") {
		t.Fatalf("owner help = %q", got)
	}

	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	if len(e.adapter.menu) != 8 {
		t.Fatalf("menu has %d commands, want 8", len(e.adapter.menu))
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	got := tokenizeCommandLine(`/dl "a b" c\ d 'e'`)
	want := []string{"/dl", "a b", "c d", "e"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}
