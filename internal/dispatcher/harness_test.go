package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chanfetch/internal/media"
	"chanfetch/internal/progress"
	"chanfetch/internal/worker"
	logx "chanfetch/pkg/logx"
)

// lab is shared by every fake transport of one test. Links prefixed with
// "block:" run until released; "fail:" fails permanently; anything else
// completes immediately.
type lab struct {
	mu         sync.Mutex
	started    []string
	running    int
	maxRunning int
	gates      map[string]chan struct{}
}

func newLab() *lab { return &lab{gates: map[string]chan struct{}{}} }

func (l *lab) gate(link string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[link]
	if !ok {
		g = make(chan struct{})
		l.gates[link] = g
	}
	return g
}

func (l *lab) release(link string) { close(l.gate(link)) }

func (l *lab) begin(link string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, link)
	l.running++
	l.maxRunning = max(l.maxRunning, l.running)
}

func (l *lab) end() {
	l.mu.Lock()
	l.running--
	l.mu.Unlock()
}

func (l *lab) startedLinks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...)
}

func (l *lab) peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxRunning
}

func (l *lab) hasStarted(link string) bool {
	for _, s := range l.startedLinks() {
		if s == link {
			return true
		}
	}
	return false
}

type labTransport struct{ lab *lab }

func (t *labTransport) Init(context.Context, string) error { return nil }
func (t *labTransport) Warm(context.Context) error         { return nil }

func (t *labTransport) Resolve(_ context.Context, link string) (media.Ref, error) {
	return media.Ref{Link: link, FileName: strings.ReplaceAll(link, ":", "_")}, nil
}

func (t *labTransport) Transfer(ctx context.Context, ref media.Ref, _ string, cb media.ProgressFunc) (media.Result, error) {
	t.lab.begin(ref.Link)
	defer t.lab.end()

	if !cb(progress.Cumulative(1, 2)) {
		return media.Result{}, media.ErrCancelled
	}
	switch {
	case strings.HasPrefix(ref.Link, "fail:"):
		return media.Result{}, errors.New("boom")
	case strings.HasPrefix(ref.Link, "block:"):
		gate := t.lab.gate(ref.Link)
		tk := time.NewTicker(5 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-gate:
				return media.Result{FileName: ref.FileName, Size: 2}, nil
			case <-ctx.Done():
				return media.Result{}, ctx.Err()
			case <-tk.C:
				if !cb(progress.Cumulative(1, 2)) {
					return media.Result{}, media.ErrCancelled
				}
			}
		}
	}
	return media.Result{FileName: ref.FileName, Size: 2}, nil
}

// labOptions configures workers that never heartbeat, so only job traffic
// keeps them alive in watchdog tests.
func labOptions(l *lab, dir string) func(SpawnSpec) worker.Options {
	return func(SpawnSpec) worker.Options {
		return worker.Options{
			Transport:         &labTransport{lab: l},
			WorkDir:           dir,
			PollInterval:      -1,
			HeartbeatInterval: time.Hour,
			ProgressRate:      1000,
			Log:               logx.Nop(),
		}
	}
}

func mediaResult(name string) media.Result { return media.Result{FileName: name} }

type fixture struct {
	d       *Dispatcher
	spawner *InProcessSpawner
	lab     *lab
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l := newLab()
	sp := &InProcessSpawner{Options: labOptions(l, t.TempDir())}
	d := New(cfg, sp, logx.Nop(), nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return &fixture{d: d, spawner: sp, lab: l}
}

func (f *fixture) enqueue(t *testing.T, chatID int64, session, link string) *Job {
	t.Helper()
	job, err := f.d.EnqueueDownload(context.Background(), chatID, session, link, nil)
	if err != nil {
		t.Fatalf("enqueue %s: %v", link, err)
	}
	return job
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

func waitJob(t *testing.T, job *Job) (media.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job %s (%s) did not finish", job.ID, job.Link)
	}
	return res, err
}

func pending(job *Job) bool {
	_, _, ok := job.Outcome()
	return !ok
}

// procFor returns the newest worker process spawned for chatID.
func (f *fixture) procFor(t *testing.T, chatID int64) *InProcess {
	t.Helper()
	procs := f.spawner.Procs()
	for i := len(procs) - 1; i >= 0; i-- {
		if procs[i].Spec.ChatID == chatID {
			return procs[i]
		}
	}
	t.Fatalf("no worker for chat %d", chatID)
	return nil
}
