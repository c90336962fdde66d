package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chanfetch/internal/eventbus"
	"chanfetch/internal/progress"
	logx "chanfetch/pkg/logx"
)

func TestSameChatJobsRunOneAtATime(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 1, "s1", "block:B")

	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })
	time.Sleep(50 * time.Millisecond)
	if f.lab.hasStarted("block:B") {
		t.Fatalf("B started while A was still running")
	}

	jobs := f.d.ActiveJobs()
	if len(jobs) != 2 || jobs[0].JobID != a.ID || jobs[0].State != JobRunning || jobs[1].JobID != b.ID || jobs[1].State != JobQueued {
		t.Fatalf("active jobs: %+v", jobs)
	}

	f.lab.release("block:A")
	if _, err := waitJob(t, a); err != nil {
		t.Fatalf("A: %v", err)
	}
	waitFor(t, "B to start", func() bool { return f.lab.hasStarted("block:B") })
	f.lab.release("block:B")
	res, err := waitJob(t, b)
	if err != nil {
		t.Fatalf("B: %v", err)
	}
	if res.FileName != "block_B" {
		t.Fatalf("B result: %+v", res)
	}

	if got := f.lab.startedLinks(); !slices.Equal(got, []string{"block:A", "block:B"}) {
		t.Fatalf("start order: %v", got)
	}
	if p := f.lab.peak(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
	if n := len(f.spawner.Procs()); n != 1 {
		t.Fatalf("spawned %d workers, want 1", n)
	}
}

// A fast job's done is followed at once by the next download; the worker
// must already be free to take it.
func TestBackToBackJobsOnOneChatAllSucceed(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	for i := range 30 {
		a := f.enqueue(t, 1, "s1", fmt.Sprintf("ok:A%d", i))
		b := f.enqueue(t, 1, "s1", fmt.Sprintf("ok:B%d", i))
		for _, j := range []*Job{a, b} {
			if _, err := waitJob(t, j); err != nil {
				if errors.Is(err, ErrWorkerBusy) {
					t.Fatalf("round %d: %s hit a busy worker", i, j.Link)
				}
				t.Fatalf("round %d: %s: %v", i, j.Link, err)
			}
		}
	}
	if n := len(f.spawner.Procs()); n != 1 {
		t.Fatalf("spawned %d workers, want 1", n)
	}
	if c := f.d.Snapshot().Counters; c.Completed != 60 || c.Failed != 0 {
		t.Fatalf("counters: %+v", c)
	}
}

func TestGlobalCeilingAcrossChats(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 2, "s2", "block:B")

	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })
	time.Sleep(50 * time.Millisecond)
	if f.lab.hasStarted("block:B") {
		t.Fatalf("B started above the ceiling")
	}
	snap := f.d.Snapshot()
	if snap.ActiveCount != 1 || snap.Queued != 1 || len(snap.Sandboxes) != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}

	f.lab.release("block:A")
	if _, err := waitJob(t, a); err != nil {
		t.Fatalf("A: %v", err)
	}
	waitFor(t, "B to start", func() bool { return f.lab.hasStarted("block:B") })
	f.lab.release("block:B")
	if _, err := waitJob(t, b); err != nil {
		t.Fatalf("B: %v", err)
	}
	if p := f.lab.peak(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
	if got := f.d.Snapshot().ActiveCount; got != 0 {
		t.Fatalf("active count = %d after drain", got)
	}
}

func TestOwnChatIsScheduledBeforeOthers(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1})

	a1 := f.enqueue(t, 1, "s1", "block:A1")
	waitFor(t, "A1 to start", func() bool { return f.lab.hasStarted("block:A1") })
	b := f.enqueue(t, 2, "s2", "block:B")
	a2 := f.enqueue(t, 1, "s1", "block:A2")

	f.lab.release("block:A1")
	if _, err := waitJob(t, a1); err != nil {
		t.Fatalf("A1: %v", err)
	}
	waitFor(t, "A2 to start", func() bool { return f.lab.hasStarted("block:A2") })
	if f.lab.hasStarted("block:B") {
		t.Fatalf("B ran before the freeing chat's next job")
	}
	f.lab.release("block:A2")
	f.lab.release("block:B")
	for _, j := range []*Job{a2, b} {
		if _, err := waitJob(t, j); err != nil {
			t.Fatalf("%s: %v", j.Link, err)
		}
	}
	if got := f.lab.startedLinks(); !slices.Equal(got, []string{"block:A1", "block:A2", "block:B"}) {
		t.Fatalf("start order: %v", got)
	}
}

func TestWorkerCrashRejectsPendingAndRespawnsForQueue(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 1, "s1", "block:B")
	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })

	_ = f.procFor(t, 1).Kill()

	if _, err := waitJob(t, a); !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("A err = %v, want ErrWorkerExited", err)
	}
	waitFor(t, "B to start on a new worker", func() bool { return f.lab.hasStarted("block:B") })
	if n := len(f.spawner.Procs()); n != 2 {
		t.Fatalf("spawned %d workers, want 2", n)
	}
	f.lab.release("block:B")
	if _, err := waitJob(t, b); err != nil {
		t.Fatalf("B: %v", err)
	}
	c := f.d.Snapshot().Counters
	if c.Spawns != 2 || c.Exits != 1 || c.Completed != 1 || c.Failed != 1 {
		t.Fatalf("counters: %+v", c)
	}
}

func TestWorkerCrashWithEmptyQueueRemovesSandbox(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	a := f.enqueue(t, 1, "s1", "block:A")
	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })
	_ = f.procFor(t, 1).Kill()

	if _, err := waitJob(t, a); !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("A err = %v", err)
	}
	waitFor(t, "sandbox removal", func() bool {
		_, ok := f.d.Sandbox(1)
		return !ok
	})
	if got := f.d.Snapshot().ActiveCount; got != 0 {
		t.Fatalf("active count = %d", got)
	}

	// The next request recreates it.
	b := f.enqueue(t, 1, "s1", "ok:B")
	if _, err := waitJob(t, b); err != nil {
		t.Fatalf("B: %v", err)
	}
}

func TestOutcomeResolvedExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	a := f.enqueue(t, 1, "s1", "ok:A")
	if _, err := waitJob(t, a); err != nil {
		t.Fatalf("A: %v", err)
	}
	// Exit after done must not touch the settled job.
	_ = f.procFor(t, 1).Kill()
	waitFor(t, "exit", func() bool { return f.d.Snapshot().Counters.Exits == 1 })

	if _, err, ok := a.Outcome(); !ok || err != nil {
		t.Fatalf("A outcome changed: ok=%v err=%v", ok, err)
	}
	snap := f.d.Snapshot()
	if snap.Counters.Completed != 1 || snap.Counters.Failed != 0 || snap.ActiveCount != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}

	j := newJob(1, "x", nil, time.Now())
	if !j.resolve(mediaResult("first"), nil) {
		t.Fatalf("first resolve lost")
	}
	if j.resolve(mediaResult("second"), errors.New("late")) {
		t.Fatalf("second resolve won")
	}
	if res, err, _ := j.Outcome(); err != nil || res.FileName != "first" {
		t.Fatalf("outcome = %+v, %v", res, err)
	}
}

func TestIdleSandboxEvictedAfterTTL(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1, TTL: 80 * time.Millisecond, TTLCheck: 10 * time.Millisecond})

	a := f.enqueue(t, 1, "s1", "ok:A")
	if _, err := waitJob(t, a); err != nil {
		t.Fatalf("A: %v", err)
	}
	proc := f.procFor(t, 1)
	waitFor(t, "eviction", func() bool {
		_, ok := f.d.Sandbox(1)
		return !ok
	})
	waitFor(t, "worker exit", proc.Exited)
}

func TestEnqueueResetsTTL(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1, TTL: 300 * time.Millisecond, TTLCheck: 10 * time.Millisecond})

	if _, err := waitJob(t, f.enqueue(t, 1, "s1", "ok:A")); err != nil {
		t.Fatalf("A: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := waitJob(t, f.enqueue(t, 1, "s1", "ok:B")); err != nil {
		t.Fatalf("B: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, ok := f.d.Sandbox(1); !ok {
		t.Fatalf("sandbox evicted although used within the TTL")
	}
	waitFor(t, "eviction", func() bool {
		_, ok := f.d.Sandbox(1)
		return !ok
	})
	if n := len(f.spawner.Procs()); n != 1 {
		t.Fatalf("spawned %d workers, want 1", n)
	}
}

func TestAlwaysOnDisablesEviction(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1, TTL: 20 * time.Millisecond, TTLCheck: 5 * time.Millisecond, AlwaysOn: true})

	if _, err := waitJob(t, f.enqueue(t, 1, "s1", "ok:A")); err != nil {
		t.Fatalf("A: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, ok := f.d.Sandbox(1); !ok {
		t.Fatalf("always-on sandbox was evicted")
	}
}

func TestBusyChatIsNotEvicted(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1, TTL: 30 * time.Millisecond, TTLCheck: 5 * time.Millisecond})

	a := f.enqueue(t, 1, "s1", "block:A")
	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })
	time.Sleep(150 * time.Millisecond)
	if _, ok := f.d.Sandbox(1); !ok {
		t.Fatalf("sandbox with a running job was evicted")
	}
	f.lab.release("block:A")
	if _, err := waitJob(t, a); err != nil {
		t.Fatalf("A: %v", err)
	}
}

func TestDestroySandboxRejectsEverything(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 1, "s1", "block:B")
	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })

	f.d.DestroySandbox(1)
	for _, j := range []*Job{a, b} {
		if _, err := waitJob(t, j); !errors.Is(err, ErrSandboxDestroyed) {
			t.Fatalf("%s err = %v, want ErrSandboxDestroyed", j.Link, err)
		}
	}
	if _, ok := f.d.Sandbox(1); ok {
		t.Fatalf("sandbox still registered")
	}
	waitFor(t, "worker exit", f.procFor(t, 1).Exited)
	if got := f.d.Snapshot().ActiveCount; got != 0 {
		t.Fatalf("active count = %d", got)
	}

	f.d.DestroySandbox(42) // unknown chat is a no-op
}

func TestCancelQueuedAndRunningJobs(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 1, "s1", "block:B")
	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })

	if err := f.d.CancelJob(b.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if _, err, ok := b.Outcome(); !ok || !errors.Is(err, ErrCancelled) {
		t.Fatalf("queued job: ok=%v err=%v", ok, err)
	}

	if err := f.d.CancelJob(a.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if _, err := waitJob(t, a); !errors.Is(err, ErrCancelled) {
		t.Fatalf("running job err = %v, want ErrCancelled", err)
	}
	if err := f.d.CancelJob(a.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cancel settled job: %v", err)
	}
	if f.lab.hasStarted("block:B") {
		t.Fatalf("cancelled job was dispatched")
	}

	// The worker survives a cancel.
	c := f.enqueue(t, 1, "s1", "ok:C")
	if _, err := waitJob(t, c); err != nil {
		t.Fatalf("C: %v", err)
	}
	if n := len(f.spawner.Procs()); n != 1 {
		t.Fatalf("spawned %d workers, want 1", n)
	}
	if got := f.d.Snapshot().Counters.Cancelled; got != 2 {
		t.Fatalf("cancelled counter = %d", got)
	}
}

func TestSessionChangeReplacesWorker(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 1, "s1", "block:B")
	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })

	c := f.enqueue(t, 1, "s2", "ok:C")
	if _, err := waitJob(t, a); !errors.Is(err, ErrSessionChanged) {
		t.Fatalf("A err = %v, want ErrSessionChanged", err)
	}
	waitFor(t, "B to start", func() bool { return f.lab.hasStarted("block:B") })
	f.lab.release("block:B")
	for _, j := range []*Job{b, c} {
		if _, err := waitJob(t, j); err != nil {
			t.Fatalf("%s: %v", j.Link, err)
		}
	}

	procs := f.spawner.Procs()
	if len(procs) != 2 || procs[1].Spec.SessionID != "s2" {
		t.Fatalf("procs: %d", len(procs))
	}
	info, ok := f.d.Sandbox(1)
	if !ok || info.SessionID != "s2" {
		t.Fatalf("sandbox: %+v ok=%v", info, ok)
	}
	waitFor(t, "old worker exit", procs[0].Exited)
}

func TestSpawnFailureIsReported(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})
	f.spawner.Fail = func(SpawnSpec) error { return errors.New("exec: no such file") }

	if _, err := f.d.EnqueueDownload(context.Background(), 1, "s1", "ok:A", nil); !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}
	if _, err := f.d.EnsureSandbox(1, "s1"); !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("ensure err = %v", err)
	}
	if _, ok := f.d.Sandbox(1); ok {
		t.Fatalf("sandbox registered despite spawn failure")
	}
}

func TestEnsureSandboxIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 2})

	first, err := f.d.EnsureSandbox(1, "s1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := f.d.EnsureSandbox(1, "s1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.WorkerID == "" || first.WorkerID != again.WorkerID {
		t.Fatalf("worker changed: %q -> %q", first.WorkerID, again.WorkerID)
	}
}

func TestSilentWorkerIsKilledByWatchdog(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1, HeartbeatTimeout: 80 * time.Millisecond})

	a := f.enqueue(t, 1, "s1", "block:A")
	if _, err := waitJob(t, a); !errors.Is(err, ErrHeartbeatTimeout) {
		t.Fatalf("err = %v, want ErrHeartbeatTimeout", err)
	}
	waitFor(t, "sandbox removal", func() bool {
		_, ok := f.d.Sandbox(1)
		return !ok
	})
}

func TestApplyHeartbeatTimeoutRearmsWatchdog(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1})

	start := time.Now()
	f.d.Apply(Config{MaxActive: 1, HeartbeatTimeout: 80 * time.Millisecond})
	a := f.enqueue(t, 1, "s1", "block:A")
	if _, err := waitJob(t, a); !errors.Is(err, ErrHeartbeatTimeout) {
		t.Fatalf("err = %v, want ErrHeartbeatTimeout", err)
	}
	// The watchdog started with a one second tick; it must not wait for it.
	if took := time.Since(start); took > 700*time.Millisecond {
		t.Fatalf("kill took %v", took)
	}
}

func TestProgressIsForwardedAndSinkPanicsAreContained(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1})

	var mu sync.Mutex
	var got []progress.Update
	var calls atomic.Int32
	sink := func(jobID string, u progress.Update) {
		if calls.Add(1) == 1 {
			panic("sink exploded")
		}
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	}
	job, err := f.d.EnqueueDownload(context.Background(), 1, "s1", "block:A", sink)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "running progress", func() bool {
		jobs := f.d.ActiveJobs()
		return len(jobs) == 1 && jobs[0].Received == 1 && jobs[0].Total == 2
	})
	f.lab.release("block:A")
	if _, err := waitJob(t, job); err != nil {
		t.Fatalf("A: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatalf("no progress after the panicking call")
	}
	if last := got[len(got)-1]; last.Received != 2 || last.Total != 2 {
		t.Fatalf("final progress = %+v", last)
	}
}

func TestApplyRaisingCeilingAdmitsWaitingJobs(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 2, "s2", "block:B")
	waitFor(t, "A to start", func() bool { return f.lab.hasStarted("block:A") })

	f.d.Apply(Config{MaxActive: 2})
	waitFor(t, "B to start", func() bool { return f.lab.hasStarted("block:B") })
	if got := f.d.Snapshot().MaxActive; got != 2 {
		t.Fatalf("max active = %d", got)
	}
	f.lab.release("block:A")
	f.lab.release("block:B")
	for _, j := range []*Job{a, b} {
		if _, err := waitJob(t, j); err != nil {
			t.Fatalf("%s: %v", j.Link, err)
		}
	}
}

func TestCloseRejectsOutstandingJobs(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1})

	a := f.enqueue(t, 1, "s1", "block:A")
	b := f.enqueue(t, 2, "s2", "block:B")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, j := range []*Job{a, b} {
		if _, err, ok := j.Outcome(); !ok || !errors.Is(err, ErrDispatcherClosed) {
			t.Fatalf("%s: ok=%v err=%v", j.Link, ok, err)
		}
	}
	for _, p := range f.spawner.Procs() {
		if !p.Exited() {
			t.Fatalf("worker %d still running after close", p.PID())
		}
	}
	if _, err := f.d.EnqueueDownload(context.Background(), 1, "s1", "ok:C", nil); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("enqueue after close: %v", err)
	}
}

func TestJobEventsArePublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	l := newLab()
	sp := &InProcessSpawner{Options: labOptions(l, t.TempDir())}
	d := New(Config{MaxActive: 1}, sp, logx.Nop(), bus)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	job, err := d.EnqueueDownload(context.Background(), 7, "s1", "ok:A", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}

	var types []string
	deadline := time.After(5 * time.Second)
	for !slices.Contains(types, eventbus.TypeJobFinished) {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == eventbus.TypeJobFinished {
				je := ev.Data.(eventbus.JobEvent)
				if je.JobID != job.ID || je.Outcome != eventbus.OutcomeDone || je.ChatID != 7 {
					t.Fatalf("finished event: %+v", je)
				}
			}
		case <-deadline:
			t.Fatalf("events so far: %v", types)
		}
	}
	for _, want := range []string{eventbus.TypeWorkerSpawned, eventbus.TypeSandboxCreated, eventbus.TypeJobQueued, eventbus.TypeJobStarted} {
		if !slices.Contains(types, want) {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
}
