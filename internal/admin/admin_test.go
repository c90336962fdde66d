package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/storage"
	logx "chanfetch/pkg/logx"
)

type fakeController struct {
	mu        sync.Mutex
	jobs      []dispatcher.JobInfo
	cancelled []string
	destroyed []int64
}

func (f *fakeController) ActiveJobs() []dispatcher.JobInfo { return f.jobs }
func (f *fakeController) Snapshot() dispatcher.Snapshot {
	return dispatcher.Snapshot{MaxActive: 2, ActiveCount: len(f.jobs)}
}

func (f *fakeController) CancelJob(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.JobID == id {
			f.cancelled = append(f.cancelled, id)
			return nil
		}
	}
	return dispatcher.ErrJobNotFound
}

func (f *fakeController) DestroySandbox(chatID int64) {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, chatID)
	f.mu.Unlock()
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequiredWhenTokenSet(t *testing.T) {
	ctl := &fakeController{}
	e := NewRouter("s3cret", Deps{Dispatcher: ctl, Log: logx.Nop()})

	if rec := do(t, e, http.MethodGet, "/api/jobs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/api/jobs", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/api/jobs", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/api/jobs?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestJobsAndStatus(t *testing.T) {
	ctl := &fakeController{jobs: []dispatcher.JobInfo{{JobID: "a", ChatID: 1, State: dispatcher.JobRunning}}}
	e := NewRouter("", Deps{Dispatcher: ctl})

	rec := do(t, e, http.MethodGet, "/api/jobs", "")
	var jobs []dispatcher.JobInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if len(jobs) != 1 || jobs[0].JobID != "a" || jobs[0].State != dispatcher.JobRunning {
		t.Fatalf("jobs = %+v", jobs)
	}

	rec = do(t, e, http.MethodGet, "/api/status", "")
	var snap dispatcher.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.MaxActive != 2 || snap.ActiveCount != 1 {
		t.Fatalf("status = %+v", snap)
	}
}

func TestCancelAndDestroyAreAudited(t *testing.T) {
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	ctl := &fakeController{jobs: []dispatcher.JobInfo{{JobID: "a"}}}
	e := NewRouter("", Deps{Dispatcher: ctl, Store: st})

	if rec := do(t, e, http.MethodPost, "/api/jobs/a/cancel", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, e, http.MethodPost, "/api/jobs/nope/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodDelete, "/api/sandboxes/42", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("destroy: %d", rec.Code)
	}
	if rec := do(t, e, http.MethodDelete, "/api/sandboxes/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("destroy bad id: %d", rec.Code)
	}
	if len(ctl.cancelled) != 1 || ctl.cancelled[0] != "a" || len(ctl.destroyed) != 1 || ctl.destroyed[0] != 42 {
		t.Fatalf("controller calls: %+v %+v", ctl.cancelled, ctl.destroyed)
	}
}

func TestHistory(t *testing.T) {
	ctl := &fakeController{}
	if rec := do(t, NewRouter("", Deps{Dispatcher: ctl}), http.MethodGet, "/api/history", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("history without store: %d", rec.Code)
	}

	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()
	now := time.Now()
	for i := range 3 {
		_ = st.AppendJob(context.Background(), storage.JobRecord{JobID: fmt.Sprint(i), ChatID: int64(i % 2), Outcome: "done", FinishedAt: now})
	}
	e := NewRouter("", Deps{Dispatcher: ctl, Store: st})
	rec := do(t, e, http.MethodGet, "/api/history?chat=1&limit=5", "")
	var recs []storage.JobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].JobID != "1" {
		t.Fatalf("history = %+v", recs)
	}
	if rec := do(t, e, http.MethodGet, "/api/history?chat=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad chat: %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "chanfetch_up 1\n") })
	e := NewRouter("", Deps{Dispatcher: &fakeController{}, Metrics: metrics})
	rec := do(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "chanfetch_up 1\n" {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
}

func TestServiceRefusesPublicBindWithoutToken(t *testing.T) {
	if isLoopbackAddr("0.0.0.0:6060") || isLoopbackAddr(":6060") {
		t.Fatalf("wildcard treated as loopback")
	}
	if !isLoopbackAddr("127.0.0.1:6060") || !isLoopbackAddr("localhost:1") || !isLoopbackAddr("[::1]:1") {
		t.Fatalf("loopback not recognized")
	}
}

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Dispatcher: &fakeController{}}, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)

	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("admin server never started")
	}
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	if svc.Supervisor() != nil {
		t.Fatalf("supervisor still set after stop")
	}
}
