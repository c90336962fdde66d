package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"chanfetch/internal/progress"
	logx "chanfetch/pkg/logx"
)

func newTestTransport(t *testing.T, h http.Handler) (*HTTPTransport, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := NewSessionStore(filepath.Join(dir, "sessions"))
	if err := store.Save(&Session{ID: "s1", BaseURL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	tr := NewHTTPTransport(store, srv.Client(), logx.Nop())
	if err := tr.Init(context.Background(), "s1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return tr, filepath.Join(dir, "out")
}

func mediaHandler(body string, withLength bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer x" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/gone":
			w.WriteHeader(http.StatusGone)
			return
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="clip.mp4"`)
		if withLength {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		} else if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(body))
		}
	})
}

func TestTransferWithKnownLength(t *testing.T) {
	body := strings.Repeat("a", 200_000)
	tr, out := newTestTransport(t, mediaHandler(body, true))

	ref, err := tr.Resolve(context.Background(), "channel/1/media/2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.FileName != "clip.mp4" || ref.Size != int64(len(body)) {
		t.Fatalf("ref=%+v", ref)
	}

	var last progress.Signal
	res, err := tr.Transfer(context.Background(), ref, out, func(s progress.Signal) bool {
		last = s
		return true
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Size != int64(len(body)) || res.FilePath != filepath.Join(out, "clip.mp4") {
		t.Fatalf("res=%+v", res)
	}
	if last.Kind != progress.KindCumulative || last.Bytes != int64(len(body)) {
		t.Fatalf("last signal=%+v", last)
	}
	if _, err := os.Stat(res.FilePath + PartialSuffix); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial file left behind")
	}
}

func TestTransferWithoutLengthReportsChunks(t *testing.T) {
	tr, out := newTestTransport(t, mediaHandler("hello world", false))
	ref := Ref{URL: tr.sess.BaseURL + "/x/file.bin"}

	var sum int64
	_, err := tr.Transfer(context.Background(), ref, out, func(s progress.Signal) bool {
		if s.Kind != progress.KindChunk {
			t.Errorf("kind=%s", s.Kind)
		}
		sum += s.Bytes
		return true
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if sum != int64(len("hello world")) {
		t.Fatalf("sum=%d", sum)
	}
}

func TestTransferCancelRemovesPartial(t *testing.T) {
	tr, out := newTestTransport(t, mediaHandler(strings.Repeat("b", 300_000), true))
	ref, err := tr.Resolve(context.Background(), "v")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = tr.Transfer(context.Background(), ref, out, func(progress.Signal) bool { return false })
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "clip.mp4"+PartialSuffix)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial file left behind")
	}
}

func TestResolveMapsStatusToReferenceErrors(t *testing.T) {
	tr, _ := newTestTransport(t, mediaHandler("x", true))
	if _, err := tr.Resolve(context.Background(), "gone"); !errors.Is(err, ErrFileReferenceExpired) {
		t.Fatalf("gone: %v", err)
	}
	if _, err := tr.Resolve(context.Background(), "missing"); !errors.Is(err, ErrFileIDInvalid) {
		t.Fatalf("missing: %v", err)
	}
	if !IsTransientReference(ErrFileIDInvalid) || IsTransientReference(ErrCancelled) {
		t.Fatalf("transient classification wrong")
	}
}

func TestUninitializedTransport(t *testing.T) {
	tr := NewHTTPTransport(NewSessionStore(t.TempDir()), nil, logx.Nop())
	if _, err := tr.Resolve(context.Background(), "x"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err=%v", err)
	}
	if err := tr.Init(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err=%v", err)
	}
	if err := tr.Init(context.Background(), "../etc/passwd"); err == nil {
		t.Fatalf("expected invalid id error")
	}
}
