package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chanfetch/internal/progress"
	logx "chanfetch/pkg/logx"
)

// PartialSuffix marks files still being written.
const PartialSuffix = ".part"

const copyChunk = 64 << 10

// HTTPTransport fetches media over HTTP(S) using headers from a stored session.
//
// Links may be absolute URLs or paths relative to the session base_url
// (e.g. "channel/42/media/7").
type HTTPTransport struct {
	store  *SessionStore
	client *http.Client
	log    logx.Logger

	mu   sync.RWMutex
	sess *Session
}

func NewHTTPTransport(store *SessionStore, client *http.Client, log logx.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{store: store, client: client, log: log.With(logx.String("comp", "media.http"))}
}

func (t *HTTPTransport) Init(_ context.Context, sessionID string) error {
	sess, err := t.store.Load(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()
	t.log.Debug("session loaded", logx.String("session_id", sessionID))
	return nil
}

func (t *HTTPTransport) session() (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sess == nil {
		return nil, ErrNotInitialized
	}
	return t.sess, nil
}

// Warm opens a connection to the session host so the first transfer skips
// the handshake.
func (t *HTTPTransport) Warm(ctx context.Context) error {
	sess, err := t.session()
	if err != nil {
		return err
	}
	req, err := t.newRequest(ctx, http.MethodHead, sess, sess.BaseURL)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (t *HTTPTransport) Resolve(ctx context.Context, link string) (Ref, error) {
	sess, err := t.session()
	if err != nil {
		return Ref{}, err
	}
	u, err := resolveURL(sess.BaseURL, link)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrFileReferenceInvalid, err)
	}
	req, err := t.newRequest(ctx, http.MethodHead, sess, u)
	if err != nil {
		return Ref{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return Ref{}, err
	}
	_ = resp.Body.Close()
	if err := statusErr(resp.StatusCode); err != nil {
		return Ref{}, fmt.Errorf("resolve %s: %w", link, err)
	}

	ref := Ref{
		Link:     link,
		URL:      resp.Request.URL.String(),
		FileName: fileNameFrom(resp, u),
		Size:     max(resp.ContentLength, 0),
	}
	if exp := resp.Header.Get("Expires"); exp != "" {
		if ts, err := http.ParseTime(exp); err == nil {
			ref.Expires = ts
		}
	}
	return ref, nil
}

// Transfer streams ref into targetDir. Bytes land in a .part file that is
// renamed on success and removed on failure.
func (t *HTTPTransport) Transfer(ctx context.Context, ref Ref, targetDir string, cb ProgressFunc) (Result, error) {
	sess, err := t.session()
	if err != nil {
		return Result{}, err
	}
	if !ref.Expires.IsZero() && time.Now().After(ref.Expires) {
		return Result{}, ErrFileReferenceExpired
	}
	req, err := t.newRequest(ctx, http.MethodGet, sess, ref.URL)
	if err != nil {
		return Result{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if err := statusErr(resp.StatusCode); err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return Result{}, err
	}
	name := ref.FileName
	if name == "" {
		name = fileNameFrom(resp, ref.URL)
	}
	final := filepath.Join(targetDir, name)
	partial := final + PartialSuffix
	f, err := os.Create(partial)
	if err != nil {
		return Result{}, err
	}

	total := resp.ContentLength
	written, err := copyWithProgress(f, resp.Body, total, cb)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(partial)
		return Result{}, err
	}
	if err := os.Rename(partial, final); err != nil {
		return Result{}, err
	}
	return Result{FileName: name, FilePath: final, Size: written}, nil
}

// copyWithProgress reports cumulative progress when the total is known and
// chunk deltas otherwise.
func copyWithProgress(dst io.Writer, src io.Reader, total int64, cb ProgressFunc) (int64, error) {
	buf := make([]byte, copyChunk)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if cb != nil {
				var sig progress.Signal
				if total > 0 {
					sig = progress.Cumulative(written, total)
				} else {
					sig = progress.Chunk(int64(n))
				}
				if !cb(sig) {
					return written, ErrCancelled
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, sess *Session, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range sess.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func statusErr(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusForbidden || code == http.StatusGone:
		return ErrFileReferenceExpired
	case code == http.StatusNotFound:
		return ErrFileIDInvalid
	case code == http.StatusBadRequest:
		return ErrFileReferenceInvalid
	default:
		return fmt.Errorf("media: unexpected status %d", code)
	}
}

func resolveURL(base, link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", errors.New("empty link")
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}

func fileNameFrom(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := sanitizeName(params["filename"]); fn != "" {
				return fn
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if fn := sanitizeName(path.Base(u.Path)); fn != "" {
			return fn
		}
	}
	return fmt.Sprintf("media-%d", time.Now().UnixNano())
}

func sanitizeName(s string) string {
	s = filepath.Base(strings.TrimSpace(s))
	switch s {
	case "", ".", "/", "..":
		return ""
	}
	return s
}
