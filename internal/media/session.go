package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Session is the persisted state an HTTP transport needs for one account.
type Session struct {
	ID      string            `json:"id"`
	BaseURL string            `json:"base_url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SessionStore loads sessions from <dir>/<id>.json.
type SessionStore struct {
	dir string
}

func NewSessionStore(dir string) *SessionStore { return &SessionStore{dir: dir} }

func (s *SessionStore) path(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("media: invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *SessionStore) Load(id string) (*Session, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("media: decode session %s: %w", id, err)
	}
	if strings.TrimSpace(sess.BaseURL) == "" {
		return nil, fmt.Errorf("media: session %s has no base_url", id)
	}
	if sess.ID == "" {
		sess.ID = id
	}
	return &sess, nil
}

// Save writes sess atomically.
func (s *SessionStore) Save(sess *Session) error {
	p, err := s.path(sess.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
