// Package sessions persists conversation transcripts as one JSON file per
// session. All writes are atomic (temp file + rename) and serialized
// through per-session locks, so readers never observe partial files.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/pkg/models"
)

// MaxMessages caps the transcript length kept on disk. Save truncates to
// the most recent MaxMessages entries.
const MaxMessages = 1000

// FileStore keeps one <session_id>.json file per session under Dir.
type FileStore struct {
	dir    string
	logger *observability.Logger
	locks  *sessionLocker
}

// NewFileStore creates the directory if needed and returns a store.
func NewFileStore(dir string, logger *observability.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("sessions: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("mkdir", "", err)
	}
	return &FileStore{dir: dir, logger: logger, locks: newSessionLocker()}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string { return s.dir }

// DefaultName is the name given to a fresh session; Save replaces it with
// a derived name once the first user message arrives.
func DefaultName(sessionID string) string {
	short := sessionID
	if len(short) > 4 {
		short = short[:4]
	}
	return "Agent-" + short
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", ErrNotFound
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Create writes an empty transcript and returns the new session id.
func (s *FileStore) Create(ctx context.Context, model, system string, maxTokens int) (string, error) {
	id := uuid.NewString()
	session := &models.Session{
		SessionID:    id,
		Name:         DefaultName(id),
		Model:        model,
		SystemPrompt: system,
		MaxTokens:    maxTokens,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Messages:     []models.Message{},
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.writeFile(id, session); err != nil {
		return "", err
	}
	if s.logger != nil {
		s.logger.Info(ctx, "session created", "session_id", id, "model", model)
	}
	return id, nil
}

// Get reads the full session record.
func (s *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(id)
	defer unlock()
	return s.readFile(id, path)
}

func (s *FileStore) readFile(id, path string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("read", id, err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, storageErr("decode", id, err)
	}
	return &session, nil
}

// Save replaces the stored transcript with messages, preserving the header
// fields already on disk. The transcript is truncated to the last
// MaxMessages entries, and the session name is derived from the first user
// message while it still carries the default name.
func (s *FileStore) Save(ctx context.Context, id string, messages []models.Message) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.readFile(id, path)
	if err != nil {
		return err
	}

	if len(messages) > MaxMessages {
		messages = messages[len(messages)-MaxMessages:]
	}
	session.Messages = append([]models.Message{}, messages...)

	if session.Name == DefaultName(id) {
		if derived := deriveName(session.Messages); derived != "" {
			session.Name = derived
		}
	}

	if err := s.writeFile(id, session); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Debug(ctx, "session saved", "session_id", id, "messages", len(session.Messages))
	}
	return nil
}

// deriveName takes the first string-form user message, trimmed to 30
// characters.
func deriveName(messages []models.Message) string {
	for _, msg := range messages {
		if msg.Role != models.RoleUser || !msg.Content.IsText {
			continue
		}
		name := strings.TrimSpace(msg.Content.Text)
		runes := []rune(name)
		if len(runes) > 30 {
			name = string(runes[:30])
		}
		return name
	}
	return ""
}

// ListAll returns header metadata for every session, newest first.
func (s *FileStore) ListAll(ctx context.Context) ([]models.SessionMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, storageErr("list", "", err)
	}

	metas := make([]models.SessionMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		session, err := s.Get(ctx, id)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "skipping unreadable session file", "file", entry.Name(), "error", err)
			}
			continue
		}
		metas = append(metas, models.SessionMeta{
			SessionID:    session.SessionID,
			Name:         session.Name,
			Model:        session.Model,
			SystemPrompt: session.SystemPrompt,
			CreatedAt:    session.CreatedAt,
			MessageCount: len(session.Messages),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt != metas[j].CreatedAt {
			return metas[i].CreatedAt > metas[j].CreatedAt
		}
		return metas[i].SessionID < metas[j].SessionID
	})
	return metas, nil
}

// Delete removes the session file. ErrNotFound when it does not exist.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return storageErr("delete", id, err)
	}
	if s.logger != nil {
		s.logger.Info(ctx, "session deleted", "session_id", id)
	}
	return nil
}

// DeleteAll removes every session file. Missing files from concurrent
// deletes are ignored.
func (s *FileStore) DeleteAll(ctx context.Context) error {
	metas, err := s.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if err := s.Delete(ctx, meta.SessionID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// ClearHistory empties a session's transcript, keeping the header.
func (s *FileStore) ClearHistory(ctx context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.readFile(id, path)
	if err != nil {
		return err
	}
	session.Messages = []models.Message{}
	return s.writeFile(id, session)
}

// ClearAllHistory empties every session's transcript.
func (s *FileStore) ClearAllHistory(ctx context.Context) error {
	metas, err := s.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if err := s.ClearHistory(ctx, meta.SessionID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Exists reports whether the session file is present.
func (s *FileStore) Exists(id string) bool {
	path, err := s.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Prune deletes sessions whose created_at is older than maxAge and returns
// how many were removed. Files with unparseable timestamps are left alone.
func (s *FileStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	metas, err := s.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	removed := 0
	for _, meta := range metas {
		created, err := time.Parse(time.RFC3339, meta.CreatedAt)
		if err != nil {
			continue
		}
		if created.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, meta.SessionID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 && s.logger != nil {
		s.logger.Info(ctx, "pruned expired sessions", "removed", removed, "max_age", maxAge.String())
	}
	return removed, nil
}

// writeFile marshals the session with 2-space indent and atomically
// replaces the target via temp file + rename. Callers hold the session's
// write lock.
func (s *FileStore) writeFile(id string, session *models.Session) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return storageErr("encode", id, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, "."+id+".tmp-*")
	if err != nil {
		return storageErr("write", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storageErr("write", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storageErr("write", id, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return storageErr("write", id, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return storageErr("write", id, err)
	}
	return nil
}

// Describe summarizes a session for logs.
func Describe(meta models.SessionMeta) string {
	return fmt.Sprintf("%s (%s, %d messages)", meta.Name, meta.SessionID, meta.MessageCount)
}
