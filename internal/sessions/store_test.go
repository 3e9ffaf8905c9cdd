package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/relay/pkg/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "test-model", "be helpful", 4096)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	session, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session.SessionID != id {
		t.Fatalf("session id = %q, want %q", session.SessionID, id)
	}
	if session.Name != DefaultName(id) {
		t.Fatalf("name = %q, want default", session.Name)
	}
	if session.Model != "test-model" || session.SystemPrompt != "be helpful" || session.MaxTokens != 4096 {
		t.Fatalf("header fields wrong: %+v", session)
	}
	if len(session.Messages) != 0 {
		t.Fatalf("new session has messages: %+v", session.Messages)
	}
	if _, err := time.Parse(time.RFC3339, session.CreatedAt); err != nil {
		t.Fatalf("created_at not RFC3339: %q", session.CreatedAt)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGetRejectsPathTraversal(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"../escape", "a/b", `a\b`, "..", ""} {
		if _, err := store.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Create(ctx, "m", "", 1024)

	messages := []models.Message{
		models.UserText("what is in go.mod"),
		models.AssistantBlocks([]models.ContentBlock{
			models.NewTextBlock("checking"),
			models.NewToolUseBlock("u1", "read_file", json.RawMessage(`{"path":"go.mod"}`)),
		}),
		models.UserBlocks([]models.ContentBlock{
			models.NewToolResultBlock("u1", "module example"),
		}),
	}
	if err := store.Save(ctx, id, messages); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	session, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(session.Messages) != 3 {
		t.Fatalf("message count = %d", len(session.Messages))
	}
	if !session.Messages[0].Content.IsText || session.Messages[0].Content.Text != "what is in go.mod" {
		t.Fatalf("string-form user message lost: %+v", session.Messages[0])
	}
	blocks := session.Messages[1].Content.Blocks
	if len(blocks) != 2 || blocks[1].Type != models.BlockToolUse || blocks[1].Name != "read_file" {
		t.Fatalf("assistant blocks lost: %+v", blocks)
	}
}

func TestSaveIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Create(ctx, "m", "s", 1024)
	messages := []models.Message{models.UserText("hello world")}

	if err := store.Save(ctx, id, messages); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	path := filepath.Join(store.Dir(), id+".json")
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := store.Save(ctx, id, messages); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Fatal("save; save produced different bytes")
	}
}

func TestSaveTruncatesToMaxMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Create(ctx, "m", "", 1024)

	messages := make([]models.Message, MaxMessages+10)
	for i := range messages {
		messages[i] = models.UserText(strings.Repeat("x", 3))
	}
	messages[len(messages)-1] = models.UserText("last")

	if err := store.Save(ctx, id, messages); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	session, _ := store.Get(ctx, id)
	if len(session.Messages) != MaxMessages {
		t.Fatalf("message count = %d, want %d", len(session.Messages), MaxMessages)
	}
	if session.Messages[MaxMessages-1].Content.Text != "last" {
		t.Fatal("truncation did not keep the newest messages")
	}
}

func TestSaveDerivesNameFromFirstUserMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Create(ctx, "m", "", 1024)

	long := "  explain the difference between buffered and unbuffered channels  "
	if err := store.Save(ctx, id, []models.Message{models.UserText(long)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	session, _ := store.Get(ctx, id)
	want := "explain the difference between"
	if session.Name != want {
		t.Fatalf("derived name = %q, want %q", session.Name, want)
	}

	// A renamed session keeps its name on later saves.
	if err := store.Save(ctx, id, []models.Message{models.UserText("different prompt")}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	session, _ = store.Get(ctx, id)
	if session.Name != want {
		t.Fatalf("name changed on second save: %q", session.Name)
	}
}

func TestSaveUnknownSession(t *testing.T) {
	store := newTestStore(t)
	err := store.Save(context.Background(), "ghost", []models.Message{models.UserText("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Save() error = %v, want ErrNotFound", err)
	}
}

func TestListAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, _ := store.Create(ctx, "m1", "", 100)
	id2, _ := store.Create(ctx, "m2", "sys", 200)
	store.Save(ctx, id2, []models.Message{models.UserText("hi"), models.UserText("again")})

	metas, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("len = %d", len(metas))
	}
	byID := map[string]models.SessionMeta{}
	for _, m := range metas {
		byID[m.SessionID] = m
	}
	if byID[id1].MessageCount != 0 || byID[id2].MessageCount != 2 {
		t.Fatalf("message counts wrong: %+v", metas)
	}
	if byID[id2].SystemPrompt != "sys" {
		t.Fatalf("system prompt missing from meta: %+v", byID[id2])
	}
}

func TestDeleteAndExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Create(ctx, "m", "", 100)

	if !store.Exists(id) {
		t.Fatal("Exists() = false for live session")
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if store.Exists(id) {
		t.Fatal("Exists() = true after delete")
	}
	if err := store.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, "m", "", 100)
	store.Create(ctx, "m", "", 100)

	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	metas, _ := store.ListAll(ctx)
	if len(metas) != 0 {
		t.Fatalf("sessions remain after DeleteAll: %+v", metas)
	}
}

func TestClearHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Create(ctx, "m", "keep me", 100)
	store.Save(ctx, id, []models.Message{models.UserText("hello")})

	if err := store.ClearHistory(ctx, id); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	session, _ := store.Get(ctx, id)
	if len(session.Messages) != 0 {
		t.Fatalf("messages remain: %+v", session.Messages)
	}
	if session.SystemPrompt != "keep me" || session.Model != "m" {
		t.Fatalf("header fields lost: %+v", session)
	}
}

func TestPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	oldID, _ := store.Create(ctx, "m", "", 100)
	newID, _ := store.Create(ctx, "m", "", 100)

	// Backdate the first session directly on disk.
	session, _ := store.Get(ctx, oldID)
	session.CreatedAt = time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	data, _ := json.MarshalIndent(session, "", "  ")
	if err := os.WriteFile(filepath.Join(store.Dir(), oldID+".json"), data, 0o644); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	removed, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if store.Exists(oldID) || !store.Exists(newID) {
		t.Fatal("prune removed the wrong session")
	}
}

func TestConcurrentSavesLinearize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Create(ctx, "m", "", 100)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs := make([]models.Message, i+1)
			for j := range msgs {
				msgs[j] = models.UserText("msg")
			}
			if err := store.Save(ctx, id, msgs); err != nil {
				t.Errorf("Save() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	// The file must be a valid snapshot from one of the writers.
	session, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() after concurrent saves: %v", err)
	}
	if n := len(session.Messages); n < 1 || n > 16 {
		t.Fatalf("message count %d outside any writer's snapshot", n)
	}
}
