package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/conversation"
	"github.com/relaymesh/relay/internal/provider"
	"github.com/relaymesh/relay/pkg/models"
)

type scriptedProvider struct {
	mu     sync.Mutex
	script []func(ctx context.Context) (*provider.Response, error)
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Create(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	if len(s.script) == 0 {
		s.mu.Unlock()
		return nil, errors.New("scripted: out of responses")
	}
	next := s.script[0]
	s.script = s.script[1:]
	s.mu.Unlock()
	return next(ctx)
}

func respond(resp *provider.Response) func(context.Context) (*provider.Response, error) {
	return func(context.Context) (*provider.Response, error) { return resp, nil }
}

func textDone(text string) *provider.Response {
	return &provider.Response{
		Content:    []models.ContentBlock{models.NewTextBlock(text)},
		StopReason: provider.StopEndTurn,
	}
}

func toolUse(id, name, input string) *provider.Response {
	return &provider.Response{
		Content:    []models.ContentBlock{models.NewToolUseBlock(id, name, json.RawMessage(input))},
		StopReason: provider.StopToolUse,
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) emit(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestRunBlocking(t *testing.T) {
	sp := &scriptedProvider{script: []func(context.Context) (*provider.Response, error){
		respond(toolUse("u1", "echo", `{"text":"hi"}`)),
		respond(textDone("all good")),
	}}
	conv := conversation.New(sp, conversation.Options{Model: "m", MaxTokens: 100})
	conv.RegisterTool(models.ToolSchema{Name: "echo"}, func(_ context.Context, input json.RawMessage) (string, error) {
		return string(input), nil
	})

	out, err := NewRunner(nil, nil).RunBlocking(context.Background(), conv, "go")
	if err != nil {
		t.Fatalf("RunBlocking() error = %v", err)
	}
	if out != "all good" {
		t.Fatalf("out = %q", out)
	}
}

func TestRunStreamingEventOrder(t *testing.T) {
	sp := &scriptedProvider{script: []func(context.Context) (*provider.Response, error){
		respond(toolUse("u1", "echo", `{"n":1}`)),
		respond(textDone("finished"))}}
	conv := conversation.New(sp, conversation.Options{Model: "m", MaxTokens: 100})
	conv.RegisterTool(models.ToolSchema{Name: "echo"}, func(_ context.Context, input json.RawMessage) (string, error) {
		return "echoed", nil
	})

	rec := &eventRecorder{}
	if err := NewRunner(nil, nil).RunStreaming(context.Background(), conv, "go", rec.emit); err != nil {
		t.Fatalf("RunStreaming() error = %v", err)
	}

	want := []string{EventToolUse, EventToolResult, EventDone}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if rec.events[0].Name != "echo" || string(rec.events[0].Input) != `{"n":1}` {
		t.Fatalf("tool_use event = %+v", rec.events[0])
	}
	if rec.events[1].ToolUseID != "u1" || rec.events[1].Content != "echoed" {
		t.Fatalf("tool_result event = %+v", rec.events[1])
	}
	if rec.events[2].Content != "finished" {
		t.Fatalf("done event = %+v", rec.events[2])
	}
}

func TestRunStreamingProviderError(t *testing.T) {
	sp := &scriptedProvider{script: []func(context.Context) (*provider.Response, error){
		func(context.Context) (*provider.Response, error) { return nil, errors.New("boom") },
	}}
	conv := conversation.New(sp, conversation.Options{Model: "m"})

	rec := &eventRecorder{}
	err := NewRunner(nil, nil).RunStreaming(context.Background(), conv, "go", rec.emit)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("RunStreaming() error = %v", err)
	}
	got := rec.types()
	if len(got) != 1 || got[0] != EventError {
		t.Fatalf("events = %v", got)
	}
}

func TestRunStreamingCancelledDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sp := &scriptedProvider{script: []func(context.Context) (*provider.Response, error){
		respond(toolUse("u1", "sleep", `{}`)),
		respond(textDone("never reached")),
	}}
	conv := conversation.New(sp, conversation.Options{Model: "m"})
	conv.RegisterTool(models.ToolSchema{Name: "sleep"}, func(ctx context.Context, _ json.RawMessage) (string, error) {
		cancel()
		<-ctx.Done()
		return "interrupted", nil
	})

	rec := &eventRecorder{}
	err := NewRunner(nil, nil).RunStreaming(ctx, conv, "go", rec.emit)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("RunStreaming() error = %v, want ErrCancelled", err)
	}

	got := rec.types()
	if got[len(got)-1] != EventCancelled {
		t.Fatalf("events = %v, want trailing cancelled", got)
	}
	// The partial tool_result message stays in the transcript for the
	// caller to persist.
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != models.RoleUser || last.Content.Blocks[0].Type != models.BlockToolResult {
		t.Fatalf("transcript tail = %+v", last)
	}
}

func TestRunStreamingCancelledDuringProviderCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sp := &scriptedProvider{script: []func(context.Context) (*provider.Response, error){
		func(ctx context.Context) (*provider.Response, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	conv := conversation.New(sp, conversation.Options{Model: "m"})

	rec := &eventRecorder{}
	start := time.Now()
	err := NewRunner(nil, nil).RunStreaming(ctx, conv, "go", rec.emit)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("RunStreaming() error = %v, want ErrCancelled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation was not prompt")
	}
	got := rec.types()
	if len(got) != 1 || got[0] != EventCancelled {
		t.Fatalf("events = %v", got)
	}
}
