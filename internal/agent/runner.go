// Package agent runs the provider/tool loop for one prompt, either
// blocking or streaming events to a client connection.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/relaymesh/relay/internal/conversation"
	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/internal/provider"
)

// Event types streamed to chat clients.
const (
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventCancelled  = "cancelled"
	EventError      = "error"
)

// Event is one frame on the client event stream.
type Event struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// EmitFunc delivers one event to the client. A failed emit aborts the run.
type EmitFunc func(Event) error

// ErrCancelled reports that the run was cancelled; the transcript up to
// the cancellation point is intact and should still be persisted.
var ErrCancelled = errors.New("agent: run cancelled")

// Runner executes agent loops.
type Runner struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRunner builds a Runner. Both arguments may be nil.
func NewRunner(logger *observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{logger: logger, metrics: metrics}
}

func (r *Runner) trackRun() func() {
	if r.metrics == nil {
		return func() {}
	}
	r.metrics.ActiveAgentRuns.Inc()
	return r.metrics.ActiveAgentRuns.Dec
}

// RunBlocking drives the loop to completion and returns the final text.
func (r *Runner) RunBlocking(ctx context.Context, conv *conversation.Conversation, prompt string) (string, error) {
	defer r.trackRun()()
	return conv.RunUntilDone(ctx, prompt)
}

// RunStreaming drives the loop while emitting tool_use, tool_result, and
// terminal events. Cancellation emits a cancelled event and returns
// ErrCancelled; the caller persists the transcript in every outcome.
func (r *Runner) RunStreaming(ctx context.Context, conv *conversation.Conversation, prompt string, emit EmitFunc) error {
	defer r.trackRun()()

	resp, err := conv.Send(ctx, prompt)
	for {
		if err != nil {
			if cancelled(ctx, err) {
				_ = emit(Event{Type: EventCancelled})
				return ErrCancelled
			}
			_ = emit(Event{Type: EventError, Content: err.Error()})
			return err
		}

		if resp.StopReason != provider.StopToolUse {
			return emit(Event{Type: EventDone, Content: resp.Text()})
		}

		for _, use := range resp.ToolUses() {
			input := use.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			if err := emit(Event{Type: EventToolUse, Name: use.Name, Input: input}); err != nil {
				return err
			}
		}

		results := conv.HandleToolUse(ctx, resp)
		if ctx.Err() != nil {
			// Tool results already appended stay in the transcript.
			_ = emit(Event{Type: EventCancelled})
			return ErrCancelled
		}
		for _, result := range results {
			if err := emit(Event{Type: EventToolResult, ToolUseID: result.ToolUseID, Content: result.Content}); err != nil {
				return err
			}
		}

		resp, err = conv.Step(ctx)
	}
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
