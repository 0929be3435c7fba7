// Package engine defines the boundary to the external agent execution
// engine: one call in, an ordered typed event stream out, plus a blocking
// authorization callback invoked before each tool run.
package engine

import (
	"context"

	"github.com/agentdesk/agentdesk/pkg/types"
)

// AuthorizeFunc is invoked by the engine before running a tool. It blocks
// until a decision is available; the engine does not emit further events
// while a call is outstanding.
type AuthorizeFunc func(ctx context.Context, req ToolRequest) Decision

// ToolRequest describes one tool invocation awaiting authorization.
type ToolRequest struct {
	Tool        string
	CallID      string
	Input       map[string]any
	Suggestions []types.PermissionSuggestion
}

// Decision is the outcome of an authorization request.
type Decision struct {
	Allow bool
	// Reason accompanies a denial.
	Reason string
	// UpdatedInput, when non-nil, replaces the tool input before the tool
	// runs (used to merge question answers back in).
	UpdatedInput map[string]any
}

// RunRequest starts one engine invocation.
type RunRequest struct {
	// Prompt is the user's message.
	Prompt string
	// Resume is the engine's resumption token from a prior Init event;
	// empty for a fresh conversation.
	Resume string
	// Directory is the working directory the conversation is bound to.
	Directory string
	// Model is the requested model identifier.
	Model string
	// PermissionMode is forwarded to the engine.
	PermissionMode types.PermissionMode
	// Authorize is called before every tool execution.
	Authorize AuthorizeFunc
}

// Engine runs agent conversations.
type Engine interface {
	Run(ctx context.Context, req RunRequest) (Stream, error)
}

// Stream is one engine invocation's ordered event sequence.
type Stream interface {
	// Next returns the next event, blocking until one is available.
	// Returns io.EOF when the stream is exhausted.
	Next(ctx context.Context) (Event, error)
	// SetModel requests a model switch for the remainder of the
	// conversation. Best-effort; the stream continues either way.
	SetModel(ctx context.Context, model string) error
	Close() error
}

// Event is one typed engine event.
type Event interface{ isEvent() }

// InitEvent is the first event of a run: the engine assigns the resumption
// token and reports the resolved model.
type InitEvent struct {
	SessionID string
	Model     string
}

// AssistantEvent is one assistant turn.
type AssistantEvent struct {
	Parts        []types.Part
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// HookEvent is an engine lifecycle notification. HookTurnEnded signals the
// turn truly finished, ahead of the final result event.
type HookEvent struct {
	Name string
}

// HookTurnEnded is the hook name for end-of-turn notifications.
const HookTurnEnded = "turn_ended"

// ResultEvent terminates a successful or failed run.
type ResultEvent struct {
	CostUSD      float64
	Turns        int
	InputTokens  int
	OutputTokens int
	IsError      bool
	ErrorText    string
}

func (InitEvent) isEvent()      {}
func (AssistantEvent) isEvent() {}
func (HookEvent) isEvent()      {}
func (ResultEvent) isEvent()    {}
