package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Subprocess drives an external agent engine over a line-delimited JSON
// protocol: the run request goes to the child's stdin, events arrive one
// JSON object per stdout line, and authorization decisions are written back
// to stdin. Tool authorization therefore blocks the child between events,
// which preserves the per-run total order.
type Subprocess struct {
	command []string
}

// NewSubprocess creates an engine that spawns command for each run.
func NewSubprocess(command []string) *Subprocess {
	return &Subprocess{command: command}
}

type wireEvent struct {
	Type         string                       `json:"type"`
	SessionID    string                       `json:"sessionID,omitempty"`
	Model        string                       `json:"model,omitempty"`
	Parts        []types.Part                 `json:"parts,omitempty"`
	InputTokens  int                          `json:"inputTokens,omitempty"`
	OutputTokens int                          `json:"outputTokens,omitempty"`
	StopReason   string                       `json:"stopReason,omitempty"`
	Name         string                       `json:"name,omitempty"`
	CostUSD      float64                      `json:"costUSD,omitempty"`
	Turns        int                          `json:"turns,omitempty"`
	IsError      bool                         `json:"isError,omitempty"`
	ErrorText    string                       `json:"errorText,omitempty"`
	Tool         string                       `json:"tool,omitempty"`
	CallID       string                       `json:"callID,omitempty"`
	Input        map[string]any               `json:"input,omitempty"`
	Suggestions  []types.PermissionSuggestion `json:"suggestions,omitempty"`
}

type wireCommand struct {
	Type           string               `json:"type"`
	Prompt         string               `json:"prompt,omitempty"`
	Resume         string               `json:"resume,omitempty"`
	Directory      string               `json:"directory,omitempty"`
	Model          string               `json:"model,omitempty"`
	PermissionMode types.PermissionMode `json:"permissionMode,omitempty"`
	CallID         string               `json:"callID,omitempty"`
	Allow          bool                 `json:"allow,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	UpdatedInput   map[string]any       `json:"updatedInput,omitempty"`
}

// Run starts the child process and hands it the run request.
func (e *Subprocess) Run(ctx context.Context, req RunRequest) (Stream, error) {
	if len(e.command) == 0 {
		return nil, errors.New("engine command not configured")
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Dir = req.Directory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &subprocessStream{
		cmd:       cmd,
		stdin:     stdin,
		authorize: req.Authorize,
		events:    make(chan Event, 1),
		errCh:     make(chan error, 1),
	}

	if err := s.write(wireCommand{
		Type:           "run",
		Prompt:         req.Prompt,
		Resume:         req.Resume,
		Directory:      req.Directory,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	}); err != nil {
		cmd.Process.Kill()
		return nil, err
	}

	go s.readLoop(ctx, stdout)

	return s, nil
}

type subprocessStream struct {
	cmd       *exec.Cmd
	authorize AuthorizeFunc

	writeMu sync.Mutex
	stdin   io.WriteCloser

	events chan Event
	errCh  chan error

	waitOnce sync.Once
	waitErr  error
}

// wait reaps the child exactly once; the read loop and Close both funnel
// through it.
func (s *subprocessStream) wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

func (s *subprocessStream) write(cmd wireCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

// readLoop decodes child stdout line by line. Authorization requests are
// handled inline so no later event is read while a decision is pending.
func (s *subprocessStream) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var we wireEvent
		if err := json.Unmarshal(line, &we); err != nil {
			logging.Warn().Err(err).Msg("engine emitted undecodable line")
			continue
		}

		if we.Type == "authorize" {
			s.handleAuthorize(ctx, we)
			continue
		}

		ev := toEvent(we)
		if ev == nil {
			logging.Warn().Str("type", we.Type).Msg("unknown engine event type")
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			s.errCh <- ctx.Err()
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.errCh <- fmt.Errorf("engine stream: %w", err)
		return
	}
	if err := s.wait(); err != nil && ctx.Err() == nil {
		s.errCh <- fmt.Errorf("engine exited: %w", err)
		return
	}
	s.errCh <- io.EOF
}

func (s *subprocessStream) handleAuthorize(ctx context.Context, we wireEvent) {
	decision := Decision{Allow: false, Reason: "no authorization callback"}
	if s.authorize != nil {
		decision = s.authorize(ctx, ToolRequest{
			Tool:        we.Tool,
			CallID:      we.CallID,
			Input:       we.Input,
			Suggestions: we.Suggestions,
		})
	}
	if err := s.write(wireCommand{
		Type:         "decision",
		CallID:       we.CallID,
		Allow:        decision.Allow,
		Reason:       decision.Reason,
		UpdatedInput: decision.UpdatedInput,
	}); err != nil {
		logging.Error().Err(err).Str("callID", we.CallID).Msg("failed to deliver authorization decision")
	}
}

func toEvent(we wireEvent) Event {
	switch we.Type {
	case "init":
		return InitEvent{SessionID: we.SessionID, Model: we.Model}
	case "assistant":
		return AssistantEvent{
			Parts:        we.Parts,
			InputTokens:  we.InputTokens,
			OutputTokens: we.OutputTokens,
			StopReason:   we.StopReason,
		}
	case "hook":
		return HookEvent{Name: we.Name}
	case "result":
		return ResultEvent{
			CostUSD:      we.CostUSD,
			Turns:        we.Turns,
			InputTokens:  we.InputTokens,
			OutputTokens: we.OutputTokens,
			IsError:      we.IsError,
			ErrorText:    we.ErrorText,
		}
	}
	return nil
}

func (s *subprocessStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subprocessStream) SetModel(ctx context.Context, model string) error {
	return s.write(wireCommand{Type: "set_model", Model: model})
}

func (s *subprocessStream) Close() error {
	s.writeMu.Lock()
	s.stdin.Close()
	s.writeMu.Unlock()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	// Reap the child so a cancelled stream never leaves a zombie behind.
	s.wait()
	return nil
}
