package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/pkg/types"
)

type runParams struct {
	prompt    string
	resume    string
	directory string
	model     string
	mode      types.PermissionMode
}

// consume drives one engine invocation to completion. Events are processed
// strictly in emission order; a blocking interaction raised by one event
// completes before the next event is read. One session's consumer never
// blocks another's.
func (m *Manager) consume(ctx context.Context, id string, active *activeStream, run runParams) {
	defer m.finishStream(id, active)

	stream, err := m.eng.Run(ctx, engine.RunRequest{
		Prompt:         run.prompt,
		Resume:         run.resume,
		Directory:      run.directory,
		Model:          run.model,
		PermissionMode: run.mode,
		Authorize:      m.authorizeFunc(id),
	})
	if err != nil {
		m.markError(id, err)
		return
	}
	defer stream.Close()

	m.mu.Lock()
	active.stream = stream
	m.mu.Unlock()

	sawResult := false
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				// Deliberate cancellation; the stop path already set the
				// terminal status.
				return
			}
			m.markError(id, err)
			return
		}

		// Re-fetch before applying: a late event from a cancelled stream
		// must never mutate a session that has since been dismissed or
		// stopped.
		if !m.accepting(id) {
			logging.Debug().Str("sessionID", id).Msg("discarding event for removed or stopped session")
			return
		}

		switch e := ev.(type) {
		case engine.InitEvent:
			m.applyInit(id, e)
		case engine.AssistantEvent:
			m.applyAssistant(id, e)
		case engine.HookEvent:
			if e.Name == engine.HookTurnEnded {
				m.applyTurnEnded(id)
			}
		case engine.ResultEvent:
			sawResult = true
			m.applyResult(id, e)
		}
	}

	if !sawResult {
		// Premature close without a terminal result is not an error; the
		// session just goes back to idle.
		m.applyTurnEnded(id)
	}
}

// accepting reports whether stream events may still be applied: the session
// must exist and not be terminally stopped.
func (m *Manager) accepting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && s.Status != types.StatusStopped
}

// finishStream discards the stream handle, unless a newer turn already
// replaced it.
func (m *Manager) finishStream(id string, active *activeStream) {
	m.mu.Lock()
	if m.streams[id] == active {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	active.cancel()
}

// applyInit records the engine's resumption token and resolved model and
// moves the session to streaming.
func (m *Manager) applyInit(id string, e engine.InitEvent) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.EngineSessionID == "" {
		s.EngineSessionID = e.SessionID
	}
	s.ResolvedModel = e.Model
	if s.Status == types.StatusStarting {
		s.Status = types.StatusStreaming
	}
	s.Time.Updated = time.Now().UnixMilli()
	snap := snapshotOf(s)
	m.mu.Unlock()

	// The resumption token must survive a crash from the moment it exists.
	m.gateway.Flush(id)
	m.publishSession(snap)
}

// applyAssistant appends the assistant turn and accumulates token usage.
func (m *Manager) applyAssistant(id string, e engine.AssistantEvent) {
	now := time.Now().UnixMilli()
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: id,
		Role:      types.RoleAssistant,
		Time:      types.MessageTime{Created: now},
		Parts:     e.Parts,
	}
	for _, p := range e.Parts {
		if p.Type == types.PartText {
			msg.Text += p.Text
		}
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.InputTokens += e.InputTokens
		s.OutputTokens += e.OutputTokens
	}
	m.mu.Unlock()

	m.appendMessage(id, msg)
}

// applyTurnEnded moves a session back to idle ahead of (or instead of) the
// final result event.
func (m *Manager) applyTurnEnded(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.Status == types.StatusStopped || s.Status == types.StatusError {
		m.mu.Unlock()
		return
	}
	changed := s.Status != types.StatusIdle
	s.Status = types.StatusIdle
	s.TurnStartedAt = nil
	s.Time.Updated = time.Now().UnixMilli()
	snap := snapshotOf(s)
	m.mu.Unlock()

	if changed {
		m.gateway.Schedule(id)
		m.publishSession(snap)
		m.bus.Publish(event.Event{Type: event.SessionIdle, Data: event.SessionIdleData{SessionID: id}})
	}
}

// applyResult applies the terminal result: counters, a result history
// entry, and the final status.
func (m *Manager) applyResult(id string, e engine.ResultEvent) {
	now := time.Now().UnixMilli()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.CostUSD += e.CostUSD
	s.Turns += e.Turns
	s.InputTokens += e.InputTokens
	s.OutputTokens += e.OutputTokens
	if s.Status != types.StatusStopped {
		if e.IsError {
			s.Status = types.StatusError
		} else {
			s.Status = types.StatusIdle
		}
	}
	s.TurnStartedAt = nil
	s.Time.Updated = now
	snap := snapshotOf(s)
	m.mu.Unlock()

	text := "turn complete"
	if e.IsError {
		text = e.ErrorText
	}
	resultMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: id,
		Role:      types.RoleResult,
		Time:      types.MessageTime{Created: now},
		Text:      text,
	}
	m.appendMessage(id, resultMsg)

	// The final result must survive a crash.
	m.gateway.Flush(id)
	m.publishSession(snap)
	m.publishStats()
	if e.IsError {
		m.bus.Publish(event.Event{Type: event.SessionError, Data: event.SessionErrorData{SessionID: id, Message: e.ErrorText}})
	} else {
		m.bus.Publish(event.Event{Type: event.SessionIdle, Data: event.SessionIdleData{SessionID: id}})
	}
}

// markError records a stream fault. Stopping is deliberate and terminal; a
// late exception from the aborted stream must not overwrite it.
func (m *Manager) markError(id string, cause error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status == types.StatusStopped {
		m.mu.Unlock()
		return
	}
	s.Status = types.StatusError
	s.TurnStartedAt = nil
	now := time.Now().UnixMilli()
	s.Time.Updated = now
	snap := snapshotOf(s)
	m.mu.Unlock()

	logging.Error().Err(cause).Str("sessionID", id).Msg("engine stream failed")

	m.appendMessage(id, &types.Message{
		ID:        ulid.Make().String(),
		SessionID: id,
		Role:      types.RoleSystem,
		Time:      types.MessageTime{Created: now},
		Text:      "stream error: " + cause.Error(),
	})
	m.gateway.Flush(id)
	m.publishSession(snap)
	m.bus.Publish(event.Event{Type: event.SessionError, Data: event.SessionErrorData{SessionID: id, Message: cause.Error()}})
}
