package session

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/interaction"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Tool names the engine special-cases into richer interactions.
const (
	toolAskUserQuestion = "AskUserQuestion"
	toolExitPlanMode    = "ExitPlanMode"
)

// authorizeFunc builds the engine's tool-authorization callback for one
// session. Each call appends a history entry carrying the interaction
// payload, registers it with the registry, and blocks until a resolution
// path settles it.
func (m *Manager) authorizeFunc(id string) engine.AuthorizeFunc {
	return func(ctx context.Context, req engine.ToolRequest) engine.Decision {
		s, err := m.Get(id)
		if err != nil {
			return engine.Decision{Allow: false, Reason: "session no longer exists"}
		}

		// These modes never round-trip through the human.
		if s.PermissionMode == types.ModeBypass || s.PermissionMode == types.ModeDontAsk {
			logging.Debug().
				Str("sessionID", id).
				Str("tool", req.Tool).
				Str("mode", string(s.PermissionMode)).
				Msg("auto-allowing tool")
			return engine.Decision{Allow: true}
		}

		switch req.Tool {
		case toolAskUserQuestion:
			return m.askQuestion(ctx, id, req)
		case toolExitPlanMode:
			return m.askPlan(ctx, id, s.Preset, req)
		default:
			return m.askPermission(ctx, id, req)
		}
	}
}

// askPermission raises a generic allow/deny prompt.
func (m *Manager) askPermission(ctx context.Context, id string, req engine.ToolRequest) engine.Decision {
	msg := m.interactionMessage(id, types.KindPermission, req)

	outcome, err := m.reg.Ask(ctx, interaction.Request{
		SessionID: id,
		ID:        req.CallID,
		Kind:      types.KindPermission,
		MessageID: msg.ID,
		Tool:      req.Tool,
		Title:     interaction.Title(types.KindPermission, req.Tool),
	})
	if err != nil && outcome.Resolution == "" {
		return engine.Decision{Allow: false, Reason: "cancelled"}
	}
	if !outcome.Allowed() {
		reason := outcome.Reason
		if reason == "" {
			reason = "denied by user"
		}
		return engine.Decision{Allow: false, Reason: reason}
	}
	return engine.Decision{Allow: true}
}

// askQuestion raises a multiple-choice prompt; the human's answers are
// merged back into the tool input before the tool proceeds.
func (m *Manager) askQuestion(ctx context.Context, id string, req engine.ToolRequest) engine.Decision {
	msg := m.interactionMessage(id, types.KindQuestion, req)

	outcome, err := m.reg.Ask(ctx, interaction.Request{
		SessionID: id,
		ID:        req.CallID,
		Kind:      types.KindQuestion,
		MessageID: msg.ID,
		Tool:      req.Tool,
		Title:     interaction.Title(types.KindQuestion, req.Tool),
	})
	if err != nil && outcome.Resolution == "" {
		return engine.Decision{Allow: false, Reason: "cancelled"}
	}
	if !outcome.Allowed() {
		reason := outcome.Reason
		if reason == "" {
			reason = "question dismissed"
		}
		return engine.Decision{Allow: false, Reason: reason}
	}

	updated := make(map[string]any, len(req.Input)+1)
	for k, v := range req.Input {
		updated[k] = v
	}
	updated["answers"] = outcome.Answers
	return engine.Decision{Allow: true, UpdatedInput: updated}
}

// askPlan raises a plan approval. Acceptance switches the permission mode
// back to default and, for the deep-plan preset, requests a model downgrade
// from the stream; both sub-steps run inside the settle path, before the
// session's status may leave needs_input. The model switch is best-effort:
// failure is logged and never blocks the approval outcome.
func (m *Manager) askPlan(ctx context.Context, id, preset string, req engine.ToolRequest) engine.Decision {
	msg := m.interactionMessage(id, types.KindPlan, req)

	beforeSettle := func(outcome interaction.Outcome) {
		if outcome.Resolution != types.ResolutionAccepted {
			return
		}
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok {
			s.PermissionMode = types.ModeDefault
			s.Time.Updated = time.Now().UnixMilli()
		}
		var stream engine.Stream
		if active := m.streams[id]; active != nil {
			stream = active.stream
		}
		m.mu.Unlock()

		if preset == types.PresetDeepPlan && m.opts.ExecutionModel != "" {
			if stream == nil {
				logging.Warn().Str("sessionID", id).Msg("plan accepted but no active stream for model switch")
			} else if err := stream.SetModel(context.Background(), m.opts.ExecutionModel); err != nil {
				logging.Error().Err(err).
					Str("sessionID", id).
					Str("model", m.opts.ExecutionModel).
					Msg("model downgrade after plan acceptance failed")
			} else {
				m.mu.Lock()
				if s, ok := m.sessions[id]; ok {
					s.ResolvedModel = m.opts.ExecutionModel
				}
				m.mu.Unlock()
			}
		}
		m.gateway.Schedule(id)
	}

	outcome, err := m.reg.Ask(ctx, interaction.Request{
		SessionID:    id,
		ID:           req.CallID,
		Kind:         types.KindPlan,
		MessageID:    msg.ID,
		Tool:         req.Tool,
		Title:        interaction.Title(types.KindPlan, req.Tool),
		BeforeSettle: beforeSettle,
	})
	if err != nil && outcome.Resolution == "" {
		return engine.Decision{Allow: false, Reason: "cancelled"}
	}
	if outcome.Resolution == types.ResolutionAccepted {
		return engine.Decision{Allow: true}
	}

	reason := outcome.Feedback
	if reason == "" {
		reason = outcome.Reason
	}
	if reason == "" {
		reason = "plan not accepted"
	}
	return engine.Decision{Allow: false, Reason: reason}
}

// interactionMessage appends the history entry carrying a pending
// interaction's payload.
func (m *Manager) interactionMessage(id string, kind types.InteractionKind, req engine.ToolRequest) *types.Message {
	now := time.Now().UnixMilli()
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: id,
		Role:      types.RoleAssistant,
		Time:      types.MessageTime{Created: now},
		Interact: &types.Interaction{
			Kind:      kind,
			RequestID: req.CallID,
			Tool:      req.Tool,
			Input:     req.Input,
			Suggested: req.Suggestions,
		},
	}
	switch kind {
	case types.KindQuestion:
		msg.Interact.Questions = parseQuestions(req.Input)
	case types.KindPlan:
		if plan, ok := req.Input["plan"].(string); ok {
			msg.Interact.Plan = plan
		}
	}
	m.appendMessage(id, msg)
	return msg
}

// parseQuestions decodes the AskUserQuestion tool input: a list of question
// items, each with option labels and an optional freeform affordance.
func parseQuestions(input map[string]any) []types.QuestionItem {
	raw, ok := input["questions"].([]any)
	if !ok {
		return nil
	}
	items := make([]types.QuestionItem, 0, len(raw))
	for _, entry := range raw {
		q, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := types.QuestionItem{}
		if v, ok := q["question"].(string); ok {
			item.Question = v
		}
		if v, ok := q["header"].(string); ok {
			item.Header = v
		}
		if v, ok := q["allowFreeform"].(bool); ok {
			item.AllowFreeform = v
		}
		if opts, ok := q["options"].([]any); ok {
			for _, o := range opts {
				switch ov := o.(type) {
				case string:
					item.Options = append(item.Options, ov)
				case map[string]any:
					if label, ok := ov["label"].(string); ok {
						item.Options = append(item.Options, label)
					}
				}
			}
		}
		items = append(items, item)
	}
	return items
}
