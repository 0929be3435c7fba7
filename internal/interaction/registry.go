// Package interaction turns the engine's "ask the human" callback into a
// cancellable, exactly-once-resolved blocking call.
package interaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Request identifies one pending interaction. ID is the engine's tool
// invocation ID; MessageID is the history entry carrying the payload.
type Request struct {
	SessionID string
	ID        string
	Kind      types.InteractionKind
	MessageID string
	Tool      string
	Title     string

	// BeforeSettle, when set, runs inside the winning settle path before the
	// owner's status recomputation. Plan approvals use it so the permission
	// mode switch and model downgrade complete before status can leave
	// needs_input.
	BeforeSettle func(Outcome)
}

// Outcome is the settled result of an interaction.
type Outcome struct {
	// Resolution is one of the types.Resolution* values.
	Resolution string
	// Reason accompanies a denial.
	Reason string
	// Answers maps question text to the chosen (or freeform) answer.
	Answers map[string]string
	// Feedback is the revision request accompanying a rejected plan.
	Feedback string
}

// Allowed reports whether the blocked tool call may proceed.
func (o Outcome) Allowed() bool {
	switch o.Resolution {
	case types.ResolutionAllowed, types.ResolutionAnswered, types.ResolutionAccepted:
		return true
	}
	return false
}

// Hooks are the session-side callbacks invoked on registration and on every
// settle, from all resolution paths identically.
type Hooks struct {
	// OnRegistered runs after a pending entry is installed.
	OnRegistered func(sessionID string)
	// OnSettled runs after a pending entry is removed, so the owner can
	// recompute needs_input vs streaming.
	OnSettled func(sessionID string)
	// StampResolution records the outcome on the originating history entry
	// and republishes it.
	StampResolution func(sessionID, messageID, resolution string)
}

type pending struct {
	req   Request
	done  chan Outcome
	timer *time.Timer
	once  sync.Once
}

// Registry holds every pending interaction, keyed by session and request ID.
type Registry struct {
	timeout time.Duration
	bus     *event.Bus
	hooks   Hooks

	mu        sync.Mutex
	bySession map[string][]*pending
}

// NewRegistry creates a registry. A zero timeout disables auto-deny.
func NewRegistry(timeout time.Duration, bus *event.Bus, hooks Hooks) *Registry {
	return &Registry{
		timeout:   timeout,
		bus:       bus,
		hooks:     hooks,
		bySession: make(map[string][]*pending),
	}
}

// Ask registers req and blocks until one resolution path settles it:
// an explicit Resolve, the timeout, SettleAll, or supersession by a newer
// plan request. Exactly one path wins; the rest are no-ops.
func (r *Registry) Ask(ctx context.Context, req Request) (Outcome, error) {
	// The engine never has two plan approvals outstanding for one session,
	// but guard anyway: the newer plan wins.
	if req.Kind == types.KindPlan {
		r.supersedePlan(req.SessionID)
	}

	p := &pending{
		req:  req,
		done: make(chan Outcome, 1),
	}

	// The timer is armed before the entry becomes visible in bySession:
	// every other resolution path finds p through the map under r.mu, so
	// its read of p.timer is ordered after this write.
	if r.timeout > 0 {
		p.timer = time.AfterFunc(r.timeout, func() {
			r.settle(p, Outcome{Resolution: types.ResolutionTimedOut, Reason: "timed out"})
		})
	}

	r.mu.Lock()
	r.bySession[req.SessionID] = append(r.bySession[req.SessionID], p)
	r.mu.Unlock()

	if r.hooks.OnRegistered != nil {
		r.hooks.OnRegistered(req.SessionID)
	}

	r.bus.Publish(event.Event{
		Type: event.InteractionRequested,
		Data: event.InteractionRequestedData{
			SessionID: req.SessionID,
			RequestID: req.ID,
			Kind:      req.Kind,
			Tool:      req.Tool,
			Title:     req.Title,
		},
	})
	r.bus.Publish(event.Event{
		Type: event.Attention,
		Data: event.AttentionData{SessionID: req.SessionID, Title: req.Title},
	})

	select {
	case outcome := <-p.done:
		return outcome, nil
	case <-ctx.Done():
		// The stream was cancelled underneath us; make sure the entry is
		// gone so status recomputation sees it settled.
		r.settle(p, Outcome{Resolution: types.ResolutionDenied, Reason: "cancelled"})
		return <-p.done, ctx.Err()
	}
}

// Resolve settles a pending interaction by request ID. Returns false when
// no such interaction is pending (including when it already settled).
func (r *Registry) Resolve(sessionID, requestID string, outcome Outcome) bool {
	r.mu.Lock()
	var target *pending
	for _, p := range r.bySession[sessionID] {
		if p.req.ID == requestID {
			target = p
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	return r.settle(target, outcome)
}

// SettleAll force-settles every outstanding interaction for a session with
// a deny outcome, in registration order. Used by session stop and dismissal
// before the stream is cancelled. Returns the number settled.
func (r *Registry) SettleAll(sessionID, reason string) int {
	r.mu.Lock()
	targets := append([]*pending(nil), r.bySession[sessionID]...)
	r.mu.Unlock()

	n := 0
	for _, p := range targets {
		if r.settle(p, Outcome{Resolution: types.ResolutionDenied, Reason: reason}) {
			n++
		}
	}
	return n
}

// Pending returns the pending requests for a session in registration order.
func (r *Registry) Pending(sessionID string) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	reqs := make([]Request, 0, len(r.bySession[sessionID]))
	for _, p := range r.bySession[sessionID] {
		reqs = append(reqs, p.req)
	}
	return reqs
}

// PendingCount returns how many interactions are outstanding for a session.
func (r *Registry) PendingCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession[sessionID])
}

// supersedePlan settles any outstanding plan approval for the session.
func (r *Registry) supersedePlan(sessionID string) {
	r.mu.Lock()
	var target *pending
	for _, p := range r.bySession[sessionID] {
		if p.req.Kind == types.KindPlan {
			target = p
			break
		}
	}
	r.mu.Unlock()

	if target != nil {
		logging.Warn().
			Str("sessionID", sessionID).
			Str("requestID", target.req.ID).
			Msg("superseding pending plan approval")
		r.settle(target, Outcome{Resolution: types.ResolutionSuperseded, Reason: "superseded by a newer plan"})
	}
}

// settle resolves p exactly once. Later calls from racing paths are no-ops.
func (r *Registry) settle(p *pending, outcome Outcome) bool {
	won := false
	p.once.Do(func() {
		won = true

		if p.timer != nil {
			p.timer.Stop()
		}

		r.mu.Lock()
		entries := r.bySession[p.req.SessionID]
		for i, e := range entries {
			if e == p {
				r.bySession[p.req.SessionID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(r.bySession[p.req.SessionID]) == 0 {
			delete(r.bySession, p.req.SessionID)
		}
		r.mu.Unlock()

		p.done <- outcome

		if p.req.BeforeSettle != nil {
			p.req.BeforeSettle(outcome)
		}
		if r.hooks.StampResolution != nil {
			r.hooks.StampResolution(p.req.SessionID, p.req.MessageID, outcome.Resolution)
		}
		if r.hooks.OnSettled != nil {
			r.hooks.OnSettled(p.req.SessionID)
		}

		r.bus.Publish(event.Event{
			Type: event.InteractionResolved,
			Data: event.InteractionResolvedData{
				SessionID:  p.req.SessionID,
				RequestID:  p.req.ID,
				Kind:       p.req.Kind,
				Resolution: outcome.Resolution,
			},
		})
	})
	return won
}

// Title builds the observer-facing label for an interaction request.
func Title(kind types.InteractionKind, tool string) string {
	switch kind {
	case types.KindQuestion:
		return "The agent has a question"
	case types.KindPlan:
		return "Plan ready for review"
	default:
		return fmt.Sprintf("Permission requested: %s", tool)
	}
}
