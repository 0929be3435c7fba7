// Package session owns the orchestration core: the session directory, the
// per-session state machine, the engine stream consumer, history windowing,
// and the persistence gateway.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/interaction"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")
	// ErrBusy is returned when a prompt arrives while a stream is active.
	ErrBusy = errors.New("session is busy")
	// ErrTerminated is returned when a prompt arrives after the session stopped.
	ErrTerminated = errors.New("session is stopped")
	// ErrNoPending is returned when a resolution targets no pending interaction.
	ErrNoPending = errors.New("no such pending interaction")
)

// Options configure the manager.
type Options struct {
	HistoryLimit       int
	InteractionTimeout time.Duration
	DefaultModel       string
	ExecutionModel     string
	DefaultMode        types.PermissionMode
	PersistDebounce    time.Duration
}

type activeStream struct {
	cancel context.CancelFunc
	stream engine.Stream
}

// Manager is the session directory and the single owner of all mutable
// session state. Every mutation happens under mu in short, non-blocking
// critical sections; the lock is never held across an engine or channel wait.
type Manager struct {
	eng     engine.Engine
	bus     *event.Bus
	reg     *interaction.Registry
	gateway *Gateway
	opts    Options

	mu       sync.Mutex
	sessions map[string]*types.Session
	streams  map[string]*activeStream
}

// NewManager wires the directory, registry and persistence gateway together.
func NewManager(eng engine.Engine, bus *event.Bus, store *storage.Store, opts Options) *Manager {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = types.ModeDefault
	}
	if opts.PersistDebounce <= 0 {
		opts.PersistDebounce = time.Second
	}

	m := &Manager{
		eng:      eng,
		bus:      bus,
		opts:     opts,
		sessions: make(map[string]*types.Session),
		streams:  make(map[string]*activeStream),
	}
	m.gateway = NewGateway(store, opts.PersistDebounce, m.durableSnapshot)
	m.reg = interaction.NewRegistry(opts.InteractionTimeout, bus, interaction.Hooks{
		OnRegistered:    m.recomputeStatus,
		OnSettled:       m.recomputeStatus,
		StampResolution: m.stampResolution,
	})
	return m
}

// Registry exposes the interaction registry, mainly for tests.
func (m *Manager) Registry() *interaction.Registry { return m.reg }

// Load restores durable sessions from disk. Transient statuses are
// normalized to idle and stale interaction prompts stamped expired, since
// their blocking state did not survive the restart.
func (m *Manager) Load() error {
	sessions, err := m.gateway.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	logging.Info().Int("sessions", len(sessions)).Msg("restored sessions from disk")
	return nil
}

// Create registers a new session bound to directory.
func (m *Manager) Create(directory, model, preset string) *types.Session {
	if model == "" {
		model = m.opts.DefaultModel
	}
	now := time.Now().UnixMilli()
	s := &types.Session{
		ID:             ulid.Make().String(),
		Directory:      directory,
		Title:          types.TitleForDirectory(directory),
		Status:         types.StatusIdle,
		Model:          model,
		Preset:         preset,
		PermissionMode: m.opts.DefaultMode,
		Time:           types.SessionTime{Created: now, Updated: now},
		History:        []*types.Message{},
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	snap := snapshotOf(s)
	m.mu.Unlock()

	// Session creation must survive a crash immediately.
	m.gateway.Flush(s.ID)
	m.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionData{Info: snap}})
	m.publishStats()
	return snap
}

// Get returns a point-in-time snapshot of a session.
func (m *Manager) Get(id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshotOf(s), nil
}

// List returns session snapshots ordered by descending last activity.
func (m *Manager) List() []*types.Session {
	m.mu.Lock()
	out := make([]*types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, snapshotOf(s))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Updated != out[j].Time.Updated {
			return out[i].Time.Updated > out[j].Time.Updated
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// History returns the most recent limit entries of a session's history.
// limit <= 0 returns everything currently retained.
func (m *Manager) History(id string, limit int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	entries := s.History
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*types.Message, len(entries))
	for i, msg := range entries {
		out[i] = copyMessage(msg)
	}
	return out, nil
}

// Stats aggregates usage counters across all sessions.
func (m *Manager) Stats() types.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st types.Stats
	st.Sessions = len(m.sessions)
	for _, s := range m.sessions {
		st.CostUSD += s.CostUSD
		st.InputTokens += s.InputTokens
		st.OutputTokens += s.OutputTokens
		st.Turns += s.Turns
	}
	return st
}

// Prompt submits a user message and starts the engine stream. Rejected with
// ErrBusy while a stream is active and ErrTerminated once stopped; neither
// rejection mutates session state.
func (m *Manager) Prompt(id, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.Status.Busy() || s.Status == types.StatusNeedsInput {
		m.mu.Unlock()
		return ErrBusy
	}
	if s.Status == types.StatusStopped {
		m.mu.Unlock()
		return ErrTerminated
	}

	now := time.Now().UnixMilli()
	userMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: id,
		Role:      types.RoleUser,
		Time:      types.MessageTime{Created: now},
		Text:      text,
	}
	s.History = windowHistory(append(s.History, userMsg), m.opts.HistoryLimit)
	s.Status = types.StatusStarting
	s.TurnStartedAt = &now
	s.Time.Updated = now

	run := runParams{
		prompt:    text,
		resume:    s.EngineSessionID,
		directory: s.Directory,
		model:     s.Model,
		mode:      s.PermissionMode,
	}

	// The stream handle is installed under the same lock that flips the
	// status, so a Stop arriving at any point after Prompt returns finds a
	// stream to cancel. Normal flow never leaves an old handle here, but a
	// stale one must not outlive its turn.
	ctx, cancel := context.WithCancel(context.Background())
	if old := m.streams[id]; old != nil {
		old.cancel()
	}
	active := &activeStream{cancel: cancel}
	m.streams[id] = active

	snap := snapshotOf(s)
	msgSnap := copyMessage(userMsg)
	m.mu.Unlock()

	// Stream start is a critical transition: flush before consuming.
	m.gateway.Flush(id)
	m.bus.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageData{SessionID: id, Info: msgSnap}})
	m.publishSession(snap)

	go m.consume(ctx, id, active, run)
	return nil
}

// Stop forces every outstanding interaction to resolve, cancels the active
// stream, and marks the session terminally stopped.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	alreadyStopped := s.Status == types.StatusStopped
	m.mu.Unlock()

	if alreadyStopped {
		return nil
	}

	// Pending interactions settle before the stream is cancelled so no
	// blocked tool call is left unresolved.
	m.reg.SettleAll(id, "session stopped")

	m.mu.Lock()
	s, ok = m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Status = types.StatusStopped
	s.TurnStartedAt = nil
	s.Time.Updated = time.Now().UnixMilli()
	active := m.streams[id]
	delete(m.streams, id)
	snap := snapshotOf(s)
	m.mu.Unlock()

	if active != nil {
		active.cancel()
	}

	m.gateway.Flush(id)
	m.publishSession(snap)
	return nil
}

// Dismiss stops the session, deletes its durable copy, and removes it from
// the directory.
func (m *Manager) Dismiss(id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}

	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	var snap *types.Session
	if s != nil {
		snap = snapshotOf(s)
	}
	m.mu.Unlock()

	m.gateway.Delete(id)
	if snap != nil {
		m.bus.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionData{Info: snap}})
	}
	m.publishStats()
	return nil
}

// SetPermissionMode changes the session's permission mode.
func (m *Manager) SetPermissionMode(id string, mode types.PermissionMode) error {
	if !types.ValidPermissionMode(mode) {
		return errors.New("invalid permission mode")
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.PermissionMode = mode
	s.Time.Updated = time.Now().UnixMilli()
	snap := snapshotOf(s)
	m.mu.Unlock()

	m.gateway.Schedule(id)
	m.publishSession(snap)
	return nil
}

// RespondPermission settles a pending permission by tool invocation ID.
func (m *Manager) RespondPermission(id, requestID string, allow bool, reason string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	outcome := interaction.Outcome{Resolution: types.ResolutionDenied, Reason: reason}
	if allow {
		outcome = interaction.Outcome{Resolution: types.ResolutionAllowed}
	}
	if !m.reg.Resolve(id, requestID, outcome) {
		return ErrNoPending
	}
	return nil
}

// AnswerQuestion settles a pending question with the human's answer map.
func (m *Manager) AnswerQuestion(id, requestID string, answers map[string]string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	if !m.reg.Resolve(id, requestID, interaction.Outcome{
		Resolution: types.ResolutionAnswered,
		Answers:    answers,
	}) {
		return ErrNoPending
	}
	return nil
}

// RespondPlan accepts a pending plan or sends it back for revision.
func (m *Manager) RespondPlan(id, requestID string, accept bool, feedback string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	outcome := interaction.Outcome{Resolution: types.ResolutionRevised, Feedback: feedback}
	if accept {
		outcome = interaction.Outcome{Resolution: types.ResolutionAccepted}
	}
	if !m.reg.Resolve(id, requestID, outcome) {
		return ErrNoPending
	}
	return nil
}

// Shutdown flushes all sessions and stops active streams. Used on process
// exit; sessions are not marked stopped so they reload as idle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	streams := m.streams
	m.streams = make(map[string]*activeStream)
	m.mu.Unlock()

	for _, active := range streams {
		active.cancel()
	}
	for _, id := range ids {
		m.gateway.Flush(id)
	}
	m.gateway.Close()
}

// recomputeStatus re-derives needs_input vs streaming from the registry.
// Called identically from every interaction registration and settle path.
func (m *Manager) recomputeStatus(id string) {
	pendingCount := m.reg.PendingCount(id)

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	changed := false
	if pendingCount > 0 {
		if s.Status != types.StatusNeedsInput && s.Status != types.StatusStopped {
			s.Status = types.StatusNeedsInput
			changed = true
		}
	} else if s.Status == types.StatusNeedsInput {
		s.Status = types.StatusStreaming
		changed = true
	}
	if changed {
		s.Time.Updated = time.Now().UnixMilli()
	}
	snap := snapshotOf(s)
	m.mu.Unlock()

	if changed {
		m.gateway.Schedule(id)
		m.publishSession(snap)
	}
}

// stampResolution records an interaction's outcome on its history entry in
// place and republishes the entry so observers see the prompt settle.
func (m *Manager) stampResolution(id, messageID, resolution string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	var snap *types.Message
	for _, msg := range s.History {
		if msg.ID == messageID && msg.Interact != nil {
			msg.Interact.Resolution = resolution
			now := time.Now().UnixMilli()
			msg.Time.Updated = &now
			snap = copyMessage(msg)
			break
		}
	}
	m.mu.Unlock()

	if snap != nil {
		m.gateway.Schedule(id)
		m.bus.Publish(event.Event{Type: event.MessageUpdated, Data: event.MessageData{SessionID: id, Info: snap}})
	}
}

// appendMessage adds a history entry under the windowing policy and
// publishes it.
func (m *Manager) appendMessage(id string, msg *types.Message) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.History = windowHistory(append(s.History, msg), m.opts.HistoryLimit)
	s.Time.Updated = time.Now().UnixMilli()
	snap := copyMessage(msg)
	m.mu.Unlock()

	m.gateway.Schedule(id)
	m.bus.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageData{SessionID: id, Info: snap}})
}

func (m *Manager) publishSession(snap *types.Session) {
	m.bus.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionData{Info: snap}})
	m.bus.Publish(event.Event{Type: event.SessionHeader, Data: event.HeaderData{Header: types.HeaderOf(snap)}})
}

func (m *Manager) publishStats() {
	m.bus.Publish(event.Event{Type: event.StatsUpdated, Data: event.StatsData{Stats: m.Stats()}})
}

// durableSnapshot is the gateway's read hook: the durable subset of one
// session, taken under the directory lock.
func (m *Manager) durableSnapshot(id string) (*types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return snapshotOf(s), true
}

// snapshotOf deep-copies the parts of a session that handlers and
// subscribers may hold onto after the lock is released.
func snapshotOf(s *types.Session) *types.Session {
	cp := *s
	if s.TurnStartedAt != nil {
		v := *s.TurnStartedAt
		cp.TurnStartedAt = &v
	}
	cp.History = make([]*types.Message, len(s.History))
	for i, msg := range s.History {
		cp.History[i] = copyMessage(msg)
	}
	return &cp
}

func copyMessage(msg *types.Message) *types.Message {
	cp := *msg
	if msg.Time.Updated != nil {
		v := *msg.Time.Updated
		cp.Time.Updated = &v
	}
	cp.Parts = append([]types.Part(nil), msg.Parts...)
	if msg.Interact != nil {
		ic := *msg.Interact
		cp.Interact = &ic
	}
	return &cp
}
