package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// storageScope is the path prefix for durable session documents.
const storageScope = "sessions"

// Gateway mirrors the durable subset of each session to disk with a
// dual-cadence write policy: Schedule coalesces writes within the debounce
// window, Flush writes synchronously for transitions that must survive a
// crash. Both paths share one serializer.
type Gateway struct {
	store    *storage.Store
	debounce time.Duration
	source   func(id string) (*types.Session, bool)

	mu      sync.Mutex
	closed  bool
	timers  map[string]*time.Timer
	retries map[string]backoff.BackOff
}

// NewGateway creates a gateway reading session snapshots through source.
func NewGateway(store *storage.Store, debounce time.Duration, source func(id string) (*types.Session, bool)) *Gateway {
	return &Gateway{
		store:    store,
		debounce: debounce,
		source:   source,
		timers:   make(map[string]*time.Timer),
		retries:  make(map[string]backoff.BackOff),
	}
}

// Schedule arranges a debounced write. Calls within the window coalesce.
func (g *Gateway) Schedule(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	if _, pending := g.timers[id]; pending {
		return
	}
	g.timers[id] = time.AfterFunc(g.debounce, func() {
		g.mu.Lock()
		delete(g.timers, id)
		g.mu.Unlock()
		g.write(id)
	})
}

// Flush cancels any scheduled write and persists immediately.
func (g *Gateway) Flush(id string) {
	g.mu.Lock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
	g.mu.Unlock()
	g.write(id)
}

// Delete removes the durable copy and any scheduled write.
func (g *Gateway) Delete(id string) {
	g.mu.Lock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
	delete(g.retries, id)
	g.mu.Unlock()

	if err := g.store.Delete([]string{storageScope, id}); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("failed to delete durable session")
	}
}

// write is the shared serializer behind both cadences. Persistence faults
// never block the in-memory state machine: failures are logged and retried
// on a later window with backing-off delays.
func (g *Gateway) write(id string) {
	sess, ok := g.source(id)
	if !ok {
		return
	}

	if err := g.store.Put([]string{storageScope, id}, sess); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("session persist failed")
		g.retryLater(id)
		return
	}

	g.mu.Lock()
	delete(g.retries, id)
	g.mu.Unlock()
}

// Close stops every scheduled write and refuses new ones. Callers flush
// anything that must survive before closing.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
	g.retries = make(map[string]backoff.BackOff)
}

func (g *Gateway) retryLater(id string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	b, ok := g.retries[id]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = g.debounce
		eb.MaxInterval = 30 * time.Second
		eb.MaxElapsedTime = 0
		b = eb
		g.retries[id] = b
	}
	delay := b.NextBackOff()
	if _, pending := g.timers[id]; pending {
		g.mu.Unlock()
		return
	}
	g.timers[id] = time.AfterFunc(delay, func() {
		g.mu.Lock()
		delete(g.timers, id)
		g.mu.Unlock()
		g.write(id)
	})
	g.mu.Unlock()
}

// Load restores every durable session. Absent or corrupt files are skipped
// with a warning, never fatal. Transient statuses are normalized to idle
// and unresolved interaction entries stamped expired: blocking promises do
// not survive a restart.
func (g *Gateway) Load() ([]*types.Session, error) {
	var sessions []*types.Session

	err := g.store.Scan([]string{storageScope}, func(key string, data json.RawMessage) error {
		var s types.Session
		if err := json.Unmarshal(data, &s); err != nil {
			logging.Warn().Err(err).Str("sessionID", key).Msg("skipping corrupt session file")
			return nil
		}
		normalizeLoaded(&s)
		sessions = append(sessions, &s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func normalizeLoaded(s *types.Session) {
	if s.Status.Transient() {
		s.Status = types.StatusIdle
	}
	s.TurnStartedAt = nil
	if s.History == nil {
		s.History = []*types.Message{}
	}
	for _, msg := range s.History {
		if msg.Interact != nil && !msg.Interact.Resolved() {
			msg.Interact.Resolution = types.ResolutionExpired
		}
	}
}
