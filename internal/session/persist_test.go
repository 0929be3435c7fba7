package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

type snapshotSource struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	reads    int
}

func (s *snapshotSource) get(id string) (*types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	sess, ok := s.sessions[id]
	return sess, ok
}

func newSource(sessions ...*types.Session) *snapshotSource {
	src := &snapshotSource{sessions: map[string]*types.Session{}}
	for _, s := range sessions {
		src.sessions[s.ID] = s
	}
	return src
}

func TestGateway_FlushRoundTrip(t *testing.T) {
	store := storage.New(t.TempDir())
	sess := &types.Session{
		ID:              "s1",
		EngineSessionID: "eng-1",
		Directory:       "/tmp/p",
		Title:           "p",
		Status:          types.StatusIdle,
		Model:           "m",
		PermissionMode:  types.ModeDefault,
		CostUSD:         0.25,
		Turns:           3,
		History: []*types.Message{
			{ID: "m1", SessionID: "s1", Role: types.RoleUser, Text: "hi"},
		},
	}
	g := NewGateway(store, time.Hour, newSource(sess).get)

	g.Flush("s1")

	loaded, err := g.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "eng-1", got.EngineSessionID)
	assert.Equal(t, types.StatusIdle, got.Status)
	assert.InDelta(t, 0.25, got.CostUSD, 1e-9)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hi", got.History[0].Text)
}

func TestGateway_ScheduleCoalesces(t *testing.T) {
	store := storage.New(t.TempDir())
	src := newSource(&types.Session{ID: "s1", Status: types.StatusIdle})
	g := NewGateway(store, 20*time.Millisecond, src.get)

	for i := 0; i < 10; i++ {
		g.Schedule("s1")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !store.Exists([]string{"sessions", "s1"}) {
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, store.Exists([]string{"sessions", "s1"}))

	src.mu.Lock()
	reads := src.reads
	src.mu.Unlock()
	assert.Equal(t, 1, reads, "burst of schedules should produce one write")
}

func TestGateway_FlushCancelsScheduled(t *testing.T) {
	store := storage.New(t.TempDir())
	src := newSource(&types.Session{ID: "s1", Status: types.StatusIdle})
	g := NewGateway(store, 50*time.Millisecond, src.get)

	g.Schedule("s1")
	g.Flush("s1")
	require.True(t, store.Exists([]string{"sessions", "s1"}))

	// The cancelled timer must not fire a second write.
	time.Sleep(80 * time.Millisecond)
	src.mu.Lock()
	reads := src.reads
	src.mu.Unlock()
	assert.Equal(t, 1, reads)
}

func TestGateway_CloseStopsScheduledWrites(t *testing.T) {
	store := storage.New(t.TempDir())
	src := newSource(&types.Session{ID: "s1", Status: types.StatusIdle})
	g := NewGateway(store, 20*time.Millisecond, src.get)

	g.Schedule("s1")
	g.Close()

	// Neither the cancelled timer nor a new schedule may write.
	g.Schedule("s1")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, store.Exists([]string{"sessions", "s1"}))

	src.mu.Lock()
	reads := src.reads
	src.mu.Unlock()
	assert.Equal(t, 0, reads)
}

func TestGateway_DeleteRemovesDurableCopy(t *testing.T) {
	store := storage.New(t.TempDir())
	g := NewGateway(store, time.Hour, newSource(&types.Session{ID: "s1"}).get)

	g.Flush("s1")
	require.True(t, store.Exists([]string{"sessions", "s1"}))

	g.Delete("s1")
	assert.False(t, store.Exists([]string{"sessions", "s1"}))
}

func TestGateway_WriteSkipsVanishedSession(t *testing.T) {
	store := storage.New(t.TempDir())
	g := NewGateway(store, time.Hour, newSource().get)

	g.Flush("ghost")
	assert.False(t, store.Exists([]string{"sessions", "ghost"}))
}

func TestGateway_LoadNormalizesTransientStatus(t *testing.T) {
	store := storage.New(t.TempDir())
	turnStart := time.Now().UnixMilli()

	for _, tc := range []struct {
		id     string
		status types.SessionStatus
		want   types.SessionStatus
	}{
		{"starting", types.StatusStarting, types.StatusIdle},
		{"streaming", types.StatusStreaming, types.StatusIdle},
		{"needs-input", types.StatusNeedsInput, types.StatusIdle},
		{"error", types.StatusError, types.StatusError},
		{"stopped", types.StatusStopped, types.StatusStopped},
	} {
		require.NoError(t, store.Put([]string{"sessions", tc.id}, &types.Session{
			ID:            tc.id,
			Status:        tc.status,
			TurnStartedAt: &turnStart,
		}))
	}

	g := NewGateway(store, time.Hour, newSource().get)
	loaded, err := g.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 5)

	byID := map[string]*types.Session{}
	for _, s := range loaded {
		byID[s.ID] = s
	}
	assert.Equal(t, types.StatusIdle, byID["starting"].Status)
	assert.Equal(t, types.StatusIdle, byID["streaming"].Status)
	assert.Equal(t, types.StatusIdle, byID["needs-input"].Status)
	assert.Equal(t, types.StatusError, byID["error"].Status)
	assert.Equal(t, types.StatusStopped, byID["stopped"].Status)
	for _, s := range loaded {
		assert.Nil(t, s.TurnStartedAt)
	}
}

func TestGateway_LoadStampsUnresolvedInteractionsExpired(t *testing.T) {
	store := storage.New(t.TempDir())
	require.NoError(t, store.Put([]string{"sessions", "s1"}, &types.Session{
		ID:     "s1",
		Status: types.StatusNeedsInput,
		History: []*types.Message{
			{
				ID:       "m1",
				Role:     types.RoleAssistant,
				Interact: &types.Interaction{Kind: types.KindPermission, RequestID: "call-1"},
			},
			{
				ID:   "m2",
				Role: types.RoleAssistant,
				Interact: &types.Interaction{
					Kind:       types.KindPermission,
					RequestID:  "call-0",
					Resolution: types.ResolutionAllowed,
				},
			},
		},
	}))

	g := NewGateway(store, time.Hour, newSource().get)
	loaded, err := g.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	history := loaded[0].History
	require.Len(t, history, 2)
	assert.Equal(t, types.ResolutionExpired, history[0].Interact.Resolution)
	assert.Equal(t, types.ResolutionAllowed, history[1].Interact.Resolution,
		"settled interactions keep their resolution")
}

func TestGateway_LoadSkipsCorruptFiles(t *testing.T) {
	store := storage.New(t.TempDir())
	require.NoError(t, store.Put([]string{"sessions", "good"}, &types.Session{ID: "good", Status: types.StatusIdle}))
	require.NoError(t, store.Put([]string{"sessions", "bad"}, "not a session object"))

	g := NewGateway(store, time.Hour, newSource().get)
	loaded, err := g.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "good", loaded[0].ID)
}

func TestGateway_LoadEmptyStore(t *testing.T) {
	g := NewGateway(storage.New(t.TempDir()), time.Hour, newSource().get)
	loaded, err := g.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
