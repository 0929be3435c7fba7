package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

func newTestServer(t *testing.T, script engine.ScriptFunc) (*Server, *session.Manager) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	store := storage.New(t.TempDir())
	manager := session.NewManager(engine.NewScripted(script), bus, store, session.Options{
		PersistDebounce: 10 * time.Millisecond,
	})
	t.Cleanup(manager.Shutdown)
	return New(DefaultConfig(), manager, bus), manager
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	return er
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{Directory: "/tmp/project"})
	require.Equal(t, http.StatusOK, rec.Code)

	var created types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "project", created.Title)
	assert.Equal(t, types.StatusIdle, created.Status)

	rec = doJSON(t, srv, http.MethodGet, "/session/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateSession_MissingDirectory(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/session", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, rec).Error.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, "/session/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, rec).Error.Code)
}

func TestListSessions(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	manager.Create("/tmp/a", "", "")
	manager.Create("/tmp/b", "", "")

	rec := doJSON(t, srv, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []*types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestSendMessage_BusyConflict(t *testing.T) {
	release := make(chan struct{})
	srv, manager := newTestServer(t, func(ctx context.Context, req engine.RunRequest, s *engine.ScriptStream) error {
		if err := s.Emit(ctx, engine.InitEvent{SessionID: "e", Model: "m"}); err != nil {
			return err
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return s.Emit(ctx, engine.ResultEvent{Turns: 1})
	})
	defer close(release)

	sess := manager.Create("/tmp/p", "m", "")

	rec := doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Text: "first"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Wait for the stream to be running, then a second message must 409.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := manager.Get(sess.ID)
		require.NoError(t, err)
		if s.Status == types.StatusStreaming {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec = doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Text: "second"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeBusy, decodeError(t, rec).Error.Code)
}

func TestSendMessage_StoppedGone(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	sess := manager.Create("/tmp/p", "m", "")
	require.NoError(t, manager.Stop(sess.ID))

	rec := doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Text: "hi"})
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, ErrCodeTerminated, decodeError(t, rec).Error.Code)
}

func TestSendMessage_EmptyText(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	sess := manager.Create("/tmp/p", "m", "")

	rec := doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMessages(t *testing.T) {
	srv, manager := newTestServer(t, func(ctx context.Context, req engine.RunRequest, s *engine.ScriptStream) error {
		if err := s.Emit(ctx, engine.InitEvent{SessionID: "e", Model: "m"}); err != nil {
			return err
		}
		return s.Emit(ctx, engine.ResultEvent{Turns: 1})
	})
	sess := manager.Create("/tmp/p", "m", "")
	require.NoError(t, manager.Prompt(sess.ID, "hello"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, _ := manager.Get(sess.ID)
		if s != nil && s.Status == types.StatusIdle && len(s.History) >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec := doJSON(t, srv, http.MethodGet, "/session/"+sess.ID+"/message", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var messages []*types.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.NotEmpty(t, messages)
	assert.Equal(t, types.RoleUser, messages[0].Role)

	rec = doJSON(t, srv, http.MethodGet, "/session/"+sess.ID+"/message?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	assert.Len(t, messages, 1)
}

func TestRespondPermission_NoPending(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	sess := manager.Create("/tmp/p", "m", "")

	rec := doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/permission/ghost",
		PermissionResponseRequest{Allow: true})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, rec).Error.Code)
}

func TestPermissionRoundTripOverHTTP(t *testing.T) {
	decisions := make(chan engine.Decision, 1)
	srv, manager := newTestServer(t, func(ctx context.Context, req engine.RunRequest, s *engine.ScriptStream) error {
		if err := s.Emit(ctx, engine.InitEvent{SessionID: "e", Model: "m"}); err != nil {
			return err
		}
		decisions <- req.Authorize(ctx, engine.ToolRequest{Tool: "Bash", CallID: "call-1"})
		return s.Emit(ctx, engine.ResultEvent{Turns: 1})
	})

	sess := manager.Create("/tmp/p", "m", "")
	rec := doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Text: "run it"})
	require.Equal(t, http.StatusOK, rec.Code)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && manager.Registry().PendingCount(sess.ID) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 1, manager.Registry().PendingCount(sess.ID))

	rec = doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/permission/call-1",
		PermissionResponseRequest{Allow: true})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case d := <-decisions:
		assert.True(t, d.Allow)
	case <-time.After(2 * time.Second):
		t.Fatal("decision never delivered")
	}
}

func TestSetMode(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	sess := manager.Create("/tmp/p", "m", "")

	rec := doJSON(t, srv, http.MethodPatch, "/session/"+sess.ID+"/mode",
		SetModeRequest{Mode: types.ModeAcceptEdits})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := manager.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAcceptEdits, got.PermissionMode)

	rec = doJSON(t, srv, http.MethodPatch, "/session/"+sess.ID+"/mode",
		map[string]string{"mode": "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, rec).Error.Code)
}

func TestAbortAndDismiss(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	sess := manager.Create("/tmp/p", "m", "")

	rec := doJSON(t, srv, http.MethodPost, "/session/"+sess.ID+"/abort", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := manager.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)

	rec = doJSON(t, srv, http.MethodDelete, "/session/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = manager.Get(sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestGetStats(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	manager.Create("/tmp/a", "", "")
	manager.Create("/tmp/b", "", "")

	rec := doJSON(t, srv, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st types.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Sessions)
}

func TestEventStream_SnapshotFirst(t *testing.T) {
	srv, manager := newTestServer(t, nil)
	sess := manager.Create("/tmp/p", "m", "")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/event", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	assert.Equal(t, string(event.SnapshotType), eventLine)

	var frame struct {
		Type event.Type `json:"type"`
		Data struct {
			Sessions []*types.Session `json:"sessions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataLine), &frame))
	assert.Equal(t, event.SnapshotType, frame.Type)
	require.Len(t, frame.Data.Sessions, 1)
	assert.Equal(t, sess.ID, frame.Data.Sessions[0].ID)
}
