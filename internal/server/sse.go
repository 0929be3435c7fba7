package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
)

// SSEHeartbeatInterval is the interval for SSE heartbeat comments.
const SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE frame and flushes it.
func (s *sseWriter) writeEvent(e event.Event) error {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, jsonData); err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the raw flusher if it cannot.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// events handles GET /event. The stream opens with a session-list snapshot
// so a reconnecting client never has to diff against missed events; an
// optional sessionID query narrows the stream to one session.
func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	snapshot := event.Event{
		Type: event.SnapshotType,
		Data: event.SnapshotData{Sessions: srv.sessions.List()},
	}
	if err := sse.writeEvent(snapshot); err != nil {
		return
	}

	// Small buffer keeps latency low; a stalled client drops events rather
	// than blocking the bus.
	events := make(chan event.Event, 10)

	unsub := srv.bus.SubscribeAll(func(e event.Event) {
		if sessionID != "" {
			owner := event.SessionOf(e)
			if owner != "" && owner != sessionID {
				return
			}
		}
		select {
		case events <- e:
		default:
			logging.Warn().
				Str("eventType", string(e.Type)).
				Msg("SSE event dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := sse.writeEvent(e); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
