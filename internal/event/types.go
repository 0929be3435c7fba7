package event

import "github.com/agentdesk/agentdesk/pkg/types"

// SessionData carries a full session snapshot for session.* events.
type SessionData struct {
	Info *types.Session `json:"info"`
}

// SessionIdleData is the payload for session.idle events.
type SessionIdleData struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorData is the payload for session.error events.
type SessionErrorData struct {
	SessionID string `json:"sessionID"`
	Message   string `json:"message"`
}

// MessageData carries a history entry for message.* events. The same shape
// is republished when an interaction's resolution is stamped in place.
type MessageData struct {
	SessionID string         `json:"sessionID"`
	Info      *types.Message `json:"info"`
}

// InteractionRequestedData is the payload for interaction.requested events.
type InteractionRequestedData struct {
	SessionID string                `json:"sessionID"`
	RequestID string                `json:"requestID"`
	Kind      types.InteractionKind `json:"kind"`
	Tool      string                `json:"tool,omitempty"`
	Title     string                `json:"title"`
}

// InteractionResolvedData is the payload for interaction.resolved events.
type InteractionResolvedData struct {
	SessionID  string                `json:"sessionID"`
	RequestID  string                `json:"requestID"`
	Kind       types.InteractionKind `json:"kind"`
	Resolution string                `json:"resolution"`
}

// HeaderData is the payload for session.header events, the compact status
// snapshot pushed on every status change.
type HeaderData struct {
	Header types.Header `json:"header"`
}

// StatsData is the payload for stats.updated events.
type StatsData struct {
	Stats types.Stats `json:"stats"`
}

// AttentionData is the payload for attention events, the notice observers
// turn into a desktop notification.
type AttentionData struct {
	SessionID string `json:"sessionID"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
}

// SnapshotData is the payload for the snapshot event sent once when an SSE
// stream opens, carrying the full session list so clients start consistent.
type SnapshotData struct {
	Sessions []*types.Session `json:"sessions"`
}

// SessionOf extracts the session an event belongs to, for per-session
// subscription filtering. Returns "" for events with no session affinity.
func SessionOf(e Event) string {
	switch data := e.Data.(type) {
	case SessionData:
		if data.Info != nil {
			return data.Info.ID
		}
	case SessionIdleData:
		return data.SessionID
	case SessionErrorData:
		return data.SessionID
	case MessageData:
		return data.SessionID
	case InteractionRequestedData:
		return data.SessionID
	case InteractionResolvedData:
		return data.SessionID
	case AttentionData:
		return data.SessionID
	case HeaderData:
		return data.Header.ID
	}
	return ""
}
