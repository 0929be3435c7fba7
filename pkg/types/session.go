// Package types defines the shared data model for agentdesk.
package types

import "path/filepath"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusStarting   SessionStatus = "starting"
	StatusStreaming  SessionStatus = "streaming"
	StatusNeedsInput SessionStatus = "needs_input"
	StatusIdle       SessionStatus = "idle"
	StatusError      SessionStatus = "error"
	StatusStopped    SessionStatus = "stopped"
)

// Busy reports whether a new prompt must be rejected in this state.
func (s SessionStatus) Busy() bool {
	return s == StatusStarting || s == StatusStreaming
}

// Transient reports whether the status cannot survive a process restart.
// Sessions reloaded from disk in a transient status are normalized to idle
// because their blocking interaction state no longer exists.
func (s SessionStatus) Transient() bool {
	return s == StatusStarting || s == StatusStreaming || s == StatusNeedsInput
}

// PermissionMode controls how tool authorization requests are handled.
type PermissionMode string

const (
	ModeDefault     PermissionMode = "default"
	ModeAcceptEdits PermissionMode = "accept-edits"
	ModeBypass      PermissionMode = "bypass"
	ModePlan        PermissionMode = "plan"
	ModeDelegate    PermissionMode = "delegate"
	ModeDontAsk     PermissionMode = "dont-ask"
)

// ValidPermissionMode reports whether m is a known permission mode.
func ValidPermissionMode(m PermissionMode) bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModeBypass, ModePlan, ModeDelegate, ModeDontAsk:
		return true
	}
	return false
}

// PresetDeepPlan is the behavior preset that plans with a stronger model and
// downgrades to the execution model once the plan is accepted.
const PresetDeepPlan = "deep-plan"

// SessionTime holds creation and last-activity timestamps in unix millis.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Session is one conversation bound to a working directory.
//
// Pending interactions are deliberately not part of this struct: they cannot
// survive a restart and live in the interaction registry keyed by session ID.
// The invariant Status == needs_input iff the registry holds at least one
// pending entry for the session is maintained by the session manager.
type Session struct {
	ID              string         `json:"id"`
	EngineSessionID string         `json:"engineSessionID,omitempty"`
	Directory       string         `json:"directory"`
	Title           string         `json:"title"`
	Status          SessionStatus  `json:"status"`
	Model           string         `json:"model,omitempty"`
	ResolvedModel   string         `json:"resolvedModel,omitempty"`
	Preset          string         `json:"preset,omitempty"`
	PermissionMode  PermissionMode `json:"permissionMode"`
	CostUSD         float64        `json:"costUSD"`
	InputTokens     int            `json:"inputTokens"`
	OutputTokens    int            `json:"outputTokens"`
	Turns           int            `json:"turns"`
	Time            SessionTime    `json:"time"`
	TurnStartedAt   *int64         `json:"turnStartedAt,omitempty"`
	History         []*Message     `json:"history"`
}

// TitleForDirectory derives a session display name from its working directory.
func TitleForDirectory(directory string) string {
	if directory == "" {
		return "session"
	}
	return filepath.Base(filepath.Clean(directory))
}

// Header is the compact session summary pushed to observers on every
// status change.
type Header struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Directory     string        `json:"directory"`
	Status        SessionStatus `json:"status"`
	Model         string        `json:"model,omitempty"`
	CostUSD       float64       `json:"costUSD"`
	Turns         int           `json:"turns"`
	TurnStartedAt *int64        `json:"turnStartedAt,omitempty"`
}

// HeaderOf builds the observer header for a session.
func HeaderOf(s *Session) Header {
	model := s.ResolvedModel
	if model == "" {
		model = s.Model
	}
	return Header{
		ID:            s.ID,
		Title:         s.Title,
		Directory:     s.Directory,
		Status:        s.Status,
		Model:         model,
		CostUSD:       s.CostUSD,
		Turns:         s.Turns,
		TurnStartedAt: s.TurnStartedAt,
	}
}

// Stats aggregates usage across all sessions.
type Stats struct {
	Sessions     int     `json:"sessions"`
	CostUSD      float64 `json:"costUSD"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Turns        int     `json:"turns"`
}
