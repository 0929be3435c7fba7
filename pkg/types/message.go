package types

// MessageRole classifies a history entry.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleResult    MessageRole = "result"
)

// PartType classifies a content block within a message.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one content block of an assistant turn.
type Part struct {
	ID     string         `json:"id"`
	Type   PartType       `json:"type"`
	Text   string         `json:"text,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	CallID string         `json:"callID,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	IsErr  bool           `json:"isError,omitempty"`
}

// MessageTime holds message timestamps in unix millis.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// Message is one entry in a session's history. Entries are append-only;
// the only in-place mutation is stamping an interaction's resolution.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	Role      MessageRole  `json:"role"`
	Time      MessageTime  `json:"time"`
	Text      string       `json:"text,omitempty"`
	Parts     []Part       `json:"parts,omitempty"`
	Interact  *Interaction `json:"interaction,omitempty"`
}

// InteractionKind distinguishes the three human-in-the-loop prompt shapes.
type InteractionKind string

const (
	KindPermission InteractionKind = "permission"
	KindQuestion   InteractionKind = "question"
	KindPlan       InteractionKind = "plan"
)

// Resolution values stamped onto an interaction when it settles.
const (
	ResolutionAllowed    = "allowed"
	ResolutionDenied     = "denied"
	ResolutionAnswered   = "answered"
	ResolutionAccepted   = "accepted"
	ResolutionRevised    = "revised"
	ResolutionTimedOut   = "timed out"
	ResolutionSuperseded = "superseded"
	ResolutionExpired    = "expired"
)

// Interaction is the payload attached to a history entry that represents a
// pending (or settled) human decision point. RequestID is the engine's tool
// invocation ID, which keys the pending entry in the registry.
type Interaction struct {
	Kind       InteractionKind        `json:"kind"`
	RequestID  string                 `json:"requestID"`
	Tool       string                 `json:"tool,omitempty"`
	Input      map[string]any         `json:"input,omitempty"`
	Questions  []QuestionItem         `json:"questions,omitempty"`
	Plan       string                 `json:"plan,omitempty"`
	Suggested  []PermissionSuggestion `json:"suggested,omitempty"`
	Resolution string                 `json:"resolution,omitempty"`
}

// Resolved reports whether the interaction has settled.
func (i *Interaction) Resolved() bool {
	return i != nil && i.Resolution != ""
}

// QuestionItem is one question in a multiple-choice interaction.
type QuestionItem struct {
	Question      string   `json:"question"`
	Header        string   `json:"header,omitempty"`
	Options       []string `json:"options"`
	AllowFreeform bool     `json:"allowFreeform,omitempty"`
}

// PermissionSuggestion is a permission-mode change the engine proposes
// alongside a plan approval.
type PermissionSuggestion struct {
	Mode        PermissionMode `json:"mode"`
	Destination string         `json:"destination,omitempty"`
}
