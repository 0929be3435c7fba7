package session

import "github.com/agentdesk/agentdesk/pkg/types"

// windowHistory bounds a session's in-memory history without losing entries
// needed for correctness. The trimmed copy always preserves, in original
// order: every system entry, every entry carrying an unresolved interaction,
// and the most recent limit entries. The result can therefore exceed limit
// when unresolved interactions are older than the retained tail; pending
// correctness outranks the size bound.
func windowHistory(entries []*types.Message, limit int) []*types.Message {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}

	tailStart := len(entries) - limit
	out := make([]*types.Message, 0, limit)
	for i, msg := range entries {
		if i >= tailStart {
			out = append(out, msg)
			continue
		}
		if msg.Role == types.RoleSystem {
			out = append(out, msg)
			continue
		}
		if msg.Interact != nil && !msg.Interact.Resolved() {
			out = append(out, msg)
		}
	}
	return out
}
