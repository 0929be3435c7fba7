package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdesk/agentdesk/pkg/types"
)

func msg(id string, role types.MessageRole) *types.Message {
	return &types.Message{ID: id, Role: role}
}

func msgN(n int) *types.Message {
	return msg(fmt.Sprintf("m%d", n), types.RoleAssistant)
}

func ids(entries []*types.Message) []string {
	out := make([]string, len(entries))
	for i, m := range entries {
		out[i] = m.ID
	}
	return out
}

func TestWindowHistory_UnderLimitUntouched(t *testing.T) {
	entries := []*types.Message{msgN(1), msgN(2), msgN(3)}
	got := windowHistory(entries, 5)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
}

func TestWindowHistory_KeepsRecentTail(t *testing.T) {
	var entries []*types.Message
	for i := 1; i <= 10; i++ {
		entries = append(entries, msgN(i))
	}
	got := windowHistory(entries, 4)
	assert.Equal(t, []string{"m7", "m8", "m9", "m10"}, ids(got))
}

func TestWindowHistory_PreservesSystemEntries(t *testing.T) {
	entries := []*types.Message{
		msg("sys1", types.RoleSystem),
		msgN(2), msgN(3), msgN(4), msgN(5), msgN(6),
	}
	got := windowHistory(entries, 2)
	assert.Equal(t, []string{"sys1", "m5", "m6"}, ids(got))
}

func TestWindowHistory_PreservesUnresolvedInteractions(t *testing.T) {
	pendingMsg := msg("p1", types.RoleAssistant)
	pendingMsg.Interact = &types.Interaction{Kind: types.KindPermission, RequestID: "call-1"}

	resolvedMsg := msg("r1", types.RoleAssistant)
	resolvedMsg.Interact = &types.Interaction{
		Kind:       types.KindPermission,
		RequestID:  "call-0",
		Resolution: types.ResolutionAllowed,
	}

	entries := []*types.Message{pendingMsg, resolvedMsg, msgN(3), msgN(4), msgN(5), msgN(6)}
	got := windowHistory(entries, 2)

	// The unresolved prompt survives trimming; the resolved one does not.
	assert.Equal(t, []string{"p1", "m5", "m6"}, ids(got))
}

func TestWindowHistory_MayExceedLimit(t *testing.T) {
	var entries []*types.Message
	for i := 1; i <= 3; i++ {
		m := msgN(i)
		m.Interact = &types.Interaction{Kind: types.KindPermission, RequestID: fmt.Sprintf("c%d", i)}
		entries = append(entries, m)
	}
	for i := 4; i <= 8; i++ {
		entries = append(entries, msgN(i))
	}

	got := windowHistory(entries, 2)
	assert.Equal(t, []string{"m1", "m2", "m3", "m7", "m8"}, ids(got))
	assert.Greater(t, len(got), 2, "pending correctness outranks the size bound")
}

func TestWindowHistory_OriginalOrderPreserved(t *testing.T) {
	sys := msg("sys", types.RoleSystem)
	entries := []*types.Message{msgN(1), sys, msgN(3), msgN(4), msgN(5)}
	got := windowHistory(entries, 2)
	assert.Equal(t, []string{"sys", "m4", "m5"}, ids(got))
}

func TestWindowHistory_ZeroLimitDisablesTrimming(t *testing.T) {
	entries := []*types.Message{msgN(1), msgN(2), msgN(3)}
	got := windowHistory(entries, 0)
	assert.Len(t, got, 3)
}
