package client

import "github.com/ashureev/shsh-chat/internal/domain"

// MessageGroup is a run of consecutive messages rendered as one block.
type MessageGroup struct {
	Role     domain.Role
	Messages []domain.ChatMessage
}

// EffectiveRole is the role a message is displayed under. Tool results are
// shown as part of the assistant's turn.
func EffectiveRole(m domain.ChatMessage) domain.Role {
	if m.IsToolResultOnly() {
		return domain.RoleAssistant
	}
	return m.Role
}

// GroupMessages groups consecutive messages of the same effective role.
// A tool-result-only message whose every result answers a tool_use rendered
// by another message is dropped, since that tool_use shows its result.
func GroupMessages(msgs []domain.ChatMessage) []MessageGroup {
	toolUses := make(map[string]struct{})
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.Type == domain.BlockToolUse && b.ID != "" {
				toolUses[b.ID] = struct{}{}
			}
		}
	}

	var groups []MessageGroup
	for _, m := range msgs {
		if suppressed(m, toolUses) {
			continue
		}
		role := EffectiveRole(m)
		if n := len(groups); n > 0 && groups[n-1].Role == role {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, MessageGroup{Role: role, Messages: []domain.ChatMessage{m}})
	}
	return groups
}

func suppressed(m domain.ChatMessage, toolUses map[string]struct{}) bool {
	if !m.IsToolResultOnly() {
		return false
	}
	for _, b := range m.Content {
		if _, ok := toolUses[b.ToolUseID]; !ok {
			return false
		}
	}
	return true
}
