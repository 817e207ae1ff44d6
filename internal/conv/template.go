package conv

import (
	"errors"
	"fmt"
	"strings"

	"chatbridge/internal/engine"
	"chatbridge/pkg/types"
)

// Message roles understood by templates.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const systemPlaceholder = "{system_message}"

// ErrEmptyConversation is returned when there is nothing to render.
var ErrEmptyConversation = errors.New("conversation has no messages")

// Template describes how a conversation is laid out as a prompt.
type Template struct {
	Name           string `json:"name"`
	SystemTemplate string `json:"system_template"`
	SystemMessage  string `json:"system_message"`
	// Roles maps a message role to the marker written before its content.
	Roles          map[string]string `json:"roles"`
	Seps           []string          `json:"seps"`
	RoleContentSep string            `json:"role_content_sep"`
	RoleEmptySep   string            `json:"role_empty_sep"`
	StopStr        []string          `json:"stop_str"`
	StopTokenIDs   []int32           `json:"stop_token_ids"`
	// SystemPrefixTokenIDs are prepended as raw tokens (e.g., BOS).
	SystemPrefixTokenIDs []int32 `json:"system_prefix_token_ids"`
}

// Prompt renders messages into engine inputs. A leading system message
// replaces the template's default system message; system messages anywhere
// else are rejected. The prompt ends with the assistant marker.
func (t *Template) Prompt(msgs []types.ChatMessage) ([]engine.Data, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyConversation
	}
	if len(t.Seps) == 0 {
		return nil, errors.New("conversation template has no separators")
	}
	system := t.SystemMessage
	if msgs[0].Role == RoleSystem {
		system = msgs[0].Content
		msgs = msgs[1:]
	}

	var sb strings.Builder
	sb.WriteString(strings.ReplaceAll(t.SystemTemplate, systemPlaceholder, system))
	if sb.Len() > 0 {
		sb.WriteString(t.Seps[0])
	}
	for i, m := range msgs {
		if m.Role == RoleSystem {
			return nil, fmt.Errorf("system message only allowed first, found at position %d", i+1)
		}
		marker, ok := t.Roles[m.Role]
		if !ok {
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
		sb.WriteString(marker)
		sb.WriteString(t.RoleContentSep)
		sb.WriteString(m.Content)
		sb.WriteString(t.Seps[i%len(t.Seps)])
	}
	sb.WriteString(t.Roles[RoleAssistant])
	sb.WriteString(t.RoleEmptySep)

	var out []engine.Data
	if len(t.SystemPrefixTokenIDs) > 0 {
		out = append(out, engine.TokenData{TokenIDs: append([]int32(nil), t.SystemPrefixTokenIDs...)})
	}
	return append(out, engine.TextData{Text: sb.String()}), nil
}
