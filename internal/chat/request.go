package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/providers"
	"chatcore/internal/storage"
)

// PromptIDNone is the sentinel a client sends to run a turn without any
// system prompt. It is accepted only in requests and never persisted.
const PromptIDNone = "__none__"

const maxTitleLength = 100

// Request is the body of POST /v1/chat. One struct covers both the normal
// turn and the rewind turn; RewindFromMessageID selects the branch.
type Request struct {
	Message             string            `json:"message"`
	ProviderID          string            `json:"providerId"`
	PromptID            string            `json:"promptId"`
	ChatID              string            `json:"chatId,omitempty"`
	OrganizationID      string            `json:"organizationId,omitempty"`
	RewindFromMessageID string            `json:"rewindFromMessageId,omitempty"`
	SelectedMessages    []SelectedMessage `json:"selectedMessages,omitempty"`
	MaxTokensToGenerate int               `json:"max_tokens_to_generate,omitempty"`
}

// SelectedMessage lets the client pin the exact context window instead of
// the stored active thread.
type SelectedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate enforces the request contract. Field checks run in a fixed order
// so a request with several problems always reports the same one.
func (r Request) Validate() *RequestError {
	if strings.TrimSpace(r.Message) == "" {
		return validationError(`Missing or invalid "message" in request body`)
	}
	if !isUUID(r.ProviderID) {
		return validationError(`Missing or invalid "providerId" in request body`)
	}
	if r.PromptID != PromptIDNone && !isUUID(r.PromptID) {
		return validationError(`Missing or invalid "promptId" in request body`)
	}
	if r.ChatID != "" && !isUUID(r.ChatID) {
		return validationError(`Invalid "chatId" in request body`)
	}
	if r.OrganizationID != "" && !isUUID(r.OrganizationID) {
		return validationError(`Invalid "organizationId" in request body`)
	}
	if r.RewindFromMessageID != "" && !isUUID(r.RewindFromMessageID) {
		return validationError(`Invalid "rewindFromMessageId" in request body`)
	}
	if r.MaxTokensToGenerate < 0 {
		return validationError(`Invalid "max_tokens_to_generate" in request body`)
	}
	for _, m := range r.SelectedMessages {
		switch m.Role {
		case storage.RoleUser, storage.RoleAssistant, storage.RoleSystem:
		default:
			return validationError(`Invalid "selectedMessages" in request body`)
		}
	}
	return nil
}

func isUUID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// MessagePayload is the wire form of a persisted chat message.
type MessagePayload struct {
	ID               string                `json:"id"`
	ChatID           string                `json:"chat_id"`
	UserID           *string               `json:"user_id"`
	Role             string                `json:"role"`
	Content          string                `json:"content"`
	AIProviderID     string                `json:"ai_provider_id"`
	SystemPromptID   *string               `json:"system_prompt_id"`
	TokenUsage       *providers.TokenUsage `json:"token_usage"`
	IsActiveInThread bool                  `json:"is_active_in_thread"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Response is the success body of POST /v1/chat. Message is the assistant
// message of the turn; UserMessage is the stored copy of what the caller sent.
type Response struct {
	Message     MessagePayload `json:"message"`
	UserMessage MessagePayload `json:"userMessage"`
	ChatID      string         `json:"chatId"`
	IsRewind    bool           `json:"isRewind,omitempty"`
}

func messagePayload(m storage.ChatMessage) MessagePayload {
	p := MessagePayload{
		ID:               m.ID,
		ChatID:           m.ChatID,
		UserID:           m.UserID,
		Role:             m.Role,
		Content:          m.Content,
		AIProviderID:     m.AIProviderID,
		SystemPromptID:   m.SystemPromptID,
		IsActiveInThread: m.IsActiveInThread,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.TokenUsageJSON != nil {
		var usage providers.TokenUsage
		if err := json.Unmarshal([]byte(*m.TokenUsageJSON), &usage); err == nil {
			p.TokenUsage = &usage
		}
	}
	return p
}

func truncateTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= maxTitleLength {
		return string(runes)
	}
	return string(runes[:maxTitleLength])
}
