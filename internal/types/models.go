// internal/types/models.go
package types

import (
	"time"

	"github.com/user/convaichat/pkg/datastream"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// Greeting seeds every new thread.
const Greeting = "How can I help you today?"

type ChatMessage struct {
	ID        MessageID     `json:"id"`
	ThreadID  ThreadID      `json:"thread_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Turn      *TurnMeta     `json:"turn,omitempty"`
}

// TurnMeta is what an assistant message keeps from its decoded turn.
type TurnMeta struct {
	MessageID      string                `json:"message_id,omitempty"`
	FinishReason   string                `json:"finish_reason,omitempty"`
	IsContinued    bool                  `json:"is_continued,omitempty"`
	Usage          *datastream.Usage     `json:"usage,omitempty"`
	UsageEstimated bool                  `json:"usage_estimated,omitempty"`
	ToolCalls      []datastream.ToolCall `json:"tool_calls,omitempty"`
}

type ThreadIndex struct {
	ThreadID   ThreadID   `json:"thread_id"`
	ResourceID ResourceID `json:"resource_id"`
	SessionKey SessionKey `json:"session_key"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
