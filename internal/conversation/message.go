// Package conversation resolves conversation identities and owns the
// durable per-conversation message logs, including bounded-context
// retrieval with automatic summarization.
package conversation

import "time"

// Role identifies who produced a message.
type Role string

const (
	// RoleUser marks a message from a mesh node.
	RoleUser Role = "user"
	// RoleAssistant marks a reply produced by the AI persona.
	RoleAssistant Role = "assistant"
	// RoleSystem marks synthetic context such as a history summary.
	RoleSystem Role = "system"
)

// Message is one immutable entry in a conversation log. The on-disk
// layout matches the persisted format: unix-seconds float timestamp,
// optional sender attribution on user messages.
type Message struct {
	Role      Role    `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	UserName  string  `json:"user_name,omitempty"`
	NodeID    string  `json:"node_id,omitempty"`
}

// NewMessage creates a message stamped with the given wall-clock time.
func NewMessage(role Role, content string, at time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
	}
}
