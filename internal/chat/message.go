package chat

import (
	"time"

	"github.com/comigor/carechat-go/internal/backend"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one utterance in the active conversation. Content only grows
// while Streaming is set and never changes once it is cleared.
type Message struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time

	RiskScore       *int
	RiskLevel       backend.RiskLevel
	TriageActivated bool
	HumanHandoff    bool
	Streaming       bool
}

func (m Message) clone() Message {
	if m.RiskScore != nil {
		score := *m.RiskScore
		m.RiskScore = &score
	}
	return m
}

// MessagesFromHistory converts a history response into messages, oldest first.
func MessagesFromHistory(h *backend.HistoryResponse) []Message {
	if h == nil {
		return nil
	}
	out := make([]Message, 0, len(h.History))
	for _, e := range h.History {
		m := Message{
			ID:        newID(),
			Role:      Role(e.Role),
			Content:   e.Content,
			CreatedAt: e.Timestamp,
		}
		if e.RiskScore != nil {
			score := *e.RiskScore
			m.RiskScore = &score
		}
		out = append(out, m)
	}
	return out
}
