package backend

import "time"

// RiskLevel is the backend's risk classification of a message or session.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from 0 (low) to 3 (critical). Unknown levels rank
// below low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// Max returns the more severe of r and o.
func (r RiskLevel) Max(o RiskLevel) RiskLevel {
	if o.Rank() > r.Rank() {
		return o
	}
	return r
}

// CrisisResource is one emergency service offered to the user.
type CrisisResource struct {
	Name        string `json:"name"`
	Number      string `json:"number"`
	Hours       string `json:"hours"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ChatRequest is the body of both the send and the stream endpoints. A nil
// SessionID asks the backend to open a new session.
type ChatRequest struct {
	SessionID   *string `json:"session_id"`
	UserMessage string  `json:"user_message"`
}

// NewChatRequest builds a request; an empty sessionID is sent as null.
func NewChatRequest(sessionID, text string) ChatRequest {
	req := ChatRequest{UserMessage: text}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	return req
}

// ChatResponse is the full turn result of the non-streaming send endpoint.
type ChatResponse struct {
	SessionID           string           `json:"session_id"`
	BotResponse         string           `json:"bot_response"`
	RiskScore           int              `json:"risk_score"`
	RiskLevel           RiskLevel        `json:"risk_level"`
	TriageActivated     bool             `json:"triage_activated"`
	HumanHandoff        bool             `json:"human_handoff"`
	CrisisResources     []CrisisResource `json:"crisis_resources,omitempty"`
	SessionMessageCount int              `json:"session_message_count"`
	Timestamp           time.Time        `json:"timestamp"`
}

// MessageEntry is one message of a session's history.
type MessageEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	RiskScore *int      `json:"risk_score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryResponse is the ordered history of one session.
type HistoryResponse struct {
	SessionID       string         `json:"session_id"`
	History         []MessageEntry `json:"history"`
	MessageCount    int            `json:"message_count"`
	CumulativeRisk  int            `json:"cumulative_risk"`
	TriageActivated bool           `json:"triage_activated"`
	CreatedAt       time.Time      `json:"created_at"`
}

// HandoffResponse acknowledges a manual handoff to a professional.
type HandoffResponse struct {
	SessionID           string         `json:"session_id"`
	HandoffStatus       string         `json:"handoff_status"`
	ProfessionalContext map[string]any `json:"professional_context"`
}

// HealthResponse reports the backend's status.
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
}
