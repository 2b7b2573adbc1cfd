package stream

import "github.com/comigor/carechat-go/internal/backend"

// Kind is the value of the "type" field of a stream event.
type Kind string

const (
	KindMetadata Kind = "metadata"
	KindToken    Kind = "token"
	KindCrisis   Kind = "crisis"
	KindDone     Kind = "done"
)

// Metadata opens a turn: the session the backend filed it under and its
// risk assessment.
type Metadata struct {
	SessionID       string            `json:"session_id"`
	RiskScore       int               `json:"risk_score"`
	RiskLevel       backend.RiskLevel `json:"risk_level"`
	TriageActivated bool              `json:"triage_activated"`
	HumanHandoff    bool              `json:"human_handoff"`
}

// Done closes a turn.
type Done struct {
	SessionMessageCount int `json:"session_message_count"`
}

// Event is one decoded "data:" line. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind     Kind
	Metadata *Metadata
	Token    string
	Crisis   []backend.CrisisResource
	Done     *Done
}
