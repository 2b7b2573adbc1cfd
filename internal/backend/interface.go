package backend

import "context"

// API is the subset of the chat backend's non-streaming endpoints the client
// glue uses; it is easy to mock in tests.
type API interface {
	SendMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	GetHistory(ctx context.Context, sessionID string) (*HistoryResponse, error)
	TriggerHandoff(ctx context.Context, sessionID string) (*HandoffResponse, error)
	Health(ctx context.Context) (*HealthResponse, error)
}

var _ API = (*Client)(nil)
