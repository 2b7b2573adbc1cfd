package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/carechat-go/internal/backend"
	"github.com/comigor/carechat-go/internal/chat"
	"github.com/comigor/carechat-go/internal/stream"
)

func turn(at time.Time) []chat.Message {
	score := 42
	return []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "I can't sleep", CreatedAt: at, RiskScore: &score, RiskLevel: backend.RiskMedium},
		{ID: "a1", Role: chat.RoleAssistant, Content: "That sounds exhausting.", CreatedAt: at.Add(time.Second),
			RiskScore: &score, RiskLevel: backend.RiskMedium, TriageActivated: true},
	}
}

func TestStore_InMemorySQLite(t *testing.T) {
	s := Open(":memory:")
	t.Cleanup(func() { _ = s.Close() })
	require.True(t, s.Persistent())

	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	for _, m := range turn(at) {
		require.NoError(t, s.Record("sess_1", m))
	}
	require.NoError(t, s.Record("sess_2", chat.Message{ID: "x", Role: chat.RoleUser, Content: "other", CreatedAt: at}))

	got, err := s.List("sess_1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "u1", got[0].ID)
	assert.Equal(t, chat.RoleUser, got[0].Role)
	assert.Equal(t, "I can't sleep", got[0].Content)
	require.NotNil(t, got[0].RiskScore)
	assert.Equal(t, 42, *got[0].RiskScore)
	assert.Equal(t, backend.RiskMedium, got[0].RiskLevel)
	assert.True(t, at.Equal(got[0].CreatedAt))

	assert.Equal(t, "a1", got[1].ID)
	assert.True(t, got[1].TriageActivated)
	assert.False(t, got[1].HumanHandoff)
	assert.True(t, at.Add(time.Second).Equal(got[1].CreatedAt))

	other, err := s.List("sess_2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Nil(t, other[0].RiskScore)

	none, err := s.List("unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_FileDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s := Open(path)
	require.True(t, s.Persistent())

	require.NoError(t, s.Record("sess_1", chat.Message{ID: "u1", Role: chat.RoleUser, Content: "hello", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	reopened := Open(path)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.List("sess_1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)
}

func TestStore_FallsBackToMemory(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "missing", "dir", "history.db"))
	t.Cleanup(func() { _ = s.Close() })
	require.False(t, s.Persistent())

	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	for _, m := range turn(at) {
		require.NoError(t, s.Record("sess_1", m))
	}

	got, err := s.List("sess_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].ID)
	assert.Equal(t, "a1", got[1].ID)
}

func TestStore_RecordsMachineTurns(t *testing.T) {
	s := Open(":memory:")
	t.Cleanup(func() { _ = s.Close() })

	m := chat.NewMachine(nil, chat.WithRecorder(s))
	m.SwitchSession("sess_1")
	m.AddUserMessage("hi")
	m.StartStreaming(stream.NewHandle(func() {}))
	m.AppendToken("hello there")

	got, err := s.List("sess_1")
	require.NoError(t, err)
	assert.Empty(t, got, "nothing is recorded before the turn is finalized")

	m.FinalizeStream(chat.TurnResult{MessageCount: 1})

	got, err = s.List("sess_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, "hello there", got[1].Content)
	assert.False(t, got[1].Streaming)
}
