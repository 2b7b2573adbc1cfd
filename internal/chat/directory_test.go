package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/carechat-go/internal/backend"
)

func TestDirectory_NewestFirst(t *testing.T) {
	d := NewDirectory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, d.Add("a", "first", base))
	require.True(t, d.Add("b", "second", base.Add(time.Minute)))
	require.True(t, d.Add("c", "third", base.Add(2*time.Minute)))

	var ids []string
	for _, s := range d.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
	assert.Equal(t, 3, d.Len())
}

func TestDirectory_AddRejectsAnonymousAndDuplicates(t *testing.T) {
	d := NewDirectory()
	now := time.Now()

	assert.False(t, d.Add("", "anonymous", now))
	require.True(t, d.Add("a", "hello", now))
	assert.False(t, d.Add("a", "again", now))

	s, ok := d.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", s.Title)
	assert.Equal(t, 1, d.Len())
}

func TestDirectory_NewEntryDefaults(t *testing.T) {
	d := NewDirectory()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	d.Add("s", "hi", at)

	s, ok := d.Get("s")
	require.True(t, ok)
	assert.Equal(t, backend.RiskLow, s.RiskLevel)
	assert.Zero(t, s.MessageCount)
	assert.Equal(t, at, s.CreatedAt)
	assert.Equal(t, at, s.LastActivity)
}

func TestDirectory_TouchAndSetRisk(t *testing.T) {
	d := NewDirectory()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	d.Add("s", "hi", at)

	later := at.Add(time.Hour)
	require.True(t, d.Touch("s", 4, later))
	require.True(t, d.SetRisk("s", backend.RiskMedium))
	assert.False(t, d.Touch("missing", 1, later))
	assert.False(t, d.SetRisk("missing", backend.RiskHigh))

	s, _ := d.Get("s")
	assert.Equal(t, 4, s.MessageCount)
	assert.Equal(t, later, s.LastActivity)
	assert.Equal(t, at, s.CreatedAt)
	assert.Equal(t, backend.RiskMedium, s.RiskLevel)
}

func TestDirectory_ListReturnsCopies(t *testing.T) {
	d := NewDirectory()
	d.Add("s", "hi", time.Now())

	list := d.List()
	list[0].Title = "changed"

	s, _ := d.Get("s")
	assert.Equal(t, "hi", s.Title)
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "hello", "hello"},
		{"exactly forty", strings.Repeat("a", 40), strings.Repeat("a", 40)},
		{"long", strings.Repeat("b", 41), strings.Repeat("b", 40)},
		{"multibyte", strings.Repeat("é", 50), strings.Repeat("é", 40)},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.in))
		})
	}
}
