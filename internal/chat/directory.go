package chat

import (
	"time"

	"github.com/comigor/carechat-go/internal/backend"
)

// titleLength is how many characters of the first user message become the
// session title.
const titleLength = 40

// Session is one conversation known to the directory.
type Session struct {
	ID           string
	Title        string
	MessageCount int
	RiskLevel    backend.RiskLevel
	CreatedAt    time.Time
	LastActivity time.Time
}

// Directory holds the sessions the backend has identified, newest first.
// Anonymous conversations are never stored. It is owned by a Machine and
// relies on the machine's lock.
type Directory struct {
	order    []string
	sessions map[string]*Session
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]*Session)}
}

// Add files a newly identified session at the front of the directory, titled
// after firstMessage and rated low. Adding a known or empty id is a no-op and
// returns false.
func (d *Directory) Add(id, firstMessage string, at time.Time) bool {
	if id == "" {
		return false
	}
	if _, ok := d.sessions[id]; ok {
		return false
	}
	d.sessions[id] = &Session{
		ID:           id,
		Title:        Title(firstMessage),
		RiskLevel:    backend.RiskLow,
		CreatedAt:    at,
		LastActivity: at,
	}
	d.order = append([]string{id}, d.order...)
	return true
}

// Get returns a copy of the session.
func (d *Directory) Get(id string) (Session, bool) {
	s, ok := d.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions, most recently created first.
func (d *Directory) List() []Session {
	out := make([]Session, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.sessions[id])
	}
	return out
}

// Len reports the number of sessions.
func (d *Directory) Len() int {
	return len(d.order)
}

// Touch records a completed exchange.
func (d *Directory) Touch(id string, messageCount int, at time.Time) bool {
	s, ok := d.sessions[id]
	if !ok {
		return false
	}
	s.MessageCount = messageCount
	s.LastActivity = at
	return true
}

// SetRisk replaces the aggregate risk of a session.
func (d *Directory) SetRisk(id string, level backend.RiskLevel) bool {
	s, ok := d.sessions[id]
	if !ok {
		return false
	}
	s.RiskLevel = level
	return true
}

// Title derives a session title from the first user message.
func Title(text string) string {
	r := []rune(text)
	if len(r) > titleLength {
		r = r[:titleLength]
	}
	return string(r)
}
