package models

import (
	"time"
)

// DefaultSessionTitle is used when a session is created without a title
const DefaultSessionTitle = "New Chat"

// Session represents one conversation thread
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Touch refreshes UpdatedAt without ever moving it backwards
func (s *Session) Touch(now time.Time) time.Time {
	if now.Before(s.UpdatedAt) {
		now = s.UpdatedAt
	}
	s.UpdatedAt = now
	return now
}
