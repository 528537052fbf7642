package domain

import "time"

// DeletedPlaceholder replaces the text of a soft-deleted message wherever it
// is displayed, including the conversation preview.
const DeletedPlaceholder = "Message deleted"

// Message is a single persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	CreatedAt      time.Time
	ClientID       string
	EditedAt       *time.Time
	EditedBy       string
	IsDeleted      bool
	DeletedAt      *time.Time
	DeletedBy      string
}

// Before reports whether m sorts before o in display order:
// createdAt ascending, ties broken by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
