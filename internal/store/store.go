// Package store defines the contract of the remote document store consumed by
// the chat core, shared by the DynamoDB and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"chatsync/internal/domain"
)

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a transaction lost a race with a
	// concurrent writer and could not be committed.
	ErrConflict = errors.New("store: transaction conflict")
	// ErrAlreadyExists is returned when a create-only write targets an
	// existing document.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Tx is the read/write view handed to a transaction body. Reads observe the
// committed state; writes are buffered and applied atomically on commit.
type Tx interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error)

	CreateConversation(conv domain.Conversation)
	CreateMessage(msg domain.Message)
	UpdateMessage(u MessageUpdate)
	UpdateConversation(u ConversationUpdate)

	// Now is the server timestamp assigned to every write of this commit.
	Now() time.Time
}

// TxFunc is a transaction body. It may be invoked more than once when the
// store retries on contention, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// MessageUpdate sets the non-nil fields of one message.
type MessageUpdate struct {
	ConversationID string
	MessageID      string

	Text      *string
	EditedAt  *time.Time
	EditedBy  *string
	IsDeleted *bool
	DeletedAt *time.Time
	DeletedBy *string
}

// ConversationUpdate sets the non-nil preview fields of one conversation.
type ConversationUpdate struct {
	ConversationID string

	LastMessageID   *string
	LastMessageText *string
	LastMessageAt   *time.Time
	LastSenderID    *string
}

// Apply returns m with the update applied.
func (u MessageUpdate) Apply(m domain.Message) domain.Message {
	if u.Text != nil {
		m.Text = *u.Text
	}
	if u.EditedAt != nil {
		t := *u.EditedAt
		m.EditedAt = &t
	}
	if u.EditedBy != nil {
		m.EditedBy = *u.EditedBy
	}
	if u.IsDeleted != nil {
		m.IsDeleted = *u.IsDeleted
	}
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		m.DeletedAt = &t
	}
	if u.DeletedBy != nil {
		m.DeletedBy = *u.DeletedBy
	}
	return m
}

// Apply returns c with the update applied.
func (u ConversationUpdate) Apply(c domain.Conversation) domain.Conversation {
	if u.LastMessageID != nil {
		c.LastMessageID = *u.LastMessageID
	}
	if u.LastMessageText != nil {
		c.LastMessageText = *u.LastMessageText
	}
	if u.LastMessageAt != nil {
		t := *u.LastMessageAt
		c.LastMessageAt = &t
	}
	if u.LastSenderID != nil {
		c.LastSenderID = *u.LastSenderID
	}
	return c
}

// MessageQuery selects the messages of one conversation in display order.
type MessageQuery struct {
	ConversationID string
	Limit          int
}

// DefaultMessageLimit bounds a message query when Limit is not positive.
const DefaultMessageLimit = 50

// EffectiveLimit returns the limit to apply to q.
func (q MessageQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultMessageLimit
	}
	return q.Limit
}

// MessageSnapshot is one emission of a live message query: the full current
// result set, or a terminal error after which the channel is closed.
type MessageSnapshot struct {
	Messages []domain.Message
	Err      error
}

// ConversationSnapshot is one emission of a live conversation list query.
type ConversationSnapshot struct {
	Conversations []domain.Conversation
	Err           error
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T {
	return &v
}
