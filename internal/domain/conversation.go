package domain

import "time"

// ConversationTypeDirect marks a two-party (or self) conversation.
const ConversationTypeDirect = "direct"

// Conversation is the parent record of a message subcollection.
// The LastMessage* fields are a preview maintained by the message mutation
// transactions; they are derived from the messages and never authoritative.
type Conversation struct {
	ID              string
	Members         []string
	Type            string
	MemberKey       string
	CreatedAt       time.Time
	LastMessageID   string
	LastMessageText string
	LastMessageAt   *time.Time
	LastSenderID    string
}

// HasMember reports whether uid is one of the conversation members.
func (c Conversation) HasMember(uid string) bool {
	for _, m := range c.Members {
		if m == uid {
			return true
		}
	}
	return false
}
