package domain

// MessageView is a message joined with its resolved sender and the derived
// display state shown in a conversation.
type MessageView struct {
	Message
	Sender      string
	DisplayText string
	IsEdited    bool
	IsMine      bool
}

// NewMessageView derives the display fields of m for the given viewer.
func NewMessageView(m Message, sender, viewerID string) MessageView {
	text := m.Text
	if m.IsDeleted {
		text = DeletedPlaceholder
	}
	return MessageView{
		Message:     m,
		Sender:      sender,
		DisplayText: text,
		IsEdited:    m.EditedAt != nil,
		IsMine:      m.SenderID == viewerID,
	}
}
