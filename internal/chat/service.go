package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const (
	idSeparator = "_"
	selfSuffix  = idSeparator + idSeparator + "self"
)

// Transactor runs atomic read-modify-write transactions against the remote
// store.
type Transactor interface {
	RunTransaction(ctx context.Context, fn store.TxFunc) error
}

// UserFinder resolves a user profile from an email address.
type UserFinder interface {
	FindUserByEmail(ctx context.Context, email string) (domain.UserProfile, error)
}

// Recorder receives the outcome of every mutation.
type Recorder interface {
	ObserveMutation(op, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveMutation(string, string) {}

// Service implements message send, edit and soft delete, and direct
// conversation creation. Every mutation of a message runs in the same
// transaction as the matching update of the conversation preview.
type Service struct {
	tx      Transactor
	users   UserFinder
	log     *slog.Logger
	metrics Recorder

	newMessageID func() string
	newClientID  func() string
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

func NewService(tx Transactor, users UserFinder, opts ...Option) (*Service, error) {
	if tx == nil {
		return nil, errors.New("chat: transactor must not be nil")
	}
	if users == nil {
		return nil, errors.New("chat: user finder must not be nil")
	}
	s := &Service{
		tx:           tx,
		users:        users,
		log:          slog.Default(),
		metrics:      nopRecorder{},
		newMessageID: newMessageID,
		newClientID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send creates a message and points the conversation preview at it.
func (s *Service) Send(ctx context.Context, conversationID, senderID, text string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, s.done("send", newError(ErrorValidation, "blank_text", nil))
	}
	if conversationID == "" || senderID == "" {
		return domain.Message{}, s.done("send", newError(ErrorValidation, "missing_id", nil))
	}

	msg := domain.Message{
		ID:             s.newMessageID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		ClientID:       s.newClientID(),
	}
	var sent domain.Message
	err := s.tx.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		m := msg
		m.CreatedAt = tx.Now()
		tx.CreateMessage(m)
		tx.UpdateConversation(store.ConversationUpdate{
			ConversationID:  conversationID,
			LastMessageID:   store.Ptr(m.ID),
			LastMessageText: store.Ptr(text),
			LastMessageAt:   store.Ptr(m.CreatedAt),
			LastSenderID:    store.Ptr(senderID),
		})
		sent = m
		return nil
	})
	if err != nil {
		return domain.Message{}, s.done("send", classify(err, "conversation_not_found", "send_failed"))
	}
	s.log.Debug("message sent", "conversationId", conversationID, "messageId", sent.ID, "clientId", sent.ClientID)
	return sent, s.done("send", nil)
}

// Edit replaces the text of a message. Only the original sender may edit, and
// a deleted message can no longer change. The creation time, and therefore
// the message's position, is never touched.
func (s *Service) Edit(ctx context.Context, conversationID, messageID, editorID, newText string) error {
	if strings.TrimSpace(newText) == "" {
		return s.done("edit", newError(ErrorValidation, "blank_text", nil))
	}

	err := s.tx.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		conv, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		msg, err := tx.GetMessage(ctx, conversationID, messageID)
		if err != nil {
			return err
		}
		if msg.SenderID != editorID {
			return newError(ErrorUnauthorized, "not_sender", nil)
		}
		if msg.IsDeleted {
			return newError(ErrorInvalidState, "message_deleted", nil)
		}

		now := tx.Now()
		tx.UpdateMessage(store.MessageUpdate{
			ConversationID: conversationID,
			MessageID:      messageID,
			Text:           store.Ptr(newText),
			EditedAt:       store.Ptr(now),
			EditedBy:       store.Ptr(editorID),
		})
		if conv.LastMessageID == messageID {
			tx.UpdateConversation(store.ConversationUpdate{
				ConversationID:  conversationID,
				LastMessageText: store.Ptr(newText),
			})
		}
		return nil
	})
	if err != nil {
		return s.done("edit", classify(err, "message_not_found", "edit_failed"))
	}
	s.log.Debug("message edited", "conversationId", conversationID, "messageId", messageID)
	return s.done("edit", nil)
}

// Delete soft-deletes a message and wipes its text. Deleting an already
// deleted message succeeds without writing anything.
func (s *Service) Delete(ctx context.Context, conversationID, messageID, deleterID string) error {
	err := s.tx.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		conv, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		msg, err := tx.GetMessage(ctx, conversationID, messageID)
		if err != nil {
			return err
		}
		if msg.SenderID != deleterID {
			return newError(ErrorUnauthorized, "not_sender", nil)
		}
		if msg.IsDeleted {
			return nil
		}

		now := tx.Now()
		tx.UpdateMessage(store.MessageUpdate{
			ConversationID: conversationID,
			MessageID:      messageID,
			Text:           store.Ptr(""),
			IsDeleted:      store.Ptr(true),
			DeletedAt:      store.Ptr(now),
			DeletedBy:      store.Ptr(deleterID),
		})
		if conv.LastMessageID == messageID {
			tx.UpdateConversation(store.ConversationUpdate{
				ConversationID:  conversationID,
				LastMessageText: store.Ptr(domain.DeletedPlaceholder),
			})
		}
		return nil
	})
	if err != nil {
		return s.done("delete", classify(err, "message_not_found", "delete_failed"))
	}
	s.log.Debug("message deleted", "conversationId", conversationID, "messageId", messageID)
	return s.done("delete", nil)
}

// DirectConversationID returns the id of the direct conversation between two
// users. It does not depend on argument order, and a self conversation can
// never share an id with a two-party one.
func DirectConversationID(a, b string) string {
	if a == b {
		return a + selfSuffix
	}
	if b < a {
		a, b = b, a
	}
	return a + idSeparator + b
}

// GetOrCreateDirectConversation returns the direct conversation between myID
// and otherID, creating it on first contact. An existing conversation is never
// overwritten; when both users race to create it, the loser observes the
// winner's record under the same id.
func (s *Service) GetOrCreateDirectConversation(ctx context.Context, myID, otherID string) (string, error) {
	if err := validateUserID(myID); err != nil {
		return "", s.done("direct", err)
	}
	if err := validateUserID(otherID); err != nil {
		return "", s.done("direct", err)
	}

	id := DirectConversationID(myID, otherID)
	members := []string{myID, otherID}
	if myID == otherID {
		members = []string{myID}
	}

	created := false
	err := s.tx.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		created = false
		_, err := tx.GetConversation(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		tx.CreateConversation(domain.Conversation{
			ID:        id,
			Members:   members,
			Type:      domain.ConversationTypeDirect,
			MemberKey: id,
			CreatedAt: tx.Now(),
		})
		created = true
		return nil
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		s.log.Debug("direct conversation created concurrently", "conversationId", id)
		return id, s.done("direct", nil)
	}
	if err != nil {
		return "", s.done("direct", classify(err, "conversation_not_found", "create_conversation_failed"))
	}
	if created {
		s.log.Info("direct conversation created", "conversationId", id)
	}
	return id, s.done("direct", nil)
}

// StartDirectChat looks the other user up by email and opens the direct
// conversation with them.
func (s *Service) StartDirectChat(ctx context.Context, myID, email string) (string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return "", s.done("direct", newError(ErrorValidation, "blank_email", nil))
	}
	other, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return "", s.done("direct", classify(err, "user_not_found", "user_lookup_failed"))
	}
	return s.GetOrCreateDirectConversation(ctx, myID, other.UID)
}

func (s *Service) done(op string, err error) error {
	if err == nil {
		s.metrics.ObserveMutation(op, "ok")
		return nil
	}
	code := CodeOf(err)
	s.metrics.ObserveMutation(op, string(code))
	if code == ErrorUpstream {
		s.log.Warn("chat mutation failed", "op", op, "err", err)
	}
	return err
}

func validateUserID(uid string) error {
	if strings.TrimSpace(uid) == "" {
		return newError(ErrorValidation, "missing_user_id", nil)
	}
	if strings.Contains(uid, idSeparator) {
		return newError(ErrorValidation, "invalid_user_id", nil)
	}
	return nil
}

// classify maps a transaction failure onto a chat error. Business errors
// raised inside the transaction body pass through unchanged.
func classify(err error, notFoundReason, upstreamReason string) error {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return newError(ErrorNotFound, notFoundReason, err)
	}
	return newError(ErrorUpstream, upstreamReason, err)
}

var newMessageID = func() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
