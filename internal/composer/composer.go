// Package composer holds the draft and edit state of one conversation screen
// and dispatches the matching mutation.
package composer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"chatsync/internal/chat"
	"chatsync/internal/domain"
)

// ErrBusy is returned by a submit while another mutation is in flight.
var ErrBusy = errors.New("composer: mutation in progress")

// Mode is the composer's top-level state.
type Mode int

const (
	Normal Mode = iota
	Editing
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Editing:
		return "editing"
	default:
		return "unknown"
	}
}

// Mutator performs the remote writes.
type Mutator interface {
	Send(ctx context.Context, conversationID, senderID, text string) (domain.Message, error)
	Edit(ctx context.Context, conversationID, messageID, editorID, newText string) error
	Delete(ctx context.Context, conversationID, messageID, deleterID string) error
}

// MessageFinder looks up a message of the conversation as currently displayed.
type MessageFinder interface {
	Message(id string) (domain.MessageView, bool)
}

// State is a snapshot of the composer.
type State struct {
	Mode Mode
	// EditingID is set in Editing mode only.
	EditingID string
	Draft     string
	// ActionsFor is the message whose action menu is open.
	ActionsFor string
	// ConfirmingDelete is the message awaiting delete confirmation.
	ConfirmingDelete string
	Busy             bool
	// Error is the user-visible failure of the last mutation.
	Error string
}

// Composer is safe for concurrent use. Mutations block the caller until the
// remote write completes; the lock is not held meanwhile, so readers of State
// see Busy.
type Composer struct {
	mut            Mutator
	msgs           MessageFinder
	conversationID string
	userID         string
	log            *slog.Logger

	mu      sync.Mutex
	state   State
	changed chan struct{}
}

type Option func(*Composer)

func WithLogger(l *slog.Logger) Option {
	return func(c *Composer) {
		if l != nil {
			c.log = l
		}
	}
}

func New(mut Mutator, msgs MessageFinder, conversationID, userID string, opts ...Option) (*Composer, error) {
	if mut == nil {
		return nil, errors.New("composer: mutator must not be nil")
	}
	if msgs == nil {
		return nil, errors.New("composer: message finder must not be nil")
	}
	if conversationID == "" || userID == "" {
		return nil, errors.New("composer: conversation and user ids are required")
	}
	c := &Composer{
		mut:            mut,
		msgs:           msgs,
		conversationID: conversationID,
		userID:         userID,
		log:            slog.Default(),
		changed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current state.
func (c *Composer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watch returns a channel closed on the next state change.
func (c *Composer) Watch() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// SetDraft replaces the draft text.
func (c *Composer) SetDraft(text string) {
	c.update(func(s *State) { s.Draft = text })
}

// StartEdit switches to editing id with its current text as the draft. It
// only applies to the viewer's own, undeleted messages and reports whether
// the transition happened. The action menu is closed either way.
func (c *Composer) StartEdit(id string) bool {
	m, ok := c.msgs.Message(id)
	editable := ok && m.IsMine && !m.IsDeleted

	started := false
	c.update(func(s *State) {
		s.ActionsFor = ""
		if !editable || s.Busy {
			return
		}
		s.Mode = Editing
		s.EditingID = id
		s.Draft = m.Text
		s.Error = ""
		started = true
	})
	return started
}

// CancelEdit returns to Normal and clears the draft.
func (c *Composer) CancelEdit() {
	c.update(func(s *State) {
		if s.Mode != Editing {
			return
		}
		s.Mode = Normal
		s.EditingID = ""
		s.Draft = ""
	})
}

// OpenActions opens the action menu of one of the viewer's own messages.
func (c *Composer) OpenActions(id string) bool {
	m, ok := c.msgs.Message(id)
	if !ok || !m.IsMine || m.IsDeleted {
		return false
	}
	c.update(func(s *State) { s.ActionsFor = id })
	return true
}

func (c *Composer) CloseActions() {
	c.update(func(s *State) { s.ActionsFor = "" })
}

// RequestDelete asks for confirmation before deleting id.
func (c *Composer) RequestDelete(id string) bool {
	m, ok := c.msgs.Message(id)
	accepted := ok && m.IsMine
	c.update(func(s *State) {
		s.ActionsFor = ""
		if accepted {
			s.ConfirmingDelete = id
		}
	})
	return accepted
}

func (c *Composer) DismissDelete() {
	c.update(func(s *State) { s.ConfirmingDelete = "" })
}

// SendOrSave submits the draft: a new message in Normal mode, an edit of the
// message being edited otherwise. A blank draft is ignored. On failure the
// mode and draft are kept so the user can retry.
func (c *Composer) SendOrSave(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Busy {
		c.mu.Unlock()
		return ErrBusy
	}
	draft := c.state.Draft
	if strings.TrimSpace(draft) == "" {
		c.mu.Unlock()
		return nil
	}
	mode, editingID := c.state.Mode, c.state.EditingID
	c.state.Busy = true
	c.state.Error = ""
	c.notifyLocked()
	c.mu.Unlock()

	var err error
	if mode == Editing {
		err = c.mut.Edit(ctx, c.conversationID, editingID, c.userID, draft)
	} else {
		_, err = c.mut.Send(ctx, c.conversationID, c.userID, draft)
	}

	c.update(func(s *State) {
		s.Busy = false
		if err != nil {
			s.Error = userMessage(err)
			return
		}
		switch {
		case mode == Editing && s.Mode == Editing && s.EditingID == editingID:
			s.Mode = Normal
			s.EditingID = ""
			s.Draft = ""
		case mode == Normal && s.Draft == draft:
			s.Draft = ""
		}
	})
	if err != nil {
		if chat.IsValidation(err) {
			return nil
		}
		c.log.Debug("composer submit failed", "conversationId", c.conversationID, "mode", mode.String(), "err", err)
		return err
	}
	return nil
}

// ConfirmDelete deletes the message awaiting confirmation. Deleting the
// message being edited ends the edit.
func (c *Composer) ConfirmDelete(ctx context.Context) error {
	c.mu.Lock()
	id := c.state.ConfirmingDelete
	if id == "" {
		c.mu.Unlock()
		return nil
	}
	if c.state.Busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state.ConfirmingDelete = ""
	c.state.Busy = true
	c.state.Error = ""
	c.notifyLocked()
	c.mu.Unlock()

	err := c.mut.Delete(ctx, c.conversationID, id, c.userID)

	c.update(func(s *State) {
		s.Busy = false
		if err != nil {
			s.Error = userMessage(err)
			return
		}
		if s.Mode == Editing && s.EditingID == id {
			s.Mode = Normal
			s.EditingID = ""
			s.Draft = ""
		}
	})
	if err != nil {
		c.log.Debug("composer delete failed", "conversationId", c.conversationID, "messageId", id, "err", err)
		return err
	}
	return nil
}

func (c *Composer) update(fn func(s *State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.state
	fn(&c.state)
	if c.state != before {
		c.notifyLocked()
	}
}

func (c *Composer) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func userMessage(err error) string {
	switch chat.CodeOf(err) {
	case chat.ErrorValidation:
		return ""
	case chat.ErrorUnauthorized:
		return "You can only change your own messages"
	case chat.ErrorInvalidState:
		return "This message was deleted"
	case chat.ErrorNotFound:
		return "Message not found"
	case chat.ErrorUpstream:
		return "Could not reach the server, try again"
	default:
		return "Something went wrong"
	}
}
