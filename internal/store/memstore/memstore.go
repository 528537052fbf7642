// Package memstore is an in-process implementation of the store contract with
// push-based live queries. It backs tests and local runs.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// Store holds conversations, messages and user profiles in memory.
// Transactions are serialised, so a transaction body must not call back into
// the Store other than through its Tx.
type Store struct {
	mu    sync.Mutex
	clock func() time.Time

	conversations map[string]domain.Conversation
	messages      map[string]map[string]domain.Message
	users         map[string]domain.UserProfile
	accounts      map[string]domain.Account

	msgWatchers  map[string]map[*watcher[store.MessageSnapshot]]struct{}
	convWatchers map[*watcher[store.ConversationSnapshot]]string

	commitErr  error
	commits    int
	subscribed int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the server clock used for timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.clock = fn
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:         func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string]map[string]domain.Message),
		users:         make(map[string]domain.UserProfile),
		accounts:      make(map[string]domain.Account),
		msgWatchers:   make(map[string]map[*watcher[store.MessageSnapshot]]struct{}),
		convWatchers:  make(map[*watcher[store.ConversationSnapshot]]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunTransaction executes fn against the current state and commits its
// buffered writes atomically. Nothing is written if fn or the commit fails.
func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	if fn == nil {
		return errors.New("memstore: transaction body must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, now: s.clock()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return err
	}
	if err := tx.validate(); err != nil {
		return err
	}
	s.apply(tx)
	s.commits++
	return nil
}

// FailNextCommit makes the next transaction commit fail with err.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Subscriptions returns how many live queries have been opened.
func (s *Store) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// ActiveListeners returns the number of open message listeners for a
// conversation.
func (s *Store) ActiveListeners(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgWatchers[conversationID])
}

// PutConversation stores conv as is, replacing any existing record.
func (s *Store) PutConversation(conv domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	s.notifyConversations()
}

// PutUser stores a user profile as is.
func (s *Store) PutUser(p domain.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.UID] = p
}

// Conversation returns the stored conversation record.
func (s *Store) Conversation(id string) (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Message returns the stored message record.
func (s *Store) Message(conversationID, messageID string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[conversationID][messageID]
	return m, ok
}

// GetUser returns the profile stored under users/{uid}.
func (s *Store) GetUser(ctx context.Context, uid string) (domain.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return domain.UserProfile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[uid]
	if !ok {
		return domain.UserProfile{}, fmt.Errorf("memstore: user %q: %w", uid, store.ErrNotFound)
	}
	return p, nil
}

// FindUserByEmail looks a profile up by its emailLower field.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return domain.UserProfile{}, err
	}
	key := domain.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.users {
		if p.EmailLower == key {
			return p, nil
		}
	}
	return domain.UserProfile{}, fmt.Errorf("memstore: user with email %q: %w", key, store.ErrNotFound)
}

// UpsertUser records the user's email, setting createdAt on first write only.
func (s *Store) UpsertUser(ctx context.Context, uid, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(uid) == "" {
		return errors.New("memstore: uid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[uid]
	if !ok {
		p = domain.UserProfile{UID: uid, CreatedAt: s.clock()}
	}
	p.EmailLower = domain.NormalizeEmail(email)
	s.users[uid] = p
	return nil
}

func (s *Store) apply(tx *memTx) {
	touched := make(map[string]struct{})
	convsChanged := false

	for _, c := range tx.newConvs {
		s.conversations[c.ID] = c
		convsChanged = true
	}
	for _, m := range tx.newMsgs {
		if s.messages[m.ConversationID] == nil {
			s.messages[m.ConversationID] = make(map[string]domain.Message)
		}
		s.messages[m.ConversationID][m.ID] = m
		touched[m.ConversationID] = struct{}{}
	}
	for _, u := range tx.msgUpdates {
		msgs := s.messages[u.ConversationID]
		msgs[u.MessageID] = u.Apply(msgs[u.MessageID])
		touched[u.ConversationID] = struct{}{}
	}
	for _, u := range tx.convUpdates {
		s.conversations[u.ConversationID] = u.Apply(s.conversations[u.ConversationID])
		convsChanged = true
	}

	for id := range touched {
		s.notifyMessages(id)
	}
	if convsChanged {
		s.notifyConversations()
	}
}

type memTx struct {
	s   *Store
	now time.Time

	newConvs    []domain.Conversation
	newMsgs     []domain.Message
	msgUpdates  []store.MessageUpdate
	convUpdates []store.ConversationUpdate
}

func (t *memTx) GetConversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	c, ok := t.s.conversations[conversationID]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("memstore: conversation %q: %w", conversationID, store.ErrNotFound)
	}
	return c, nil
}

func (t *memTx) GetMessage(_ context.Context, conversationID, messageID string) (domain.Message, error) {
	m, ok := t.s.messages[conversationID][messageID]
	if !ok {
		return domain.Message{}, fmt.Errorf("memstore: message %q: %w", messageID, store.ErrNotFound)
	}
	return m, nil
}

func (t *memTx) CreateConversation(conv domain.Conversation) { t.newConvs = append(t.newConvs, conv) }
func (t *memTx) CreateMessage(msg domain.Message)           { t.newMsgs = append(t.newMsgs, msg) }
func (t *memTx) UpdateMessage(u store.MessageUpdate)        { t.msgUpdates = append(t.msgUpdates, u) }
func (t *memTx) UpdateConversation(u store.ConversationUpdate) {
	t.convUpdates = append(t.convUpdates, u)
}
func (t *memTx) Now() time.Time { return t.now }

func (t *memTx) validate() error {
	for _, c := range t.newConvs {
		if c.ID == "" {
			return errors.New("memstore: conversation id is required")
		}
		if _, ok := t.s.conversations[c.ID]; ok {
			return fmt.Errorf("memstore: create conversation %q: %w", c.ID, store.ErrAlreadyExists)
		}
	}
	for _, m := range t.newMsgs {
		if m.ID == "" || m.ConversationID == "" {
			return errors.New("memstore: message and conversation ids are required")
		}
		if _, ok := t.s.messages[m.ConversationID][m.ID]; ok {
			return fmt.Errorf("memstore: create message %q: %w", m.ID, store.ErrAlreadyExists)
		}
	}
	for _, u := range t.msgUpdates {
		if _, ok := t.s.messages[u.ConversationID][u.MessageID]; !ok {
			return fmt.Errorf("memstore: update message %q: %w", u.MessageID, store.ErrNotFound)
		}
	}
	for _, u := range t.convUpdates {
		if _, ok := t.s.conversations[u.ConversationID]; !ok && !t.creates(u.ConversationID) {
			return fmt.Errorf("memstore: update conversation %q: %w", u.ConversationID, store.ErrNotFound)
		}
	}
	return nil
}

func (t *memTx) creates(conversationID string) bool {
	for _, c := range t.newConvs {
		if c.ID == conversationID {
			return true
		}
	}
	return false
}

// GetAccount returns the credential registered under email.
func (s *Store) GetAccount(ctx context.Context, email string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	key := domain.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[key]
	if !ok {
		return domain.Account{}, fmt.Errorf("memstore: account %q: %w", key, store.ErrNotFound)
	}
	return acc, nil
}

// CreateAccount stores acc unless its email is already registered.
func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := domain.NormalizeEmail(acc.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key]; ok {
		return fmt.Errorf("memstore: account %q: %w", key, store.ErrAlreadyExists)
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.clock()
	}
	s.accounts[key] = acc
	return nil
}
