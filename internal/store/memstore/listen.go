package memstore

import (
	"context"
	"errors"
	"fmt"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// watcher is one live query. Its channel holds at most the latest snapshot;
// an undelivered snapshot is replaced by a newer one. Sends and close happen
// only with Store.mu held.
type watcher[T any] struct {
	ch     chan T
	limit  int
	closed bool
}

func newWatcher[T any](limit int) *watcher[T] {
	return &watcher[T]{ch: make(chan T, 1), limit: limit}
}

func (w *watcher[T]) offer(v T) {
	if w.closed {
		return
	}
	select {
	case w.ch <- v:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	w.ch <- v
}

func (w *watcher[T]) close() {
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
}

// SubscribeMessages opens a live query over one conversation's messages. The
// current result set is delivered immediately; the listener is released when
// ctx is done.
func (s *Store) SubscribeMessages(ctx context.Context, q store.MessageQuery) (<-chan store.MessageSnapshot, error) {
	if q.ConversationID == "" {
		return nil, errors.New("memstore: conversation id is required")
	}
	w := newWatcher[store.MessageSnapshot](q.EffectiveLimit())

	s.mu.Lock()
	if s.msgWatchers[q.ConversationID] == nil {
		s.msgWatchers[q.ConversationID] = make(map[*watcher[store.MessageSnapshot]]struct{})
	}
	s.msgWatchers[q.ConversationID][w] = struct{}{}
	s.subscribed++
	w.offer(store.MessageSnapshot{Messages: s.messageSnapshot(q.ConversationID, w.limit)})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.msgWatchers[q.ConversationID], w)
		if len(s.msgWatchers[q.ConversationID]) == 0 {
			delete(s.msgWatchers, q.ConversationID)
		}
		w.close()
	}()
	return w.ch, nil
}

// SubscribeConversations opens a live query over the conversations memberID
// belongs to, most recently active first.
func (s *Store) SubscribeConversations(ctx context.Context, memberID string) (<-chan store.ConversationSnapshot, error) {
	if memberID == "" {
		return nil, errors.New("memstore: member id is required")
	}
	w := newWatcher[store.ConversationSnapshot](0)

	s.mu.Lock()
	s.convWatchers[w] = memberID
	s.subscribed++
	w.offer(store.ConversationSnapshot{Conversations: s.conversationSnapshot(memberID)})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.convWatchers, w)
		w.close()
	}()
	return w.ch, nil
}

// BreakSubscriptions terminates every live message query of a conversation
// with err, as a remote listener failure would.
func (s *Store) BreakSubscriptions(conversationID string, err error) {
	if err == nil {
		err = fmt.Errorf("memstore: listener for %q failed", conversationID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.msgWatchers[conversationID] {
		w.offer(store.MessageSnapshot{Err: err})
		w.close()
	}
	delete(s.msgWatchers, conversationID)
}

func (s *Store) notifyMessages(conversationID string) {
	for w := range s.msgWatchers[conversationID] {
		w.offer(store.MessageSnapshot{Messages: s.messageSnapshot(conversationID, w.limit)})
	}
}

func (s *Store) notifyConversations() {
	for w, member := range s.convWatchers {
		w.offer(store.ConversationSnapshot{Conversations: s.conversationSnapshot(member)})
	}
}

func (s *Store) messageSnapshot(conversationID string, limit int) []domain.Message {
	msgs := make([]domain.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		msgs = append(msgs, m)
	}
	store.SortMessages(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

func (s *Store) conversationSnapshot(memberID string) []domain.Conversation {
	var convs []domain.Conversation
	for _, c := range s.conversations {
		if c.HasMember(memberID) {
			convs = append(convs, c)
		}
	}
	store.SortConversations(convs)
	return convs
}
