package dynamostore

import (
	"context"
	"errors"
	"reflect"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// SubscribeMessages polls the conversation's messages and emits the full
// result set whenever it changes. A failed read is delivered as a terminal
// snapshot and the channel is closed.
func (s *Store) SubscribeMessages(ctx context.Context, q store.MessageQuery) (<-chan store.MessageSnapshot, error) {
	if q.ConversationID == "" {
		return nil, errors.New("dynamostore: conversation id is required")
	}
	out := make(chan store.MessageSnapshot, 1)
	go poll(ctx, s.pollInterval, out,
		func(ctx context.Context) ([]domain.Message, error) { return s.queryMessages(ctx, q) },
		func(msgs []domain.Message, err error) store.MessageSnapshot {
			return store.MessageSnapshot{Messages: msgs, Err: err}
		})
	return out, nil
}

// SubscribeConversations polls the conversations memberID belongs to.
func (s *Store) SubscribeConversations(ctx context.Context, memberID string) (<-chan store.ConversationSnapshot, error) {
	if memberID == "" {
		return nil, errors.New("dynamostore: member id is required")
	}
	out := make(chan store.ConversationSnapshot, 1)
	go poll(ctx, s.pollInterval, out,
		func(ctx context.Context) ([]domain.Conversation, error) { return s.listConversations(ctx, memberID) },
		func(convs []domain.Conversation, err error) store.ConversationSnapshot {
			return store.ConversationSnapshot{Conversations: convs, Err: err}
		})
	return out, nil
}

// poll reads immediately and then every interval until ctx is done. out is
// written by this goroutine only and holds the latest undelivered snapshot.
func poll[T, S any](ctx context.Context, interval time.Duration, out chan S, fetch func(context.Context) (T, error), wrap func(T, error) S) {
	defer close(out)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last  T
		first = true
	)
	for {
		v, err := fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var zero T
			offer(out, wrap(zero, err))
			return
		}
		if first || !reflect.DeepEqual(v, last) {
			first = false
			last = v
			offer(out, wrap(v, nil))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func offer[S any](ch chan S, v S) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
