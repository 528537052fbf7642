// Package conversations derives the signed-in user's live conversation list.
package conversations

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const defaultTitle = "Conversation"

// Subscriber opens live conversation list queries.
type Subscriber interface {
	SubscribeConversations(ctx context.Context, memberID string) (<-chan store.ConversationSnapshot, error)
}

// Directory resolves member ids to display values.
type Directory interface {
	Ensure(uid string)
	DisplayFor(uid string) string
	IsPending(uid string) bool
	Watch() <-chan struct{}
}

// Row is one conversation as listed.
type Row struct {
	ID    string
	Title string
	Last  string
	At    *time.Time
}

// ListState is what the list screen renders. Err is terminal.
type ListState struct {
	Rows    []Row
	Loading bool
	Err     error
}

type Lister struct {
	sub Subscriber
	dir Directory
	log *slog.Logger
}

type Option func(*Lister)

func WithLogger(l *slog.Logger) Option {
	return func(ls *Lister) {
		if l != nil {
			ls.log = l
		}
	}
}

func New(sub Subscriber, dir Directory, opts ...Option) (*Lister, error) {
	if sub == nil {
		return nil, errors.New("conversations: subscriber must not be nil")
	}
	if dir == nil {
		return nil, errors.New("conversations: directory must not be nil")
	}
	ls := &Lister{sub: sub, dir: dir, log: slog.Default()}
	for _, opt := range opts {
		opt(ls)
	}
	return ls, nil
}

// Watch streams the conversation list of who, most recently active first.
// Only the latest state is buffered. The channel is closed when ctx is done
// or after a state carrying an error.
func (ls *Lister) Watch(ctx context.Context, who domain.Identity) (<-chan ListState, error) {
	if who.UID == "" {
		return nil, errors.New("conversations: not signed in")
	}
	ctx, cancel := context.WithCancel(ctx)
	snaps, err := ls.sub.SubscribeConversations(ctx, who.UID)
	if err != nil {
		cancel()
		return nil, err
	}
	out := make(chan ListState, 1)
	out <- ListState{Loading: true}
	go func() {
		defer cancel()
		defer close(out)
		ls.run(ctx, who, snaps, out)
	}()
	return out, nil
}

func (ls *Lister) run(ctx context.Context, who domain.Identity, snaps <-chan store.ConversationSnapshot, out chan ListState) {
	var (
		convs    []domain.Conversation
		received bool
		last     = ListState{Loading: true}
	)
	publish := func(s ListState) {
		if reflect.DeepEqual(s, last) {
			return
		}
		last = s
		offer(out, s)
	}

	watch := ls.dir.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok || snap.Err != nil {
				if ctx.Err() != nil {
					return
				}
				err := snap.Err
				if err == nil {
					err = errors.New("conversations: upstream closed")
				}
				ls.log.Warn("conversation list failed", "uid", who.UID, "err", err)
				s := ls.derive(who, convs)
				s.Loading = false
				s.Err = err
				publish(s)
				return
			}
			convs = snap.Conversations
			received = true
			for _, c := range convs {
				if uid := otherMember(c, who.UID); uid != "" {
					ls.dir.Ensure(uid)
				}
			}
			watch = ls.dir.Watch()
			publish(ls.derive(who, convs))
		case <-watch:
			watch = ls.dir.Watch()
			if received {
				publish(ls.derive(who, convs))
			}
		}
	}
}

func (ls *Lister) derive(who domain.Identity, convs []domain.Conversation) ListState {
	rows := make([]Row, 0, len(convs))
	pending := false
	for _, c := range convs {
		if uid := otherMember(c, who.UID); uid != "" && ls.dir.IsPending(uid) {
			pending = true
		}
		rows = append(rows, Row{
			ID:    c.ID,
			Title: ls.title(who, c),
			Last:  c.LastMessageText,
			At:    c.LastMessageAt,
		})
	}
	return ListState{Rows: rows, Loading: pending}
}

func (ls *Lister) title(who domain.Identity, c domain.Conversation) string {
	if c.Type != domain.ConversationTypeDirect {
		return defaultTitle
	}
	if isSelf(c, who.UID) {
		if who.Email != "" {
			return who.Email
		}
		return defaultTitle
	}
	if uid := otherMember(c, who.UID); uid != "" {
		return ls.dir.DisplayFor(uid)
	}
	return defaultTitle
}

func isSelf(c domain.Conversation, uid string) bool {
	for _, m := range c.Members {
		if m != uid {
			return false
		}
	}
	return len(c.Members) > 0
}

// otherMember returns the first member of a direct conversation that is not
// uid, or "" for self and non-direct conversations.
func otherMember(c domain.Conversation, uid string) string {
	if c.Type != domain.ConversationTypeDirect {
		return ""
	}
	for _, m := range c.Members {
		if m != uid {
			return m
		}
	}
	return ""
}

func offer(ch chan ListState, s ListState) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- s
}
