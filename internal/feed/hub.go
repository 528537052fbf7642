// Package feed maintains live, enriched message lists for conversations.
//
// A Hub keeps at most one upstream query per conversation no matter how many
// consumers are attached. The query is released a grace period after the last
// consumer detaches, so a quick detach/attach cycle reuses it.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const defaultGrace = 5 * time.Second

// Subscriber opens live message queries on the remote store.
type Subscriber interface {
	SubscribeMessages(ctx context.Context, q store.MessageQuery) (<-chan store.MessageSnapshot, error)
}

// Directory resolves sender ids to display values. Watch returns a channel
// closed on the next change of any entry.
type Directory interface {
	Ensure(uid string)
	DisplayFor(uid string) string
	IsPending(uid string) bool
	Watch() <-chan struct{}
}

// Recorder receives feed lifecycle events.
type Recorder interface {
	FeedOpened()
	FeedClosed()
	FeedFailed()
}

type nopRecorder struct{}

func (nopRecorder) FeedOpened() {}
func (nopRecorder) FeedClosed() {}
func (nopRecorder) FeedFailed() {}

// State is what a consumer renders. Err is terminal: the feed no longer
// updates and the consumer has to subscribe again.
type State struct {
	Messages []domain.MessageView
	Loading  bool
	Err      error
}

// Hub multiplexes conversation feeds for one signed-in viewer.
type Hub struct {
	sub      Subscriber
	dir      Directory
	viewerID string
	grace    time.Duration
	limit    int
	log      *slog.Logger
	metrics  Recorder

	mu    sync.Mutex
	feeds map[string]*sharedFeed
}

type Option func(*Hub)

// WithGrace sets how long an unused upstream query is kept alive.
func WithGrace(d time.Duration) Option {
	return func(h *Hub) {
		if d >= 0 {
			h.grace = d
		}
	}
}

// WithLimit bounds the number of messages per conversation.
func WithLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.limit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.metrics = r
		}
	}
}

func NewHub(sub Subscriber, dir Directory, viewerID string, opts ...Option) (*Hub, error) {
	if sub == nil {
		return nil, errors.New("feed: subscriber must not be nil")
	}
	if dir == nil {
		return nil, errors.New("feed: directory must not be nil")
	}
	if viewerID == "" {
		return nil, errors.New("feed: viewer id must not be empty")
	}
	h := &Hub{
		sub:      sub,
		dir:      dir,
		viewerID: viewerID,
		grace:    defaultGrace,
		limit:    store.DefaultMessageLimit,
		log:      slog.Default(),
		metrics:  nopRecorder{},
		feeds:    make(map[string]*sharedFeed),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Subscribe attaches a consumer to the feed of conversationID, opening the
// upstream query if none is live. The consumer receives the current state
// right away.
func (h *Hub) Subscribe(conversationID string) (*Consumer, error) {
	if conversationID == "" {
		return nil, errors.New("feed: conversation id must not be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.feeds[conversationID]
	if !ok {
		var err error
		f, err = h.open(conversationID)
		if err != nil {
			return nil, err
		}
		h.feeds[conversationID] = f
	}
	return f.attach(), nil
}

// Close releases every upstream query. Attached consumers keep their last
// state and their channels are closed.
func (h *Hub) Close() {
	h.mu.Lock()
	feeds := h.feeds
	h.feeds = make(map[string]*sharedFeed)
	h.mu.Unlock()

	for _, f := range feeds {
		f.shutdown()
	}
}

// Active returns the number of conversations with a live upstream query.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

func (h *Hub) open(conversationID string) (*sharedFeed, error) {
	ctx, cancel := context.WithCancel(context.Background())
	snaps, err := h.sub.SubscribeMessages(ctx, store.MessageQuery{ConversationID: conversationID, Limit: h.limit})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("feed: subscribe %q: %w", conversationID, err)
	}
	f := &sharedFeed{
		hub:       h,
		id:        conversationID,
		cancel:    cancel,
		consumers: make(map[*Consumer]struct{}),
		state:     State{Loading: true},
	}
	h.metrics.FeedOpened()
	h.log.Debug("feed opened", "conversationId", conversationID)
	go f.run(ctx, snaps)
	return f, nil
}

// expire releases f if no consumer attached since the grace timer of
// generation gen was armed.
func (h *Hub) expire(f *sharedFeed, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f.mu.Lock()
	idle := f.gen == gen && len(f.consumers) == 0
	f.mu.Unlock()
	if !idle {
		return
	}
	if h.feeds[f.id] == f {
		delete(h.feeds, f.id)
	}
	f.release()
	h.log.Debug("feed released", "conversationId", f.id)
}

// evict forgets f so the next Subscribe opens a fresh upstream query.
func (h *Hub) evict(f *sharedFeed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[f.id] == f {
		delete(h.feeds, f.id)
	}
}
