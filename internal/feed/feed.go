package feed

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

var errUpstreamClosed = errors.New("feed: upstream closed")

// sharedFeed is the single upstream query of one conversation and its
// attached consumers. Lock order: Hub.mu before sharedFeed.mu.
type sharedFeed struct {
	hub    *Hub
	id     string
	cancel context.CancelFunc

	releaseOnce sync.Once

	mu        sync.Mutex
	consumers map[*Consumer]struct{}
	gen       uint64
	timer     *time.Timer
	state     State
}

func (f *sharedFeed) attach() *Consumer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	c := &Consumer{feed: f, ch: make(chan State, 1)}
	f.consumers[c] = struct{}{}
	c.offer(f.state)
	return c
}

func (f *sharedFeed) detach(c *Consumer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.consumers[c]; !ok {
		return
	}
	delete(f.consumers, c)
	close(c.ch)
	if len(f.consumers) > 0 {
		return
	}
	f.gen++
	gen := f.gen
	f.timer = time.AfterFunc(f.hub.grace, func() { f.hub.expire(f, gen) })
}

func (f *sharedFeed) release() {
	f.releaseOnce.Do(func() {
		f.cancel()
		f.hub.metrics.FeedClosed()
	})
}

func (f *sharedFeed) shutdown() {
	f.release()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	for c := range f.consumers {
		delete(f.consumers, c)
		close(c.ch)
	}
}

func (f *sharedFeed) run(ctx context.Context, snaps <-chan store.MessageSnapshot) {
	dir := f.hub.dir
	var (
		msgs     []domain.Message
		received bool
	)
	// The watch channel is taken before each derive so that a resolution
	// landing between derive and the next select still wakes the loop.
	watch := dir.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				f.fail(msgs, received, errUpstreamClosed)
				return
			}
			if snap.Err != nil {
				f.fail(msgs, received, snap.Err)
				return
			}
			msgs = dedupe(snap.Messages)
			received = true
			for _, uid := range senderIDs(msgs) {
				dir.Ensure(uid)
			}
			watch = dir.Watch()
			f.publish(f.derive(msgs, received))
		case <-watch:
			watch = dir.Watch()
			if received {
				f.publish(f.derive(msgs, received))
			}
		}
	}
}

func (f *sharedFeed) derive(msgs []domain.Message, received bool) State {
	dir := f.hub.dir
	views := make([]domain.MessageView, 0, len(msgs))
	pending := false
	for _, m := range msgs {
		if dir.IsPending(m.SenderID) {
			pending = true
		}
		views = append(views, domain.NewMessageView(m, dir.DisplayFor(m.SenderID), f.hub.viewerID))
	}
	return State{Messages: views, Loading: !received || pending}
}

func (f *sharedFeed) publish(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reflect.DeepEqual(f.state, s) {
		return
	}
	f.state = s
	for c := range f.consumers {
		c.offer(s)
	}
}

func (f *sharedFeed) fail(msgs []domain.Message, received bool, err error) {
	f.hub.metrics.FeedFailed()
	f.hub.log.Warn("feed failed", "conversationId", f.id, "err", err)
	f.hub.evict(f)

	s := State{}
	if received {
		s = f.derive(msgs, received)
	}
	s.Loading = false
	s.Err = err
	f.publish(s)
	f.release()
}

// dedupe keeps the first position of every id with its latest content.
func dedupe(in []domain.Message) []domain.Message {
	index := make(map[string]int, len(in))
	out := make([]domain.Message, 0, len(in))
	for _, m := range in {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func senderIDs(msgs []domain.Message) []string {
	seen := make(map[string]struct{}, len(msgs))
	var ids []string
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	return ids
}

// Consumer is one attachment to a conversation feed.
type Consumer struct {
	feed   *sharedFeed
	ch     chan State
	latest State
	once   sync.Once
}

// offer replaces any undelivered state with s. Called with feed.mu held.
func (c *Consumer) offer(s State) {
	c.latest = s
	select {
	case c.ch <- s:
		return
	default:
	}
	select {
	case <-c.ch:
	default:
	}
	c.ch <- s
}

// Updates delivers the latest state whenever it changes. Intermediate states
// are dropped for a slow reader. The channel is closed by Close.
func (c *Consumer) Updates() <-chan State {
	return c.ch
}

// Latest returns the most recent state published to this consumer.
func (c *Consumer) Latest() State {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	return c.latest
}

// Message looks a message up by id in the latest state.
func (c *Consumer) Message(id string) (domain.MessageView, bool) {
	for _, m := range c.Latest().Messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.MessageView{}, false
}

// ConversationID returns the conversation this consumer follows.
func (c *Consumer) ConversationID() string {
	return c.feed.id
}

// Close detaches the consumer. The upstream query is released after the
// hub's grace period if no other consumer remains.
func (c *Consumer) Close() {
	c.once.Do(func() { c.feed.detach(c) })
}
