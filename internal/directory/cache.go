// Package directory resolves user ids to display values for message lists.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const (
	defaultConcurrency = 8
	defaultTimeout     = 5 * time.Second
)

// Lookup reads a user profile from the users directory.
type Lookup interface {
	GetUser(ctx context.Context, uid string) (domain.UserProfile, error)
}

// Recorder receives the outcome of each resolution: "found", "missing" or
// "error".
type Recorder interface {
	ObserveLookup(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveLookup(string) {}

type entry struct {
	display  string
	resolved bool
}

// Cache memoizes display values by user id for the lifetime of the process.
// An entry is claimed as pending by the first Ensure for its id, so at most
// one lookup per id is ever issued; it resolves exactly once, falling back to
// the raw id when the profile is missing or the lookup fails.
type Cache struct {
	lookup  Lookup
	log     *slog.Logger
	metrics Recorder
	timeout time.Duration
	sem     *semaphore.Weighted

	mu      sync.Mutex
	entries map[string]entry
	changed chan struct{}

	inflight sync.WaitGroup
}

type Option func(*Cache)

// WithConcurrency bounds the number of lookups in flight at once.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeout bounds a single lookup.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.metrics = r
		}
	}
}

func New(lookup Lookup, opts ...Option) (*Cache, error) {
	if lookup == nil {
		return nil, errors.New("directory: lookup must not be nil")
	}
	c := &Cache{
		lookup:  lookup,
		log:     slog.Default(),
		metrics: nopRecorder{},
		timeout: defaultTimeout,
		sem:     semaphore.NewWeighted(defaultConcurrency),
		entries: make(map[string]entry),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ensure starts resolving uid unless an entry for it already exists. It never
// blocks on the lookup.
func (c *Cache) Ensure(uid string) {
	if uid == "" {
		return
	}
	c.mu.Lock()
	if _, ok := c.entries[uid]; ok {
		c.mu.Unlock()
		return
	}
	c.entries[uid] = entry{}
	c.inflight.Add(1)
	c.mu.Unlock()

	go c.resolve(uid)
}

// DisplayFor returns the resolved display value for uid, or uid itself while
// the entry is pending or absent.
func (c *Cache) DisplayFor(uid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[uid]; ok && e.resolved {
		return e.display
	}
	return uid
}

// IsPending reports whether a lookup for uid has been claimed and has not
// completed yet.
func (c *Cache) IsPending(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[uid]
	return ok && !e.resolved
}

// Watch returns a channel that is closed on the next resolution.
func (c *Cache) Watch() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Wait blocks until every lookup started so far has completed.
func (c *Cache) Wait() {
	c.inflight.Wait()
}

func (c *Cache) resolve(uid string) {
	defer c.inflight.Done()

	// Lookups outlive the feeds that requested them.
	ctx := context.Background()
	display := uid
	if err := c.sem.Acquire(ctx, 1); err == nil {
		display = c.fetch(ctx, uid)
		c.sem.Release(1)
	}

	c.mu.Lock()
	c.entries[uid] = entry{display: display, resolved: true}
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, uid string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	p, err := c.lookup.GetUser(ctx, uid)
	switch {
	case err == nil:
		c.metrics.ObserveLookup("found")
		if p.UID == "" {
			p.UID = uid
		}
		return p.Display()
	case errors.Is(err, store.ErrNotFound):
		c.metrics.ObserveLookup("missing")
	default:
		c.metrics.ObserveLookup("error")
		c.log.Warn("sender lookup failed", "uid", uid, "err", err)
	}
	return uid
}
