package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

type fakeLookup struct {
	mu       sync.Mutex
	profiles map[string]domain.UserProfile
	err      error
	release  chan struct{}
	calls    map[string]int
	active   int32
	peak     int32
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{profiles: map[string]domain.UserProfile{}, calls: map[string]int{}}
}

func (f *fakeLookup) GetUser(ctx context.Context, uid string) (domain.UserProfile, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[uid]++
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.UserProfile{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.UserProfile{}, f.err
	}
	p, ok := f.profiles[uid]
	if !ok {
		return domain.UserProfile{}, fmt.Errorf("fake: %w", store.ErrNotFound)
	}
	return p, nil
}

func (f *fakeLookup) callsFor(uid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uid]
}

type countingRecorder struct {
	mu  sync.Mutex
	out map[string]int
}

func (r *countingRecorder) ObserveLookup(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		r.out = map[string]int{}
	}
	r.out[outcome]++
}

func mustNewCache(t *testing.T, l Lookup, opts ...Option) *Cache {
	t.Helper()
	c, err := New(l, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_NilLookup(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestEnsure_ResolvesDisplayValue(t *testing.T) {
	l := newFakeLookup()
	l.profiles["u1"] = domain.UserProfile{UID: "u1", EmailLower: "alice@example.com"}
	c := mustNewCache(t, l)

	c.Ensure("u1")
	c.Wait()

	require.Equal(t, "alice@example.com", c.DisplayFor("u1"))
	require.False(t, c.IsPending("u1"))
}

func TestEnsure_PrefersDisplayName(t *testing.T) {
	l := newFakeLookup()
	l.profiles["u1"] = domain.UserProfile{UID: "u1", EmailLower: "alice@example.com", DisplayName: "Alice"}
	c := mustNewCache(t, l)

	c.Ensure("u1")
	c.Wait()
	require.Equal(t, "Alice", c.DisplayFor("u1"))
}

func TestEnsure_MissingProfileFallsBackToID(t *testing.T) {
	rec := &countingRecorder{}
	c := mustNewCache(t, newFakeLookup(), WithRecorder(rec))

	c.Ensure("ghost")
	c.Wait()
	require.Equal(t, "ghost", c.DisplayFor("ghost"))
	require.False(t, c.IsPending("ghost"))
	require.Equal(t, 1, rec.out["missing"])
}

func TestEnsure_LookupErrorFallsBackToIDWithoutRetry(t *testing.T) {
	l := newFakeLookup()
	l.err = errors.New("permission denied")
	rec := &countingRecorder{}
	c := mustNewCache(t, l, WithRecorder(rec))

	c.Ensure("u1")
	c.Wait()
	c.Ensure("u1")
	c.Wait()

	require.Equal(t, "u1", c.DisplayFor("u1"))
	require.False(t, c.IsPending("u1"))
	require.Equal(t, 1, l.callsFor("u1"))
	require.Equal(t, 1, rec.out["error"])
}

func TestEnsure_PendingShowsRawID(t *testing.T) {
	l := newFakeLookup()
	l.profiles["u1"] = domain.UserProfile{UID: "u1", EmailLower: "alice@example.com"}
	l.release = make(chan struct{})
	c := mustNewCache(t, l)

	c.Ensure("u1")
	require.True(t, c.IsPending("u1"))
	require.Equal(t, "u1", c.DisplayFor("u1"))

	close(l.release)
	c.Wait()
	require.Equal(t, "alice@example.com", c.DisplayFor("u1"))
}

func TestEnsure_ConcurrentCallsIssueOneLookup(t *testing.T) {
	l := newFakeLookup()
	l.profiles["u1"] = domain.UserProfile{UID: "u1", EmailLower: "alice@example.com"}
	l.release = make(chan struct{})
	c := mustNewCache(t, l)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Ensure("u1")
		}()
	}
	wg.Wait()
	close(l.release)
	c.Wait()

	require.Equal(t, 1, l.callsFor("u1"))
	for i := 0; i < 8; i++ {
		require.Equal(t, "alice@example.com", c.DisplayFor("u1"))
	}
}

func TestEnsure_BoundsConcurrentLookups(t *testing.T) {
	l := newFakeLookup()
	l.release = make(chan struct{})
	c := mustNewCache(t, l, WithConcurrency(2))

	for i := 0; i < 10; i++ {
		c.Ensure(fmt.Sprintf("u%d", i))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&l.active) == 2 }, time.Second, 5*time.Millisecond)
	close(l.release)
	c.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&l.peak), int32(2))
}

func TestEnsure_TimeoutResolvesToID(t *testing.T) {
	l := newFakeLookup()
	l.release = make(chan struct{})
	c := mustNewCache(t, l, WithTimeout(20*time.Millisecond))

	c.Ensure("slow")
	c.Wait()
	require.Equal(t, "slow", c.DisplayFor("slow"))
	require.False(t, c.IsPending("slow"))
}

func TestWatch_ClosedOnResolution(t *testing.T) {
	l := newFakeLookup()
	l.profiles["u1"] = domain.UserProfile{UID: "u1", EmailLower: "alice@example.com"}
	c := mustNewCache(t, l)

	changed := c.Watch()
	c.Ensure("u1")
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
	require.NotEqual(t, changed, c.Watch())
}

func TestEnsure_IgnoresEmptyID(t *testing.T) {
	l := newFakeLookup()
	c := mustNewCache(t, l)
	c.Ensure("")
	c.Wait()
	require.Zero(t, l.callsFor(""))
}
