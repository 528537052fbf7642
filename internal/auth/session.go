// Package auth tracks the signed-in identity and keeps the users directory in
// step with it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatsync/internal/domain"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidEmail       = errors.New("auth: invalid email")
	ErrWeakPassword       = errors.New("auth: password too short")
)

// Provider authenticates users.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (domain.Identity, error)
	Register(ctx context.Context, email, password string) (domain.Identity, error)
}

// ProfileWriter records the signed-in user's directory profile.
type ProfileWriter interface {
	UpsertUser(ctx context.Context, uid, email string) error
}

// Session is the observable current identity of one client.
type Session struct {
	provider Provider
	profiles ProfileWriter
	log      *slog.Logger

	mu      sync.Mutex
	current *domain.Identity
	changed chan struct{}
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSession(provider Provider, profiles ProfileWriter, opts ...Option) (*Session, error) {
	if provider == nil {
		return nil, errors.New("auth: provider must not be nil")
	}
	if profiles == nil {
		return nil, errors.New("auth: profile writer must not be nil")
	}
	s := &Session{
		provider: provider,
		profiles: profiles,
		log:      slog.Default(),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Current returns the signed-in identity, if any.
func (s *Session) Current() (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Identity{}, false
	}
	return *s.current, true
}

// Watch returns a channel closed on the next sign-in or sign-out.
func (s *Session) Watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Session) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	id, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		return domain.Identity{}, err
	}
	return s.establish(ctx, id)
}

func (s *Session) Register(ctx context.Context, email, password string) (domain.Identity, error) {
	id, err := s.provider.Register(ctx, email, password)
	if err != nil {
		return domain.Identity{}, err
	}
	return s.establish(ctx, id)
}

func (s *Session) SignOut() {
	s.set(nil)
}

// establish writes the directory profile before exposing the identity, so
// other users can find the account as soon as it is signed in.
func (s *Session) establish(ctx context.Context, id domain.Identity) (domain.Identity, error) {
	if err := s.profiles.UpsertUser(ctx, id.UID, id.Email); err != nil {
		return domain.Identity{}, fmt.Errorf("auth: save profile: %w", err)
	}
	s.set(&id)
	s.log.Info("signed in", "uid", id.UID)
	return id, nil
}

func (s *Session) set(id *domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil && id == nil {
		return
	}
	s.current = id
	close(s.changed)
	s.changed = make(chan struct{})
}
