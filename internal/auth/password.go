package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const minPasswordLen = 6

// AccountStore persists password credentials. GetAccount reports a missing
// account with store.ErrNotFound and CreateAccount a taken email with
// store.ErrAlreadyExists.
type AccountStore interface {
	GetAccount(ctx context.Context, email string) (domain.Account, error)
	CreateAccount(ctx context.Context, acc domain.Account) error
}

// PasswordProvider authenticates email and password pairs against bcrypt
// hashes held in an AccountStore.
type PasswordProvider struct {
	accounts AccountStore
	cost     int
}

// NewPasswordProvider returns a provider over accounts. A cost below
// bcrypt.MinCost selects bcrypt.DefaultCost.
func NewPasswordProvider(accounts AccountStore, cost int) (*PasswordProvider, error) {
	if accounts == nil {
		return nil, errors.New("auth: account store must not be nil")
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordProvider{accounts: accounts, cost: cost}, nil
}

func (p *PasswordProvider) Register(ctx context.Context, email, password string) (domain.Identity, error) {
	if !strings.Contains(domain.NormalizeEmail(email), "@") {
		return domain.Identity{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return domain.Identity{}, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("auth: hash password: %w", err)
	}

	acc := domain.Account{UID: uuid.NewString(), Email: strings.TrimSpace(email), PasswordHash: hash}
	if err := p.accounts.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return domain.Identity{}, ErrEmailTaken
		}
		return domain.Identity{}, fmt.Errorf("auth: create account: %w", err)
	}
	return domain.Identity{UID: acc.UID, Email: acc.Email}, nil
}

func (p *PasswordProvider) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	acc, err := p.accounts.GetAccount(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("auth: read account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return domain.Identity{}, ErrInvalidCredentials
	}
	return domain.Identity{UID: acc.UID, Email: acc.Email}, nil
}
