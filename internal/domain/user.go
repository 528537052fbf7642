package domain

import (
	"strings"
	"time"
)

// UserProfile is the directory record stored under users/{uid}.
type UserProfile struct {
	UID         string
	EmailLower  string
	DisplayName string
	CreatedAt   time.Time
}

// Display returns the value shown for the user in message lists.
func (u UserProfile) Display() string {
	if s := strings.TrimSpace(u.DisplayName); s != "" {
		return s
	}
	if u.EmailLower != "" {
		return u.EmailLower
	}
	return u.UID
}

// Identity is the currently signed-in user.
type Identity struct {
	UID   string
	Email string
}

// NormalizeEmail returns the directory lookup key for an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Account is the password credential of a user, keyed by normalized email.
type Account struct {
	UID          string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
