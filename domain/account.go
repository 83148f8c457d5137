package domain

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// Account owns a private set of tasks.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	LastLogin    time.Time `json:"lastLogin"`
}

// AccountSummary is the public view of an account.
type AccountSummary struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	LastLogin time.Time `json:"lastLogin"`
}

func (a Account) Summary() AccountSummary {
	return AccountSummary{
		ID:        a.ID,
		Username:  a.Username,
		Email:     a.Email,
		CreatedAt: a.CreatedAt,
		LastLogin: a.LastLogin,
	}
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateRegistration checks the fields of a new account.
func ValidateRegistration(username, email, password string) error {
	username = strings.TrimSpace(username)
	if n := utf8.RuneCountInString(username); n < 3 || n > 30 {
		return &ValidationError{Field: "username", Message: "Username must be between 3 and 30 characters"}
	}
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return &ValidationError{Field: "email", Message: "Please provide a valid email"}
	}
	if len(password) < 6 {
		return &ValidationError{Field: "password", Message: "Password must be at least 6 characters"}
	}
	return nil
}
