package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
	MinPasswordLength = 8
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooShort = fmt.Errorf("username must be at least %d characters", MinUsernameLength)
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// ValidateUsername checks that a username is 3-30 characters of [A-Za-z0-9_-].
func ValidateUsername(name string) error {
	if name == "" {
		return ErrUsernameEmpty
	}
	n := utf8.RuneCountInString(name)
	if n < MinUsernameLength {
		return ErrUsernameTooShort
	}
	if n > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidatePassword only enforces a minimum length; hashing is done by pkg/auth.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// Account is a registered credential record as persisted by the datastore.
type Account struct {
	ID           int64
	Username     string
	Role         Role
	PasswordHash []byte
	Salt         []byte
	CreatedAt    time.Time
}
