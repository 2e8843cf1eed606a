package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Role is a free-form peer classification (e.g. "sender", "receiver") used by
// clients to filter the user list. The server attaches no permissions to it.
type Role string

const (
	RoleUser Role = "user" // assigned when a client registers without a role

	MaxRoleLength = 32
)

var ErrRoleTooLong = fmt.Errorf("role must not exceed %d characters", MaxRoleLength)
var ErrRoleInvalidChars = errors.New("role must not contain control characters")

// ParseRole trims s and falls back to RoleUser when it is empty.
func ParseRole(s string) Role {
	s = strings.TrimSpace(s)
	if s == "" {
		return RoleUser
	}
	return Role(s)
}

func (r Role) String() string {
	return string(r)
}

// Validate checks length and rejects control characters.
func (r Role) Validate() error {
	if utf8.RuneCountInString(string(r)) > MaxRoleLength {
		return ErrRoleTooLong
	}
	for _, c := range string(r) {
		if unicode.IsControl(c) {
			return ErrRoleInvalidChars
		}
	}
	return nil
}
