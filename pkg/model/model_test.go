package model

import (
	"strings"
	"testing"
	"time"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid min length", "abc", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too short", "ab", ErrUsernameTooShort},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"contains @", "user@name", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("short"); err != ErrPasswordTooShort {
		t.Errorf("ValidatePassword(short) = %v, want %v", err, ErrPasswordTooShort)
	}
	if err := ValidatePassword("longenough"); err != nil {
		t.Errorf("ValidatePassword(longenough) = %v, want nil", err)
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input string
		want  Role
	}{
		{"sender", "sender"},
		{"  receiver ", "receiver"},
		{"", RoleUser},
		{"   ", RoleUser},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseRole(tt.input); got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRoleValidate(t *testing.T) {
	if err := Role("sender").Validate(); err != nil {
		t.Errorf("Validate(sender) = %v", err)
	}
	if err := Role(strings.Repeat("r", MaxRoleLength+1)).Validate(); err != ErrRoleTooLong {
		t.Errorf("Validate(long) = %v, want %v", err, ErrRoleTooLong)
	}
	if err := Role("bad\x1b[31m").Validate(); err != ErrRoleInvalidChars {
		t.Errorf("Validate(escape) = %v, want %v", err, ErrRoleInvalidChars)
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	tests := []struct {
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{SessionPending, SessionAccepted, true},
		{SessionPending, SessionRejected, true},
		{SessionPending, SessionInProgress, false},
		{SessionPending, SessionCancelled, true},
		{SessionAccepted, SessionInProgress, true},
		{SessionAccepted, SessionRejected, false},
		{SessionAccepted, SessionAccepted, false},
		{SessionInProgress, SessionInProgress, true},
		{SessionInProgress, SessionCompleted, true},
		{SessionInProgress, SessionError, true},
		{SessionRejected, SessionInProgress, false},
		{SessionRejected, SessionAccepted, false},
		{SessionCompleted, SessionCancelled, false},
		{SessionCancelled, SessionError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	for _, s := range []SessionStatus{SessionRejected, SessionCompleted, SessionCancelled, SessionError} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []SessionStatus{SessionPending, SessionAccepted, SessionInProgress, SessionStatus("bogus")} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestFileMetaValidate(t *testing.T) {
	if err := (FileMeta{Name: "x.txt", Size: 1024}).Validate(); err != nil {
		t.Errorf("Validate: unexpected error: %v", err)
	}
	if err := (FileMeta{Name: " ", Size: 1}).Validate(); err != ErrFileNameEmpty {
		t.Errorf("Validate(blank name) = %v, want %v", err, ErrFileNameEmpty)
	}
	if err := (FileMeta{Name: "x", Size: 0}).Validate(); err != ErrFileSizeInvalid {
		t.Errorf("Validate(zero size) = %v, want %v", err, ErrFileSizeInvalid)
	}
}

func TestSessionHelpers(t *testing.T) {
	s := &Session{ID: "s1", Participants: []string{"alice", "bob", "carol"}}

	if s.Initiator() != "alice" {
		t.Errorf("Initiator = %q, want alice", s.Initiator())
	}
	if !s.HasParticipant("bob") || s.HasParticipant("mallory") {
		t.Errorf("HasParticipant mismatch")
	}
	others := s.Others("bob")
	if len(others) != 2 || others[0] != "alice" || others[1] != "carol" {
		t.Errorf("Others(bob) = %v", others)
	}

	c := s.Clone()
	c.Participants[0] = "mallory"
	if s.Participants[0] != "alice" {
		t.Errorf("Clone shares participant slice")
	}
}

func TestTokenIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"never", time.Time{}, false},
		{"future", now.Add(time.Minute), false},
		{"exactly now", now, true},
		{"past", now.Add(-time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := &Token{ExpiresAt: tt.expires}
			if got := tok.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}
