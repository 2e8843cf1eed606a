package model

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// SessionStatus is the negotiation state of a transfer session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionAccepted   SessionStatus = "accepted"
	SessionRejected   SessionStatus = "rejected"
	SessionInProgress SessionStatus = "in-progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
	SessionError      SessionStatus = "error"
)

// sessionTransitions lists, for every state, the states it may move to.
// Terminal states have no outgoing edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:    {SessionAccepted, SessionRejected, SessionCancelled, SessionError},
	SessionAccepted:   {SessionInProgress, SessionCompleted, SessionCancelled, SessionError},
	SessionInProgress: {SessionInProgress, SessionCompleted, SessionCancelled, SessionError},
	SessionRejected:   nil,
	SessionCompleted:  nil,
	SessionCancelled:  nil,
	SessionError:      nil,
}

// CanTransition reports whether a session in state s may move to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return slices.Contains(sessionTransitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	edges, ok := sessionTransitions[s]
	return ok && len(edges) == 0
}

func (s SessionStatus) String() string {
	return string(s)
}

var ErrFileNameEmpty = errors.New("file name must not be empty")
var ErrFileSizeInvalid = errors.New("file size must be positive")

// FileMeta describes the offered file. The server only checks presence of
// name and size; everything else is relayed as-is.
type FileMeta struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Type         string `json:"type,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// Validate checks the fields the server relies on.
func (m FileMeta) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return ErrFileNameEmpty
	}
	if m.Size <= 0 {
		return ErrFileSizeInvalid
	}
	return nil
}

// Session is a negotiated, time-bounded transfer agreement (in-memory only).
type Session struct {
	ID           string
	Participants []string // first entry is the initiator; immutable
	FileMeta     FileMeta
	Status       SessionStatus
	Progress     float64
	Reason       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Node         string
}

// HasParticipant reports whether username takes part in the session.
func (s *Session) HasParticipant(username string) bool {
	return slices.Contains(s.Participants, username)
}

// Initiator returns the username that requested the transfer.
func (s *Session) Initiator() string {
	if len(s.Participants) == 0 {
		return ""
	}
	return s.Participants[0]
}

// Others returns every participant except username.
func (s *Session) Others(username string) []string {
	out := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p != username {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *Session) Clone() Session {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	return c
}
