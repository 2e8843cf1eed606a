package protocol

import (
	"encoding/json"

	"github.com/NicolasHaas/skylink/pkg/model"
)

// Substrate subjects, relative to the configured prefix.
const (
	SubjectDeliver      = "deliver"
	SubjectBroadcast    = "broadcast"
	SubjectPresence     = "presence"
	SubjectPresenceSync = "presence.sync"
	SubjectSession      = "session"
)

// Delivery is a relay event addressed to one connection (ConnID set) or to
// every connection in the cluster (ConnID empty).
type Delivery struct {
	Origin string          `json:"origin"`
	ConnID string          `json:"conn_id,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// PresenceUpdate mirrors one presence entry to the other nodes.
type PresenceUpdate struct {
	Origin   string       `json:"origin"`
	Username string       `json:"username"`
	Role     model.Role   `json:"role"`
	Status   model.Status `json:"status"`
	ConnID   string       `json:"conn_id"`
	Gone     bool         `json:"gone,omitempty"` // origin node is shutting down
}

// PresenceSync asks every node to republish its local presence entries.
type PresenceSync struct {
	Origin string `json:"origin"`
}

// Session command operations forwarded to the owning node.
const (
	OpRespond  = "respond"
	OpProgress = "progress"
	OpComplete = "complete"
	OpCancel   = "cancel"
	OpFail     = "fail"
)

// SessionCommand is a transfer event for a session owned by another node.
type SessionCommand struct {
	Op        string  `json:"op"`
	From      string  `json:"from"`
	SessionID string  `json:"session_id"`
	Accept    bool    `json:"accept,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Session command reply codes.
const (
	ReplyOK                = ""
	ReplyNotFound          = "not_found"
	ReplyNotParticipant    = "not_participant"
	ReplyInvalidTransition = "invalid_transition"
	ReplyInvalidArgument   = "invalid_argument"
	ReplyInternal          = "internal"
)

// SessionReply is the owner's answer to a SessionCommand.
type SessionReply struct {
	Code string `json:"code,omitempty"`
}
