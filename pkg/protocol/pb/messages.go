// Package pb holds the JSON payloads carried inside protocol envelopes.
package pb

import "github.com/NicolasHaas/skylink/pkg/model"

// ----- Auth -----

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

// AuthSuccess is sent as register-success and login-success.
type AuthSuccess struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// AuthFailed is sent as register-failed and login-failed.
type AuthFailed struct {
	Reason string `json:"reason"`
}

// ----- Presence -----

type UserInfo struct {
	Username string       `json:"username"`
	Role     model.Role   `json:"role"`
	Status   model.Status `json:"status"`
}

type UserDisconnected struct {
	Username string `json:"username"`
}

// ----- Transfers -----

type FileSendRequest struct {
	To       string         `json:"to"`
	FileMeta model.FileMeta `json:"fileMeta"`
}

// FileSendOffer is what the recipient receives for a file-send-request.
type FileSendOffer struct {
	From      string         `json:"from"`
	FileMeta  model.FileMeta `json:"fileMeta"`
	SessionID string         `json:"sessionId"`
}

type FileSendResponse struct {
	SessionID string `json:"sessionId"`
	Accept    bool   `json:"accept"`
}

type TransferProgress struct {
	SessionID string  `json:"sessionId"`
	Progress  float64 `json:"progress"`
}

type TransferError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// TransferRef carries only a session id (cancel, complete).
type TransferRef struct {
	SessionID string `json:"sessionId"`
}

// ----- Generic -----

type ErrorResponse struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}
