// Package protocol defines the client event envelope and the messages nodes
// exchange over the cluster substrate.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessage is the maximum size of a single client frame (64KB).
const MaxMessage = 65536

// Client -> server events.
const (
	EventRegister        = "register"
	EventLogin           = "login"
	EventAuthenticate    = "authenticate"
	EventFileSendRequest = "file-send-request"
	EventFileSendResp    = "file-send-response"
	EventProgress        = "file-transfer-progress"
	EventTransferError   = "file-transfer-error"
	EventTransferCancel  = "file-transfer-cancel"
	EventTransferDone    = "file-transfer-complete"
)

// Server -> client events. The transfer events above are also relayed as-is.
const (
	EventServerMessage    = "server-message"
	EventRegisterSuccess  = "register-success"
	EventRegisterFailed   = "register-failed"
	EventLoginSuccess     = "login-success"
	EventLoginFailed      = "login-failed"
	EventUserList         = "user-list"
	EventUserDisconnected = "user-disconnected"
	EventError            = "error"
)

var ErrEmptyEvent = errors.New("protocol: envelope has no event name")

// Envelope is the JSON frame carried over the client connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into an envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
	}
	return EncodeRaw(event, data)
}

// EncodeRaw wraps already-marshalled payload bytes.
func EncodeRaw(event string, data json.RawMessage) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(frame) > MaxMessage {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(frame))
	}
	return frame, nil
}

// Decode parses a client frame.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) > MaxMessage {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: %s: %w", e.Event, err)
	}
	return nil
}
