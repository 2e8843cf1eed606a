package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/skylink/pkg/auth"
	"github.com/NicolasHaas/skylink/pkg/model"
	"github.com/NicolasHaas/skylink/pkg/presence"
	"github.com/NicolasHaas/skylink/pkg/protocol"
	pb "github.com/NicolasHaas/skylink/pkg/protocol/pb"
	"github.com/NicolasHaas/skylink/pkg/relay"
	"github.com/NicolasHaas/skylink/pkg/session"
)

// Greeting is sent to every client right after the upgrade.
const Greeting = "Signaling server is up and running!"

// Error codes carried by error events.
const (
	codeBadRequest       int32 = 400
	codeNotAuthenticated int32 = 401
	codeForbidden        int32 = 403
	codeNotFound         int32 = 404
	codeConflict         int32 = 409
	codeTooManyRequests  int32 = 429
	codeInternal         int32 = 500
)

// maxReasonLength caps the error text of file-transfer-error.
const maxReasonLength = 256

// requestTimeout bounds the work done for one client event.
const requestTimeout = 5 * time.Second

// ControlHandler serves client WebSocket connections and dispatches their
// events to the relay router and the identity provider.
type ControlHandler struct {
	server   *Server
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// newControlHandler creates a control handler.
func newControlHandler(srv *Server) *ControlHandler {
	return &ControlHandler{
		server: srv,
		hub:    srv.hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: srv.log,
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (ch *ControlHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := ch.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ch.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	s := ch.server
	c := ch.hub.add(ws, clientIP(r, s.cfg.TrustProxy))
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	ch.log.Debug("new connection", "conn", c.id, "remote", c.ip)

	go ch.hub.writePump(c)
	defer ch.disconnect(c)

	ch.hub.sendTo(c, protocol.EventServerMessage, Greeting)
	if token := r.URL.Query().Get("token"); token != "" {
		ch.authenticate(r.Context(), c, token)
	}

	ws.SetReadLimit(protocol.MaxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.log.Debug("read error", "conn", c.id, "err", err)
			}
			return
		}
		s.metrics.FramesIn.Add(1)

		env, err := protocol.Decode(frame)
		if err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			continue
		}
		ch.handleMessage(c, env)
	}
}

// disconnect runs once when the read loop of c ends.
func (ch *ControlHandler) disconnect(c *conn) {
	c.close()
	ch.hub.remove(c.id)
	s := ch.server
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)

	if username, _ := c.identity(); username != "" {
		s.router.DisconnectUser(username, c.id)
		ch.log.Info("client disconnected", "user", username, "conn", c.id)
	}
}

// handleMessage dispatches a client event to the appropriate handler.
func (ch *ControlHandler) handleMessage(c *conn, env *protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch env.Event {
	case protocol.EventRegister:
		ch.handleRegister(ctx, c, env)

	case protocol.EventLogin:
		ch.handleLogin(ctx, c, env)

	case protocol.EventAuthenticate:
		var req pb.AuthenticateRequest
		if err := env.DecodeData(&req); err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			return
		}
		ch.authenticate(ctx, c, req.Token)

	case protocol.EventFileSendRequest:
		var req pb.FileSendRequest
		if err := env.DecodeData(&req); err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			return
		}
		from := ch.actor(c)
		if _, err := ch.server.router.RequestTransfer(ctx, from, req.To, req.FileMeta); err != nil {
			ch.sendRelayError(c, err)
			return
		}
		ch.server.metrics.TransfersRequested.Add(1)

	case protocol.EventFileSendResp:
		var req pb.FileSendResponse
		if err := env.DecodeData(&req); err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			return
		}
		from := ch.actor(c)
		ch.sendRelayError(c, ch.server.router.RespondTransfer(ctx, from, req.SessionID, req.Accept))

	case protocol.EventProgress:
		var req pb.TransferProgress
		if err := env.DecodeData(&req); err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			return
		}
		from := ch.actor(c)
		ch.sendRelayError(c, ch.server.router.ReportProgress(ctx, from, req.SessionID, req.Progress))

	case protocol.EventTransferError:
		var req pb.TransferError
		if err := env.DecodeData(&req); err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			return
		}
		from := ch.actor(c)
		ch.sendRelayError(c, ch.server.router.FailTransfer(ctx, from, req.SessionID, sanitizeText(req.Error)))

	case protocol.EventTransferCancel:
		var req pb.TransferRef
		if err := env.DecodeData(&req); err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			return
		}
		from := ch.actor(c)
		ch.sendRelayError(c, ch.server.router.CancelTransfer(ctx, from, req.SessionID))

	case protocol.EventTransferDone:
		var req pb.TransferRef
		if err := env.DecodeData(&req); err != nil {
			ch.sendError(c, codeBadRequest, "Invalid argument")
			return
		}
		from := ch.actor(c)
		ch.sendRelayError(c, ch.server.router.CompleteTransfer(ctx, from, req.SessionID))

	default:
		ch.sendError(c, codeBadRequest, "Unknown event")
	}
}

func (ch *ControlHandler) handleRegister(ctx context.Context, c *conn, env *protocol.Envelope) {
	s := ch.server
	if !s.allow(ctx, "auth:"+c.ip) {
		ch.sendError(c, codeTooManyRequests, "Too many requests")
		return
	}
	var req pb.RegisterRequest
	if err := env.DecodeData(&req); err != nil {
		ch.hub.sendTo(c, protocol.EventRegisterFailed, pb.AuthFailed{Reason: "Invalid request"})
		return
	}
	role := model.ParseRole(req.Role)

	// Another node may hold the user online without sharing our store.
	if u, err := s.presence.Lookup(req.Username); err == nil && u.Online() {
		s.metrics.FailedAuths.Add(1)
		ch.hub.sendTo(c, protocol.EventRegisterFailed, pb.AuthFailed{Reason: "Username already taken"})
		return
	}

	token, err := s.auth.Register(ctx, req.Username, req.Password, role)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		ch.hub.sendTo(c, protocol.EventRegisterFailed, pb.AuthFailed{Reason: failureReason(err)})
		return
	}

	ch.release(c)
	if _, err := s.presence.Register(req.Username, role, c.id); err != nil {
		// The account must not outlive a rejected registration.
		if uerr := s.auth.Unregister(ctx, req.Username); uerr != nil {
			ch.log.Error("remove rejected account", "user", req.Username, "err", uerr)
		}
		s.metrics.FailedAuths.Add(1)
		reason := "Registration failed"
		if errors.Is(err, presence.ErrDuplicateUser) {
			reason = "Username already taken"
		}
		ch.hub.sendTo(c, protocol.EventRegisterFailed, pb.AuthFailed{Reason: reason})
		return
	}
	c.bind(req.Username, role)
	s.metrics.SuccessfulAuths.Add(1)
	ch.log.Info("user registered", "user", req.Username, "role", role, "conn", c.id)
	ch.hub.sendTo(c, protocol.EventRegisterSuccess, pb.AuthSuccess{Username: req.Username, Token: token})
}

func (ch *ControlHandler) handleLogin(ctx context.Context, c *conn, env *protocol.Envelope) {
	s := ch.server
	if !s.allow(ctx, "auth:"+c.ip) {
		ch.sendError(c, codeTooManyRequests, "Too many requests")
		return
	}
	var req pb.LoginRequest
	if err := env.DecodeData(&req); err != nil {
		ch.hub.sendTo(c, protocol.EventLoginFailed, pb.AuthFailed{Reason: "Invalid request"})
		return
	}

	token, role, err := s.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		ch.hub.sendTo(c, protocol.EventLoginFailed, pb.AuthFailed{Reason: failureReason(err)})
		return
	}
	if !ch.bindSession(c, req.Username, role) {
		ch.hub.sendTo(c, protocol.EventLoginFailed, pb.AuthFailed{Reason: "Login failed"})
		return
	}
	ch.hub.sendTo(c, protocol.EventLoginSuccess, pb.AuthSuccess{Username: req.Username, Token: token})
}

// authenticate resumes an identity from a token issued earlier.
func (ch *ControlHandler) authenticate(ctx context.Context, c *conn, token string) {
	s := ch.server
	id, err := s.auth.Validate(ctx, token)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		ch.hub.sendTo(c, protocol.EventLoginFailed, pb.AuthFailed{Reason: failureReason(err)})
		return
	}
	if !ch.bindSession(c, id.Username, id.Role) {
		ch.hub.sendTo(c, protocol.EventLoginFailed, pb.AuthFailed{Reason: "Login failed"})
		return
	}
	ch.hub.sendTo(c, protocol.EventLoginSuccess, pb.AuthSuccess{Username: id.Username, Token: token})
}

// bindSession makes c the live connection of username. The last bind wins:
// a superseded connection on this node loses the identity.
func (ch *ControlHandler) bindSession(c *conn, username string, role model.Role) bool {
	s := ch.server
	if current, _ := c.identity(); current != username {
		ch.release(c)
	}
	prev, _ := s.presence.Lookup(username)
	_, err := s.presence.Bind(username, c.id)
	if errors.Is(err, presence.ErrUnknownUser) {
		// Persisted account, first seen by this process.
		_, err = s.presence.Ensure(username, role, c.id)
	}
	if err != nil {
		ch.log.Error("bind presence", "user", username, "err", err)
		return false
	}
	c.bind(username, role)
	if prev.ConnID != "" && prev.ConnID != c.id {
		if old := ch.hub.get(prev.ConnID); old != nil && old.unbind(username) {
			ch.log.Info("connection superseded", "user", username, "conn", old.id)
		}
	}
	s.metrics.SuccessfulAuths.Add(1)
	ch.log.Info("user logged in", "user", username, "conn", c.id)
	return true
}

// actor returns the username c may act for. A connection that is no longer
// the bound connection of its user is reset to anonymous.
func (ch *ControlHandler) actor(c *conn) string {
	username, _ := c.identity()
	if username == "" {
		return ""
	}
	if u, err := ch.server.presence.Lookup(username); err == nil && u.Online() && u.ConnID == c.id {
		return username
	}
	c.unbind(username)
	return ""
}

// release drops the identity currently bound to c, if any.
func (ch *ControlHandler) release(c *conn) {
	if previous := c.bind("", ""); previous != "" {
		ch.server.router.DisconnectUser(previous, c.id)
	}
}

// sendRelayError maps relay and session errors to client error events.
// A nil error sends nothing.
func (ch *ControlHandler) sendRelayError(c *conn, err error) {
	if err == nil {
		return
	}
	code, msg := errorMessage(err)
	if code == codeInternal {
		ch.log.Error("relay operation failed", "conn", c.id, "err", err)
	}
	ch.sendError(c, code, msg)
}

// sendError sends an error event to the client.
func (ch *ControlHandler) sendError(c *conn, code int32, message string) {
	ch.server.metrics.ClientErrors.Add(1)
	ch.hub.sendTo(c, protocol.EventError, pb.ErrorResponse{Code: code, Message: message})
}

func errorMessage(err error) (int32, string) {
	switch {
	case errors.Is(err, relay.ErrNotAuthenticated):
		return codeNotAuthenticated, "Not authenticated"
	case errors.Is(err, relay.ErrUnknownRecipient):
		return codeNotFound, "User not found"
	case errors.Is(err, session.ErrNotFound):
		return codeNotFound, "Invalid session"
	case errors.Is(err, session.ErrNotParticipant):
		return codeForbidden, "Not a session participant"
	case errors.Is(err, session.ErrInvalidTransition):
		return codeConflict, "Invalid transition"
	case errors.Is(err, relay.ErrInvalidArgument), errors.Is(err, session.ErrInvalidArgument):
		return codeBadRequest, "Invalid argument"
	default:
		return codeInternal, "Internal error"
	}
}

// validationErrors are shown to the client as-is.
var validationErrors = []error{
	model.ErrUsernameEmpty,
	model.ErrUsernameTooShort,
	model.ErrUsernameTooLong,
	model.ErrUsernameInvalidChars,
	model.ErrPasswordTooShort,
	model.ErrRoleTooLong,
	model.ErrRoleInvalidChars,
}

// failureReason turns an auth error into the reason shown to the client.
func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		return "Username already taken"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid username or password"
	case errors.Is(err, auth.ErrInvalidToken):
		return "Invalid or expired token"
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "Internal error"
}

// sanitizeText drops control characters and caps free text relayed to peers.
func sanitizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxReasonLength {
		s = string([]rune(s)[:maxReasonLength])
	}
	return s
}
