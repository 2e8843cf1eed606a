// Package relay authorizes client transfer events against the session store
// and dispatches the resulting notifications through the fan-out adapter.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/skylink/pkg/cluster"
	"github.com/NicolasHaas/skylink/pkg/model"
	"github.com/NicolasHaas/skylink/pkg/presence"
	"github.com/NicolasHaas/skylink/pkg/protocol"
	pb "github.com/NicolasHaas/skylink/pkg/protocol/pb"
	"github.com/NicolasHaas/skylink/pkg/session"
)

var (
	ErrNotAuthenticated = errors.New("relay: not authenticated")
	ErrInvalidArgument  = errors.New("relay: invalid argument")
	ErrUnknownRecipient = errors.New("relay: unknown recipient")
	errRemote           = errors.New("relay: owner node failed")
)

// Directory is the presence view the router needs.
type Directory interface {
	Lookup(username string) (model.User, error)
	Release(username, connID string) bool
	List() []model.User
}

// Fanout is the delivery surface the router needs.
type Fanout interface {
	Deliver(connID, event string, payload any)
	Broadcast(event string, payload any)
	ClaimSession(id string, h cluster.SessionHandler)
	ForwardSession(ctx context.Context, id string, data []byte) ([]byte, error)
}

// Options configures a Router.
type Options struct {
	Presence Directory
	Sessions *session.Store
	Fanout   Fanout
	Logger   *slog.Logger

	// CancelOnDisconnect cancels a user's open sessions when they disconnect.
	CancelOnDisconnect bool
}

// Router is the relay router.
type Router struct {
	presence Directory
	sessions *session.Store
	fanout   Fanout
	log      *slog.Logger

	cancelOnDisconnect bool
}

// New creates a router.
func New(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		presence:           opts.Presence,
		sessions:           opts.Sessions,
		fanout:             opts.Fanout,
		log:                log,
		cancelOnDisconnect: opts.CancelOnDisconnect,
	}
}

// RequestTransfer opens a session from -> to and offers it to the recipient.
func (r *Router) RequestTransfer(ctx context.Context, from, to string, meta model.FileMeta) (string, error) {
	if from == "" {
		return "", ErrNotAuthenticated
	}
	if to == "" || to == from {
		return "", fmt.Errorf("relay: request transfer to %q: %w", to, ErrInvalidArgument)
	}
	if err := meta.Validate(); err != nil {
		return "", fmt.Errorf("relay: request transfer: %w: %w", ErrInvalidArgument, err)
	}
	if _, err := r.presence.Lookup(to); err != nil {
		if errors.Is(err, presence.ErrNotFound) {
			return "", fmt.Errorf("relay: request transfer to %q: %w", to, ErrUnknownRecipient)
		}
		return "", fmt.Errorf("relay: request transfer: %w", err)
	}

	s, err := r.sessions.Create([]string{from, to}, meta)
	if err != nil {
		return "", fmt.Errorf("relay: request transfer: %w", err)
	}
	r.fanout.ClaimSession(s.ID, r.handleForwarded)

	r.deliverTo(to, protocol.EventFileSendRequest, pb.FileSendOffer{
		From:      from,
		FileMeta:  meta,
		SessionID: s.ID,
	})
	r.log.Info("transfer requested", "session", s.ID, "from", from, "to", to, "file", meta.Name, "size", meta.Size)
	return s.ID, nil
}

// RespondTransfer accepts or rejects a pending session.
func (r *Router) RespondTransfer(ctx context.Context, from, sessionID string, accept bool) error {
	return r.dispatch(ctx, protocol.SessionCommand{
		Op: protocol.OpRespond, From: from, SessionID: sessionID, Accept: accept,
	})
}

// ReportProgress relays a progress percentage in [0,100].
func (r *Router) ReportProgress(ctx context.Context, from, sessionID string, pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("relay: progress %v: %w", pct, ErrInvalidArgument)
	}
	return r.dispatch(ctx, protocol.SessionCommand{
		Op: protocol.OpProgress, From: from, SessionID: sessionID, Progress: pct,
	})
}

// CompleteTransfer marks a transfer as done.
func (r *Router) CompleteTransfer(ctx context.Context, from, sessionID string) error {
	return r.dispatch(ctx, protocol.SessionCommand{
		Op: protocol.OpComplete, From: from, SessionID: sessionID,
	})
}

// CancelTransfer cancels a session.
func (r *Router) CancelTransfer(ctx context.Context, from, sessionID string) error {
	return r.dispatch(ctx, protocol.SessionCommand{
		Op: protocol.OpCancel, From: from, SessionID: sessionID,
	})
}

// FailTransfer moves a session to the error state with reason.
func (r *Router) FailTransfer(ctx context.Context, from, sessionID, reason string) error {
	return r.dispatch(ctx, protocol.SessionCommand{
		Op: protocol.OpFail, From: from, SessionID: sessionID, Reason: reason,
	})
}

// DisconnectUser marks username offline if connID is still its connection
// and announces the disconnect. Sessions are left to expire unless
// CancelOnDisconnect is set. It reports whether the user went offline.
func (r *Router) DisconnectUser(username, connID string) bool {
	if username == "" || !r.presence.Release(username, connID) {
		return false
	}
	r.fanout.Broadcast(protocol.EventUserDisconnected, pb.UserDisconnected{Username: username})

	if r.cancelOnDisconnect {
		for _, id := range r.sessions.Involving(username) {
			if err := r.execute(protocol.SessionCommand{Op: protocol.OpCancel, From: username, SessionID: id}); err != nil {
				r.log.Debug("cancel on disconnect", "session", id, "err", err)
			}
		}
	}
	r.log.Info("user disconnected", "user", username)
	return true
}

// UserList returns the public presence snapshot.
func (r *Router) UserList() []pb.UserInfo {
	users := r.presence.List()
	out := make([]pb.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, pb.UserInfo{Username: u.Username, Role: u.Role, Status: u.Status})
	}
	return out
}

// dispatch runs cmd on the local store, or on the owning node when the
// session is not held here.
func (r *Router) dispatch(ctx context.Context, cmd protocol.SessionCommand) error {
	if cmd.From == "" {
		return ErrNotAuthenticated
	}
	if cmd.SessionID == "" {
		return fmt.Errorf("relay: %s: empty session id: %w", cmd.Op, ErrInvalidArgument)
	}
	err := r.execute(cmd)
	if !errors.Is(err, session.ErrNotFound) {
		return err
	}
	return r.forward(ctx, cmd)
}

// execute applies cmd to the local store and notifies participants.
func (r *Router) execute(cmd protocol.SessionCommand) error {
	var (
		s   model.Session
		err error
	)
	switch cmd.Op {
	case protocol.OpRespond:
		s, err = r.sessions.Respond(cmd.From, cmd.SessionID, cmd.Accept)
		if err == nil {
			r.deliverAll(s.Participants, protocol.EventFileSendResp, pb.FileSendResponse{SessionID: s.ID, Accept: cmd.Accept})
		}
	case protocol.OpProgress:
		s, err = r.sessions.Progress(cmd.From, cmd.SessionID, cmd.Progress)
		if err == nil {
			r.deliverAll(s.Others(cmd.From), protocol.EventProgress, pb.TransferProgress{SessionID: s.ID, Progress: cmd.Progress})
		}
	case protocol.OpComplete:
		s, err = r.sessions.Complete(cmd.From, cmd.SessionID)
		if err == nil {
			r.deliverAll(s.Participants, protocol.EventTransferDone, pb.TransferRef{SessionID: s.ID})
		}
	case protocol.OpCancel:
		s, err = r.sessions.Cancel(cmd.From, cmd.SessionID)
		if err == nil {
			r.deliverAll(s.Participants, protocol.EventTransferCancel, pb.TransferRef{SessionID: s.ID})
		}
	case protocol.OpFail:
		s, err = r.sessions.Fail(cmd.From, cmd.SessionID, cmd.Reason)
		if err == nil {
			r.deliverAll(s.Participants, protocol.EventTransferError, pb.TransferError{SessionID: s.ID, Error: cmd.Reason})
		}
	default:
		return fmt.Errorf("relay: unknown op %q: %w", cmd.Op, ErrInvalidArgument)
	}
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w", cmd.Op, cmd.SessionID, err)
	}
	r.log.Debug("session updated", "session", s.ID, "op", cmd.Op, "by", cmd.From, "status", s.Status)
	return nil
}

func (r *Router) forward(ctx context.Context, cmd protocol.SessionCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("relay: marshal command: %w", err)
	}
	raw, err := r.fanout.ForwardSession(ctx, cmd.SessionID, data)
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w", cmd.Op, cmd.SessionID, session.ErrNotFound)
	}
	var reply protocol.SessionReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("relay: bad reply for %s: %w", cmd.SessionID, err)
	}
	if err := replyError(reply.Code); err != nil {
		return fmt.Errorf("relay: %s %s: %w", cmd.Op, cmd.SessionID, err)
	}
	return nil
}

// handleForwarded runs a command sent by another node for a session owned here.
func (r *Router) handleForwarded(data []byte) []byte {
	var cmd protocol.SessionCommand
	code := protocol.ReplyOK
	if err := json.Unmarshal(data, &cmd); err != nil {
		code = protocol.ReplyInvalidArgument
	} else if cmd.Op == protocol.OpProgress && (cmd.Progress < 0 || cmd.Progress > 100) {
		code = protocol.ReplyInvalidArgument
	} else {
		code = replyCode(r.execute(cmd))
	}
	out, _ := json.Marshal(protocol.SessionReply{Code: code})
	return out
}

func (r *Router) deliverAll(usernames []string, event string, payload any) {
	for _, u := range usernames {
		r.deliverTo(u, event, payload)
	}
}

// deliverTo sends to the current connection of username. Unknown or offline
// users are skipped.
func (r *Router) deliverTo(username, event string, payload any) {
	u, err := r.presence.Lookup(username)
	if err != nil || !u.Online() {
		r.log.Debug("recipient not reachable, dropped", "user", username, "event", event)
		return
	}
	r.fanout.Deliver(u.ConnID, event, payload)
}

func replyCode(err error) string {
	switch {
	case err == nil:
		return protocol.ReplyOK
	case errors.Is(err, session.ErrNotFound):
		return protocol.ReplyNotFound
	case errors.Is(err, session.ErrNotParticipant):
		return protocol.ReplyNotParticipant
	case errors.Is(err, session.ErrInvalidTransition):
		return protocol.ReplyInvalidTransition
	case errors.Is(err, session.ErrInvalidArgument), errors.Is(err, ErrInvalidArgument):
		return protocol.ReplyInvalidArgument
	default:
		return protocol.ReplyInternal
	}
}

func replyError(code string) error {
	switch code {
	case protocol.ReplyOK:
		return nil
	case protocol.ReplyNotFound:
		return session.ErrNotFound
	case protocol.ReplyNotParticipant:
		return session.ErrNotParticipant
	case protocol.ReplyInvalidTransition:
		return session.ErrInvalidTransition
	case protocol.ReplyInvalidArgument:
		return ErrInvalidArgument
	default:
		return errRemote
	}
}
