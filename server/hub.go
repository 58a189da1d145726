package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alimasry/go-collab-docs/session"
)

// Hub routes commands to the orchestrator and fans session events out to
// the clients attached on this instance. With a Broadcaster, events also
// reach clients attached to other instances.
type Hub struct {
	orch        *session.Orchestrator
	broadcaster Broadcaster
	logger      *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewHub creates a hub. broadcaster may be nil for a single instance.
func NewHub(orch *session.Orchestrator, broadcaster Broadcaster, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		orch:        orch,
		broadcaster: broadcaster,
		logger:      logger.With("component", "hub"),
		rooms:       make(map[string]*room),
	}
	orch.OnApplied(h.publishApplied)
	return h
}

type senderKey struct{}

// publishApplied fans out an accepted operation. The orchestrator calls it
// with the session still locked, so a session's op events leave in version
// order.
func (h *Hub) publishApplied(ctx context.Context, sessionID string, a session.Applied) {
	sender, _ := ctx.Value(senderKey{}).(string)
	h.broadcast(ctx, EventOp, sessionID, sender, OpEvent{Operation: a.Operation, Version: a.Version})
}

// Run relays events from other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.broadcaster == nil {
		<-ctx.Done()
		return nil
	}
	err := h.broadcaster.Subscribe(ctx, h.deliver)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Broadcast delivers ev locally and publishes it to other instances.
func (h *Hub) Broadcast(ctx context.Context, ev Event) {
	h.deliver(ev)
	if h.broadcaster == nil {
		return
	}
	if err := h.broadcaster.Publish(ctx, ev); err != nil {
		h.logger.Error("publish failed", "session", ev.SessionID, "event", ev.Type, "error", err)
	}
}

func (h *Hub) broadcast(ctx context.Context, typ, sessionID, sender string, data any) {
	ev, err := newEvent(typ, sessionID, sender, data)
	if err != nil {
		h.logger.Error("encode event", "session", sessionID, "event", typ, "error", err)
		return
	}
	h.Broadcast(ctx, ev)
}

func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	r := h.rooms[ev.SessionID]
	h.mu.RUnlock()
	if r != nil {
		r.send(ev)
	}
}

// attach moves c into the room of sessionID, leaving any previous room.
func (h *Hub) attach(c *Client, sessionID string) {
	if prev := c.currentSession(); prev != "" && prev != sessionID {
		h.detach(c, prev)
	}
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = newRoom()
		h.rooms[sessionID] = r
	}
	h.mu.Unlock()
	r.add(c)
	c.setSession(sessionID)
}

func (h *Hub) detach(c *Client, sessionID string) {
	h.mu.Lock()
	if r, ok := h.rooms[sessionID]; ok && r.remove(c) {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()
	if c.currentSession() == sessionID {
		c.setSession("")
	}
}

// userAttached reports whether another local client of userID is in the room.
func (h *Hub) userAttached(sessionID, userID string, except *Client) bool {
	h.mu.RLock()
	r := h.rooms[sessionID]
	h.mu.RUnlock()
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if c != except && c.UserID == userID {
			return true
		}
	}
	return false
}

// Clients returns the clients attached to sessionID on this instance.
func (h *Hub) Clients(sessionID string) []ClientInfo {
	h.mu.RLock()
	r := h.rooms[sessionID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.clientInfos()
}

// disconnect leaves the client's session, unless the same user is still
// connected to it through another client.
func (h *Hub) disconnect(ctx context.Context, c *Client) {
	defer c.close()

	sessionID := c.currentSession()
	if sessionID == "" {
		return
	}
	h.detach(c, sessionID)
	if h.userAttached(sessionID, c.UserID, c) {
		return
	}
	sess, err := h.orch.Leave(ctx, sessionID, c.UserID)
	if err != nil {
		if !errors.Is(err, session.ErrNotAParticipant) && !errors.Is(err, session.ErrSessionNotFound) {
			h.logger.Warn("leave on disconnect", "session", sessionID, "user", c.UserID, "error", err)
		}
		return
	}
	h.broadcast(ctx, EventParticipant, sessionID, c.ID, ParticipantEvent{ClientInfo: c.Info(), Event: "left"})
	if sess.Status == session.StatusEnded {
		h.broadcast(ctx, EventStatus, sessionID, c.ID, sess)
	}
}

// Dispatch runs one command on behalf of c and returns the reply.
func (h *Hub) Dispatch(ctx context.Context, c *Client, cmd Command) Reply {
	if err := cmd.Validate(); err != nil {
		return Reply{Type: cmd.Type, RequestID: cmd.RequestID, Message: err.Error(), Code: "InvalidMessage"}
	}
	data, err := h.dispatch(context.WithValue(ctx, senderKey{}, c.ID), c, cmd)
	if err != nil {
		h.logger.Debug("command failed", "type", cmd.Type, "session", cmd.SessionID, "user", c.UserID, "error", err)
		r := Reply{
			Type:      cmd.Type,
			RequestID: cmd.RequestID,
			Message:   err.Error(),
			Code:      session.Code(err),
		}
		if v, ok := session.CurrentVersion(err); ok {
			r.Version = &v
		}
		return r
	}
	return Reply{Type: cmd.Type, RequestID: cmd.RequestID, Success: true, Data: data}
}

// JoinResult is the reply to a join: everything a client needs to start editing.
type JoinResult struct {
	Session *session.Session `json:"session"`
	Content string           `json:"content"`
	Clients []ClientInfo     `json:"clients"`
}

func (h *Hub) dispatch(ctx context.Context, c *Client, cmd Command) (any, error) {
	switch cmd.Type {
	case MsgCreate:
		sess, err := h.orch.Create(ctx, cmd.DocumentID, c.UserID)
		if err != nil {
			return nil, err
		}
		h.attach(c, sess.ID)
		return sess, nil

	case MsgJoin:
		if _, err := h.orch.Join(ctx, cmd.SessionID, c.UserID, cmd.Role); err != nil {
			return nil, err
		}
		state, err := h.orch.State(ctx, cmd.SessionID)
		if err != nil {
			return nil, err
		}
		h.attach(c, cmd.SessionID)
		h.broadcast(ctx, EventParticipant, cmd.SessionID, c.ID, ParticipantEvent{ClientInfo: c.Info(), Event: "joined"})
		return JoinResult{Session: state.Session, Content: state.Content, Clients: h.Clients(cmd.SessionID)}, nil

	case MsgLeave:
		sess, err := h.orch.Leave(ctx, cmd.SessionID, c.UserID)
		if err != nil {
			return nil, err
		}
		h.detach(c, cmd.SessionID)
		h.broadcast(ctx, EventParticipant, cmd.SessionID, c.ID, ParticipantEvent{ClientInfo: c.Info(), Event: "left"})
		if sess.Status == session.StatusEnded {
			h.broadcast(ctx, EventStatus, cmd.SessionID, c.ID, sess)
		}
		return sess, nil

	case MsgOp:
		applied, err := h.orch.ApplyOperation(ctx, cmd.SessionID, c.UserID, *cmd.Op, cmd.BaseVersion)
		if err != nil {
			return nil, err
		}
		return applied, nil

	case MsgState:
		if err := h.requireAttached(c, cmd.SessionID); err != nil {
			return nil, err
		}
		return h.orch.State(ctx, cmd.SessionID)

	case MsgHistory:
		if err := h.requireAttached(c, cmd.SessionID); err != nil {
			return nil, err
		}
		return h.orch.History(ctx, cmd.SessionID, cmd.Limit)

	case MsgSnapshot:
		return h.orch.CreateSnapshot(ctx, cmd.SessionID, c.UserID)

	case MsgRestore:
		applied, err := h.orch.RestoreSnapshot(ctx, cmd.SessionID, c.UserID, cmd.Version)
		if err != nil {
			return nil, err
		}
		return applied, nil

	case MsgEnd:
		sess, err := h.orch.End(ctx, cmd.SessionID, c.UserID)
		if err != nil {
			return nil, err
		}
		h.broadcast(ctx, EventStatus, cmd.SessionID, c.ID, sess)
		return sess, nil

	case MsgPresence:
		if err := h.requireAttached(c, cmd.SessionID); err != nil {
			return nil, err
		}
		h.broadcast(ctx, EventPresence, cmd.SessionID, c.ID, PresenceEvent{ClientInfo: c.Info(), Presence: *cmd.Presence})
		return nil, nil
	}
	return nil, fmt.Errorf("unknown command %q", cmd.Type)
}

func (h *Hub) requireAttached(c *Client, sessionID string) error {
	if c.currentSession() != sessionID {
		return fmt.Errorf("%w: client is not in session %q", session.ErrNotAParticipant, sessionID)
	}
	return nil
}
