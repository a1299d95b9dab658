package hub

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/calls"
	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
	"github.com/collapsinghierarchy/nt-callrelay/internal/registry"
	"github.com/collapsinghierarchy/nt-callrelay/internal/rooms"
	"github.com/collapsinghierarchy/nt-callrelay/internal/signal"
)

var ErrNoCall = errors.New("no live call between peers")

// Dispatch handles one inbound frame from connID. Failures are answered on
// the sender's own connection or logged; they never escape to the caller.
func (h *Hub) Dispatch(connID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.lg.Error("dispatch panicked", zap.String("conn", connID), zap.Any("panic", r))
			h.fault(connID, fmt.Errorf("dispatch panic: %v", r))
		}
	}()

	info, ok := h.reg.Info(connID)
	if !ok || info.Status != registry.Open {
		metrics.Dropped.WithLabelValues("not-open").Inc()
		return
	}
	h.reg.Touch(connID)

	env, err := signal.Parse(raw)
	if err != nil {
		code := signal.CodeBadRequest
		if errors.Is(err, signal.ErrUnknownType) {
			code = signal.CodeUnknownType
		}
		h.sendError(connID, code, err.Error())
		h.fault(connID, err)
		return
	}
	metrics.SignalMsg.WithLabelValues(string(env.Type)).Inc()

	self := identity(info.ID, info.UserID)
	h.msgs.Emit(Message{ConnID: connID, Identity: self, Envelope: env}, h.recovered)

	switch env.Type.Route() {
	case signal.RouteLocal:
		h.local(info, env)
	case signal.RouteRoomOthers:
		if err := checkChat(env); err != nil {
			h.sendError(connID, signal.CodeBadRequest, err.Error())
			h.fault(connID, err)
			return
		}
		h.relay(connID, env, rooms.Others)
	case signal.RouteDirect:
		h.direct(info, env)
	case signal.RouteIntercept:
		h.call(info, env)
	}
}

func (h *Hub) local(info registry.Info, env signal.Envelope) {
	switch env.Type {
	case signal.Ping:
		h.send(info.ID, signal.Pong, nil)
	case signal.JoinRoom:
		h.join(info, env.RoomID)
	case signal.LeaveRoom:
		h.leave(info, env.RoomID)
	}
}

func (h *Hub) join(info registry.Info, room string) {
	if room == "" {
		h.sendError(info.ID, signal.CodeBadRequest, "roomId required")
		return
	}
	joined := false
	err := h.reg.JoinRoom(info.ID, room, func() error {
		joined = h.rooms.Join(room, info.ID)
		return nil
	})
	if err != nil {
		h.lg.Debug("join refused", zap.String("conn", info.ID), zap.String("room", room), zap.Error(err))
		return
	}
	h.send(info.ID, signal.RoomJoined, signal.RoomMembers{RoomID: room, Members: h.rooms.Members(room)})
	if joined {
		h.broadcastPresence(room, signal.UserJoined, info.ID, info.UserID)
	}
}

func (h *Hub) leave(info registry.Info, room string) {
	if !h.reg.LeaveRoom(info.ID, room, func() { h.rooms.Leave(room, info.ID) }) {
		h.sendError(info.ID, signal.CodeNotMember, "not a member of "+room)
		return
	}
	h.send(info.ID, signal.RoomLeft, signal.Presence{ConnectionID: info.ID, UserID: info.UserID, RoomID: room})
	h.broadcastPresence(room, signal.UserLeft, info.ID, info.UserID)
}

// checkChat enforces the payload shape of relayed chat verbs: send-message
// carries non-empty text, typing carries a boolean flag.
func checkChat(env signal.Envelope) error {
	switch env.Type {
	case signal.SendMessage:
		var body signal.ChatText
		if err := env.DecodeRequired(&body); err != nil {
			return err
		}
		if body.Text == "" {
			return fmt.Errorf("%w: %s needs text", signal.ErrMalformed, env.Type)
		}
	case signal.Typing:
		var body signal.TypingState
		if err := env.DecodeRequired(&body); err != nil {
			return err
		}
		if body.Typing == nil {
			return fmt.Errorf("%w: %s needs a typing flag", signal.ErrMalformed, env.Type)
		}
	}
	return nil
}

func (h *Hub) broadcastPresence(room string, t signal.Type, connID, userID string) {
	env, err := signal.New(t, signal.Presence{
		ConnectionID: connID,
		UserID:       userID,
		RoomID:       room,
		Members:      h.rooms.Size(room),
	})
	if err != nil {
		return
	}
	h.rooms.Broadcast(room, env, connID)
}

// relay forwards env inside its room. Cross-room violations are logged and
// reported to OnError but never echoed to the sender.
func (h *Hub) relay(connID string, env signal.Envelope, target rooms.Target) {
	if env.RoomID == "" {
		h.sendError(connID, signal.CodeBadRequest, "roomId required")
		return
	}
	if _, err := h.rooms.Relay(env.RoomID, connID, env, target); err != nil {
		h.lg.Warn("relay refused",
			zap.String("conn", connID), zap.String("room", env.RoomID),
			zap.Stringer("target", target), zap.String("type", string(env.Type)), zap.Error(err))
		h.fault(connID, err)
	}
}

func (h *Hub) direct(info registry.Info, env signal.Envelope) {
	if env.To == "" {
		h.sendError(info.ID, signal.CodeBadRequest, "to required")
		return
	}
	if h.cfg.RequireCall {
		peer, ok := h.reg.Info(env.To)
		if !ok || !h.calls.InCall(identity(info.ID, info.UserID), identity(peer.ID, peer.UserID)) {
			h.sendError(info.ID, signal.CodeNoCall, "no ringing or active call with target")
			h.fault(info.ID, fmt.Errorf("%w: %s -> %s", ErrNoCall, info.ID, env.To))
			return
		}
	}
	h.relay(info.ID, env, rooms.To(env.To))
}

func (h *Hub) call(info registry.Info, env signal.Envelope) {
	self := identity(info.ID, info.UserID)
	var err error
	switch env.Type {
	case signal.CallRequest:
		err = h.callRequest(info, self, env)
	case signal.CallAccept:
		var ref signal.CallRef
		if err = env.Decode(&ref); err == nil {
			_, err = h.calls.Accept(self, ref.RequestID)
		}
	case signal.CallReject:
		var ref signal.CallRef
		if err = env.Decode(&ref); err == nil {
			_, err = h.calls.Reject(self, ref.RequestID)
		}
	case signal.CallCancel:
		var ref signal.CallRef
		if err = env.Decode(&ref); err == nil {
			h.calls.Cancel(self, ref.Callee, ref.RequestID)
		}
	case signal.CallEnd:
		var ref signal.CallRef
		if err = env.Decode(&ref); err == nil {
			_, err = h.calls.End(self, ref.RequestID)
		}
	}
	if err == nil {
		return
	}

	code := signal.CodeBadRequest
	switch {
	case errors.Is(err, calls.ErrStaleAction):
		code = signal.CodeStaleAction
	case errors.Is(err, calls.ErrSelfCall):
		code = signal.CodeSelfCall
	case errors.Is(err, calls.ErrBusy):
		code = signal.CodeBusy
	}
	h.sendError(info.ID, code, err.Error())
	h.fault(info.ID, err)
}

func (h *Hub) callRequest(info registry.Info, self string, env signal.Envelope) error {
	var inv signal.CallInvite
	if err := env.Decode(&inv); err != nil {
		return err
	}
	callee := inv.Callee
	if callee == "" && env.To != "" {
		if peer, ok := h.reg.Info(env.To); ok {
			callee = identity(peer.ID, peer.UserID)
		}
	}
	if callee == "" || env.RoomID == "" {
		return fmt.Errorf("%w: callee and roomId required", calls.ErrInvalidParty)
	}
	if !h.rooms.Has(env.RoomID, info.ID) {
		return fmt.Errorf("%w: conn=%s room=%s", rooms.ErrSenderNotMember, info.ID, env.RoomID)
	}
	if callee != self && !h.presentIn(env.RoomID, callee) {
		h.send(info.ID, signal.CallUnavailable, signal.CallOutcome{
			Caller: self, Callee: callee, Reason: "not-in-room",
		})
		return nil
	}
	_, err := h.calls.Request(self, callee, env.RoomID, calls.Meta{
		DisplayName: inv.DisplayName,
		Avatar:      inv.Avatar,
	})
	return err
}

// presentIn reports whether ident has an open connection in room.
func (h *Hub) presentIn(room, ident string) bool {
	for _, id := range h.rooms.Members(room) {
		if info, ok := h.reg.Info(id); ok && info.Status == registry.Open && identity(info.ID, info.UserID) == ident {
			return true
		}
	}
	return false
}
