package hub

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/calls"
	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
	"github.com/collapsinghierarchy/nt-callrelay/internal/registry"
	"github.com/collapsinghierarchy/nt-callrelay/internal/signal"
)

// onCallEvent turns controller transitions into envelopes for the parties'
// open connections.
func (h *Hub) onCallEvent(e calls.Event) {
	req := e.Request
	outcome := signal.CallOutcome{
		RequestID: req.ID,
		Caller:    req.Caller,
		Callee:    req.Callee,
		Reason:    e.Reason,
	}

	switch e.Kind {
	case calls.EventRinging:
		ring := signal.Ringing{
			RequestID: req.ID,
			Caller:    req.Caller,
			RoomID:    req.RoomID,
			CallMeta:  signal.CallMeta{DisplayName: req.Meta.DisplayName, Avatar: req.Meta.Avatar},
		}
		h.sendIdentity(req.Callee, req.RoomID, signal.CallRinging, ring)
		h.sendIdentity(req.Caller, req.RoomID, signal.CallRinging, ring)
	case calls.EventQueued:
		h.sendIdentity(req.Caller, req.RoomID, signal.CallQueued, signal.Queued{
			RequestID: req.ID,
			Callee:    req.Callee,
			Position:  e.Position,
		})
	case calls.EventAccepted:
		h.sendIdentity(req.Caller, req.RoomID, signal.CallAccepted, outcome)
		h.sendIdentity(req.Callee, req.RoomID, signal.CallAccepted, outcome)
	case calls.EventRejected:
		h.sendIdentity(req.Caller, req.RoomID, signal.CallRejected, outcome)
	case calls.EventExpired:
		// the callee just sees the next request, if any
		outcome.Reason = "no-answer"
		h.sendIdentity(req.Caller, req.RoomID, signal.CallExpired, outcome)
	case calls.EventCancelled:
		h.sendIdentity(req.Caller, req.RoomID, signal.CallCancelled, outcome)
		if e.WasRinging {
			h.sendIdentity(req.Callee, req.RoomID, signal.CallCancelled, outcome)
		}
	case calls.EventEnded:
		h.sendIdentity(req.Caller, req.RoomID, signal.CallEnded, outcome)
		h.sendIdentity(req.Callee, req.RoomID, signal.CallEnded, outcome)
	}
}

// sendIdentity delivers to every open connection of ident.
func (h *Hub) sendIdentity(ident, room string, t signal.Type, payload any) int {
	env, err := signal.New(t, payload)
	if err != nil {
		h.lg.Error("encode event", zap.String("type", string(t)), zap.Error(err))
		return 0
	}
	env.RoomID = room
	env.Timestamp = h.now().UnixMilli()
	b, err := env.Encode()
	if err != nil {
		return 0
	}
	n := 0
	for _, ep := range h.reg.ConnsOf(ident) {
		if err := safeSend(ep.T, b); err != nil {
			h.dropped(ep.ID, t, err)
			continue
		}
		n++
	}
	return n
}

// send delivers a server frame to a single connection.
func (h *Hub) send(connID string, t signal.Type, payload any) bool {
	ep, ok := h.reg.Endpoint(connID)
	if !ok {
		return false
	}
	env, err := signal.New(t, payload)
	if err != nil {
		h.lg.Error("encode frame", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	env.Timestamp = h.now().UnixMilli()
	b, err := env.Encode()
	if err != nil {
		return false
	}
	if err := safeSend(ep.T, b); err != nil {
		h.dropped(connID, t, err)
		return false
	}
	return true
}

func (h *Hub) sendError(connID, code, msg string) {
	h.send(connID, signal.Error, signal.ErrorBody{Code: code, Message: msg})
}

func (h *Hub) dropped(connID string, t signal.Type, err error) {
	metrics.Dropped.WithLabelValues("send").Inc()
	h.lg.Debug("send failed", zap.String("conn", connID), zap.String("type", string(t)), zap.Error(err))
}

func safeSend(t registry.Transport, b []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return t.Send(b)
}
