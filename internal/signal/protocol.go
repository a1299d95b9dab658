// Package signal defines the wire protocol shared by chat clients and the
// call signaling relay: the envelope, the closed set of verbs, the legacy
// spellings clients still send, and how each verb is routed.
package signal

import (
	"strings"
	"unicode"
)

type Type string

// Client → server, chat family.
const (
	JoinRoom    Type = "join-room"
	LeaveRoom   Type = "leave-room"
	SendMessage Type = "send-message"
	Typing      Type = "typing"
	Ping        Type = "ping"
)

// Client → server, call-control family.
const (
	CallRequest  Type = "call-request"
	CallAccept   Type = "call-accept"
	CallReject   Type = "call-reject"
	CallCancel   Type = "call-cancel"
	CallEnd      Type = "call-end"
	Offer        Type = "offer"
	Answer       Type = "answer"
	ICECandidate Type = "ice-candidate"
)

// Server → client.
const (
	Connected       Type = "connected"
	Pong            Type = "pong"
	RoomJoined      Type = "room-joined"
	RoomLeft        Type = "room-left"
	UserJoined      Type = "user-joined"
	UserLeft        Type = "user-left"
	ConnectionStats Type = "connection-stats"
	CallRinging     Type = "call-ringing"
	CallQueued      Type = "call-queued"
	CallAccepted    Type = "call-accepted"
	CallRejected    Type = "call-rejected"
	CallExpired     Type = "call-expired"
	CallCancelled   Type = "call-cancelled"
	CallEnded       Type = "call-ended"
	CallUnavailable Type = "call-unavailable"
	Error           Type = "error"
)

type Family int

const (
	FamilyAdmin Family = iota
	FamilyChat
	FamilyCall
)

// Route says what the server does with an inbound verb.
type Route int

const (
	RouteLocal      Route = iota // handled by the server, nothing relayed
	RouteRoomOthers              // relayed to every other member of the room
	RouteDirect                  // relayed to the connection named in "to"
	RouteIntercept               // goes through call admission first
)

type verbRule struct {
	family Family
	route  Route
}

var inbound = map[Type]verbRule{
	JoinRoom:     {FamilyChat, RouteLocal},
	LeaveRoom:    {FamilyChat, RouteLocal},
	SendMessage:  {FamilyChat, RouteRoomOthers},
	Typing:       {FamilyChat, RouteRoomOthers},
	Ping:         {FamilyAdmin, RouteLocal},
	CallRequest:  {FamilyCall, RouteIntercept},
	CallAccept:   {FamilyCall, RouteIntercept},
	CallReject:   {FamilyCall, RouteIntercept},
	CallCancel:   {FamilyCall, RouteIntercept},
	CallEnd:      {FamilyCall, RouteIntercept},
	Offer:        {FamilyCall, RouteDirect},
	Answer:       {FamilyCall, RouteDirect},
	ICECandidate: {FamilyCall, RouteDirect},
}

// aliases maps historical verb spellings (already folded by fold) onto the
// canonical verb.
var aliases = map[string]Type{
	"join":          JoinRoom,
	"join-chat":     JoinRoom,
	"enter-room":    JoinRoom,
	"leave":         LeaveRoom,
	"leave-chat":    LeaveRoom,
	"exit-room":     LeaveRoom,
	"message":       SendMessage,
	"chat":          SendMessage,
	"chat-message":  SendMessage,
	"new-message":   SendMessage,
	"is-typing":     Typing,
	"user-typing":   Typing,
	"call":          CallRequest,
	"call-user":     CallRequest,
	"incoming-call": CallRequest,
	"start-call":    CallRequest,
	"accept-call":   CallAccept,
	"answer-call":   CallAccept,
	"reject-call":   CallReject,
	"decline":       CallReject,
	"decline-call":  CallReject,
	"call-declined": CallReject,
	"cancel-call":   CallCancel,
	"hangup":        CallEnd,
	"hang-up":       CallEnd,
	"end-call":      CallEnd,
	"leave-call":    CallEnd,
	"sdp-offer":     Offer,
	"webrtc-offer":  Offer,
	"sdp-answer":    Answer,
	"webrtc-answer": Answer,
	"ice":           ICECandidate,
	"candidate":     ICECandidate,
	"icecandidate":  ICECandidate,
}

// Normalize maps any accepted spelling of an inbound verb to its canonical
// form. Case, underscores, spaces and camelCase are folded before lookup.
func Normalize(raw string) (Type, bool) {
	k := fold(raw)
	if t := Type(k); t.Inbound() {
		return t, true
	}
	if t, ok := aliases[k]; ok {
		return t, true
	}
	return "", false
}

func fold(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	prevLower := false
	for _, r := range s {
		switch {
		case r == '_' || r == ' ' || r == '-' || r == '.':
			writeDash(&b)
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				writeDash(&b)
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

func writeDash(b *strings.Builder) {
	if n := b.Len(); n > 0 && b.String()[n-1] != '-' {
		b.WriteByte('-')
	}
}

func (t Type) Family() Family { return inbound[t].family }

func (t Type) Route() Route { return inbound[t].route }

// Inbound reports whether clients may send t.
func (t Type) Inbound() bool {
	_, ok := inbound[t]
	return ok
}
