package signal

// Error codes carried in Error envelopes.
const (
	CodeCapacityExceeded = "capacity-exceeded"
	CodeStaleAction      = "stale-action"
	CodeNoCall           = "no-active-call"
	CodeSelfCall         = "self-call"
	CodeBadRequest       = "bad-request"
	CodeUnknownType      = "unknown-type"
	CodeBusy             = "busy"
	CodeNotMember        = "not-member"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type ChatText struct {
	Text string `json:"text"`
}

// TypingState is the typing payload; a nil flag means it was left out.
type TypingState struct {
	Typing *bool `json:"typing"`
}

// CallMeta is opaque participant metadata forwarded to the callee.
type CallMeta struct {
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// CallInvite is the call-request payload. Callee is an identity; when it is
// empty the envelope's "to" connection is used to find one.
type CallInvite struct {
	Callee string `json:"callee,omitempty"`
	CallMeta
}

// CallRef names the request an accept/reject/cancel/end applies to.
// Callee is used by call-cancel when the request id is unknown to the caller.
type CallRef struct {
	RequestID string `json:"requestId,omitempty"`
	Callee    string `json:"callee,omitempty"`
}

type Ringing struct {
	RequestID string `json:"requestId"`
	Caller    string `json:"caller"`
	RoomID    string `json:"roomId"`
	CallMeta
}

type Queued struct {
	RequestID string `json:"requestId"`
	Callee    string `json:"callee"`
	Position  int    `json:"position"`
}

// CallOutcome reports a terminal or state-changing event on a request.
type CallOutcome struct {
	RequestID string `json:"requestId"`
	Caller    string `json:"caller"`
	Callee    string `json:"callee"`
	Reason    string `json:"reason,omitempty"`
}

type Presence struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	RoomID       string `json:"roomId"`
	Members      int    `json:"members,omitempty"`
}

// RoomMembers acknowledges a join to the joiner.
type RoomMembers struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Limit     int `json:"limit"`
	Available int `json:"available"`
}

// Welcome is the first frame on every admitted connection.
type Welcome struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	ICEServers   any    `json:"iceServers,omitempty"`
}
