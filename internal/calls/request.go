package calls

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status of a single call request.
type Status int

const (
	Queued Status = iota
	Ringing
	Accepted
	Rejected
	Expired
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Ringing:
		return "ringing"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Meta is opaque participant metadata forwarded to the callee.
type Meta struct {
	DisplayName string
	Avatar      string
}

type Request struct {
	ID          string
	Caller      string
	Callee      string
	RoomID      string
	Meta        Meta
	Status      Status
	RequestedAt time.Time
	RingingAt   time.Time
}

// Involves reports whether identity is either party.
func (r Request) Involves(identity string) bool {
	return r.Caller == identity || r.Callee == identity
}

// Peer returns the other party relative to identity.
func (r Request) Peer(identity string) string {
	if r.Caller == identity {
		return r.Callee
	}
	return r.Caller
}

type EventKind int

const (
	EventRinging EventKind = iota
	EventQueued
	EventAccepted
	EventRejected
	EventExpired
	EventCancelled
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventRinging:
		return "ringing"
	case EventQueued:
		return "queued"
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventExpired:
		return "expired"
	case EventCancelled:
		return "cancelled"
	case EventEnded:
		return "ended"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one observable transition. Position is the 1-based queue slot for
// EventQueued. WasRinging is set on EventCancelled when the callee had
// already been alerted. By names the identity that ended or cancelled.
type Event struct {
	Kind       EventKind
	Request    Request
	Position   int
	WasRinging bool
	By         string
	Reason     string
}

// Notifier receives events after the session lock is released, in transition
// order per callee. It must not call back into the Controller synchronously.
type Notifier interface {
	CallEvent(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) CallEvent(e Event) { f(e) }

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// Result is what Request hands back to the caller.
type Result struct {
	Request   Request
	Position  int // 0 when ringing immediately
	Duplicate bool
}

// Snapshot is a copy of one callee's session.
type Snapshot struct {
	Callee string
	State  string
	Holder *Request
	Queue  []Request
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}
