package registry

import (
	"fmt"
	"sort"
	"time"
)

type Status int

const (
	Connecting Status = iota
	Open
	Closing
	Errored
	Closed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// rank orders statuses; a connection only ever moves to a higher rank.
// closing and errored share a rank so neither can follow the other.
func (s Status) rank() int {
	switch s {
	case Connecting:
		return 0
	case Open:
		return 1
	case Closing, Errored:
		return 2
	default:
		return 3
	}
}

// Live statuses count against the connection ceiling.
func (s Status) Live() bool { return s == Connecting || s == Open }

type Kind string

const (
	KindChat          Kind = "chat"
	KindSignaling     Kind = "signaling"
	KindPeerDiscovery Kind = "peer-discovery"
)

// ParseKind accepts the three kinds; empty defaults to chat.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case "":
		return KindChat, true
	case KindChat, KindSignaling, KindPeerDiscovery:
		return Kind(s), true
	}
	return "", false
}

// Transport is the socket side of a connection. Send must not block on the
// network; Close must be safe to call more than once.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

type conn struct {
	id        string
	userID    string
	kind      Kind
	t         Transport
	status    Status
	createdAt time.Time
	lastSeen  time.Time
	rooms     map[string]struct{}
}

func (c *conn) info() Info {
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return Info{
		ID:             c.id,
		UserID:         c.userID,
		Kind:           c.kind,
		Status:         c.status,
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastSeen,
		Rooms:          rooms,
	}
}

// Info is a point-in-time copy of a connection record.
type Info struct {
	ID             string
	UserID         string
	Kind           Kind
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	Rooms          []string
}

// Endpoint is what delivery needs from an open connection.
type Endpoint struct {
	ID     string
	UserID string
	T      Transport
}

// Change is emitted on every status transition, including final removal
// (Status == Closed, with the rooms the connection still belonged to).
type Change struct {
	Info
	Reason string
}

type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Limit     int `json:"limit"`
	Available int `json:"available"`
}
