package rooms

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
	"github.com/collapsinghierarchy/nt-callrelay/internal/signal"
)

var (
	// ErrSenderNotMember and ErrTargetNotMember are cross-room violations.
	ErrSenderNotMember = errors.New("sender not in room")
	ErrTargetNotMember = errors.New("target not in room")
)

// Endpoint is a deliverable connection.
type Endpoint struct {
	ID     string
	UserID string
	Send   func([]byte) error
}

// Directory resolves connection ids to endpoints. It must report false for
// anything that is not currently open.
type Directory interface {
	Endpoint(connID string) (Endpoint, bool)
}

type DirectoryFunc func(connID string) (Endpoint, bool)

func (f DirectoryFunc) Endpoint(connID string) (Endpoint, bool) { return f(connID) }

type targetKind int

const (
	toAll targetKind = iota
	toOthers
	toConn
)

type Target struct {
	kind targetKind
	conn string
}

var (
	All    = Target{kind: toAll}
	Others = Target{kind: toOthers}
)

// To addresses a single member of the room.
func To(connID string) Target { return Target{kind: toConn, conn: connID} }

func (t Target) String() string {
	switch t.kind {
	case toAll:
		return "all"
	case toOthers:
		return "others"
	}
	return t.conn
}

type room struct {
	// send serializes deliveries so every member sees one order. It is
	// never held together with mu.
	send sync.Mutex

	mu      sync.Mutex
	members map[string]struct{}
}

func (r *room) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

func (r *room) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// Router maps room ids to member connection ids and relays between them.
// It never owns connections; the Directory is the source of truth for
// whether a member can receive.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]*room

	dir Directory
	now func() time.Time
	lg  *zap.Logger
}

type Option func(*Router)

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.lg = l
		}
	}
}

func New(dir Directory, opts ...Option) *Router {
	r := &Router{
		rooms: make(map[string]*room),
		dir:   dir,
		now:   time.Now,
		lg:    zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.lg = r.lg.Named("rooms")
	return r
}

// Join adds connID to roomID, creating the room on first join. It reports
// whether the connection was newly added.
func (rt *Router) Join(roomID, connID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r := rt.rooms[roomID]
	if r == nil {
		r = &room{members: make(map[string]struct{})}
		rt.rooms[roomID] = r
		metrics.RoomsActive.Inc()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[connID]; ok {
		return false
	}
	r.members[connID] = struct{}{}
	return true
}

// Leave removes connID and drops the room once it is empty. It reports
// whether the connection was a member.
func (rt *Router) Leave(roomID, connID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r := rt.rooms[roomID]
	if r == nil {
		return false
	}
	r.mu.Lock()
	_, ok := r.members[connID]
	delete(r.members, connID)
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		delete(rt.rooms, roomID)
		metrics.RoomsActive.Dec()
	}
	return ok
}

func (rt *Router) get(roomID string) *room {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.rooms[roomID]
}

// Relay stamps env with the sender and a server timestamp and delivers it to
// the resolved target set inside roomID. The sender must be a member; a
// direct target that is not a member is refused and nothing is delivered.
// It returns the number of successful deliveries.
func (rt *Router) Relay(roomID, from string, env signal.Envelope, target Target) (int, error) {
	r := rt.get(roomID)
	if r == nil || !r.has(from) {
		return 0, fmt.Errorf("%w: conn=%s room=%s", ErrSenderNotMember, from, roomID)
	}
	sender, ok := rt.dir.Endpoint(from)
	if !ok {
		return 0, fmt.Errorf("%w: conn=%s room=%s (not open)", ErrSenderNotMember, from, roomID)
	}

	r.send.Lock()
	defer r.send.Unlock()

	var ids []string
	switch target.kind {
	case toConn:
		if !r.has(target.conn) {
			rt.lg.Warn("relay target not in room",
				zap.String("room", roomID), zap.String("from", from), zap.String("to", target.conn))
			metrics.Dropped.WithLabelValues("cross-room").Inc()
			return 0, fmt.Errorf("%w: conn=%s room=%s", ErrTargetNotMember, target.conn, roomID)
		}
		ids = []string{target.conn}
		env.To = target.conn
	default:
		for _, id := range r.snapshot() {
			if target.kind == toOthers && id == from {
				continue
			}
			ids = append(ids, id)
		}
	}

	env.RoomID = roomID
	env = env.Stamp(from, sender.UserID, rt.now())
	return rt.deliver(roomID, env, ids), nil
}

// Broadcast sends a server-originated envelope to every open member except
// the given connection id (may be empty).
func (rt *Router) Broadcast(roomID string, env signal.Envelope, except string) int {
	r := rt.get(roomID)
	if r == nil {
		return 0
	}
	r.send.Lock()
	defer r.send.Unlock()

	ids := make([]string, 0, 8)
	for _, id := range r.snapshot() {
		if id != except {
			ids = append(ids, id)
		}
	}
	env.RoomID = roomID
	env.Timestamp = rt.now().UnixMilli()
	return rt.deliver(roomID, env, ids)
}

func (rt *Router) deliver(roomID string, env signal.Envelope, ids []string) int {
	b, err := env.Encode()
	if err != nil {
		rt.lg.Error("encode relay", zap.String("room", roomID), zap.Error(err))
		metrics.Dropped.WithLabelValues("encode").Inc()
		return 0
	}
	n := 0
	for _, id := range ids {
		ep, ok := rt.dir.Endpoint(id)
		if !ok {
			metrics.Dropped.WithLabelValues("not-open").Inc()
			continue
		}
		if err := safeSend(ep, b); err != nil {
			rt.lg.Debug("relay delivery failed",
				zap.String("room", roomID), zap.String("to", id), zap.Error(err))
			metrics.Dropped.WithLabelValues("send").Inc()
			continue
		}
		n++
	}
	metrics.Relayed.WithLabelValues(string(env.Type)).Add(float64(n))
	return n
}

func safeSend(ep Endpoint, b []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	if ep.Send == nil {
		return errors.New("endpoint has no sender")
	}
	return ep.Send(b)
}

// Members lists the member connection ids of roomID, sorted.
func (rt *Router) Members(roomID string) []string {
	r := rt.get(roomID)
	if r == nil {
		return nil
	}
	ids := r.snapshot()
	sort.Strings(ids)
	return ids
}

func (rt *Router) Has(roomID, connID string) bool {
	r := rt.get(roomID)
	return r != nil && r.has(connID)
}

// Size returns the number of members currently in the room.
func (rt *Router) Size(roomID string) int {
	r := rt.get(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Count is the number of live rooms.
func (rt *Router) Count() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.rooms)
}
