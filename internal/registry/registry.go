// Package registry owns every tracked connection: admission against the
// global ceiling, forward-only status, room membership bookkeeping and the
// staleness sweep.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
	"github.com/collapsinghierarchy/nt-callrelay/internal/notify"
)

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotOpen          = errors.New("connection not open")
)

// Removal reasons.
const (
	ReasonClosed   = "closed"
	ReasonError    = "transport-error"
	ReasonStale    = "stale"
	ReasonPressure = "pressure-relief"
	ReasonShutdown = "shutdown"
)

const (
	DefaultLimit      = 30
	DefaultStaleAfter = 5 * time.Minute
)

type Registry struct {
	mu    sync.Mutex
	conns map[string]*conn

	limit      int
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
	lg         *zap.Logger
	detach     func(id string, rooms []string)

	changes notify.Set[Change]
	sweeps  notify.Set[time.Time]
}

type Option func(*Registry)

func WithLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithIDs(gen func() string) Option { return func(r *Registry) { r.newID = gen } }

// WithDetach installs the hook Remove uses to drop a connection from its
// rooms. It runs under the registry lock, before the connection disappears,
// so nothing can observe a removed connection that is still in a room.
func WithDetach(fn func(id string, rooms []string)) Option {
	return func(r *Registry) { r.detach = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.lg = l
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		conns:      make(map[string]*conn),
		limit:      DefaultLimit,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		newID:      uuid.NewString,
		lg:         zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.lg = r.lg.Named("registry")
	return r
}

// Admit tracks a new connection in connecting state. It fails with
// ErrCapacityExceeded when the live count has reached the ceiling; the
// caller must not retry with the same transport.
func (r *Registry) Admit(userID string, kind Kind, t Transport) (Info, error) {
	r.mu.Lock()
	live, _ := r.countLocked()
	if live >= r.limit {
		r.mu.Unlock()
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return Info{}, fmt.Errorf("%w: %d/%d live", ErrCapacityExceeded, live, r.limit)
	}
	now := r.now()
	c := &conn{
		id:        r.newID(),
		userID:    userID,
		kind:      kind,
		t:         t,
		status:    Connecting,
		createdAt: now,
		lastSeen:  now,
		rooms:     make(map[string]struct{}),
	}
	r.conns[c.id] = c
	info := c.info()
	metrics.ShiftConnections(1, 0)
	r.mu.Unlock()

	metrics.Admissions.WithLabelValues("admitted").Inc()
	r.changes.Emit(Change{Info: info, Reason: "admitted"}, r.recovered)
	return info, nil
}

func (r *Registry) MarkOpen(id string) bool { return r.transition(id, Open, "") }

// MarkClosing records a clean shutdown in progress; the sweep removes it.
func (r *Registry) MarkClosing(id string, reason string) bool {
	return r.transition(id, Closing, reason)
}

func (r *Registry) MarkErrored(id string, reason string) bool {
	return r.transition(id, Errored, reason)
}

func (r *Registry) transition(id string, to Status, reason string) bool {
	r.mu.Lock()
	c := r.conns[id]
	if c == nil || to.rank() <= c.status.rank() {
		r.mu.Unlock()
		return false
	}
	from := c.status
	c.status = to
	if to == Open {
		c.lastSeen = r.now()
	}
	info := c.info()
	r.mu.Unlock()

	metrics.ShiftConnections(shift(from, to))
	r.changes.Emit(Change{Info: info, Reason: reason}, r.recovered)
	return true
}

// Touch records activity on a live connection.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil || !c.status.Live() {
		return false
	}
	c.lastSeen = r.now()
	return true
}

// Remove forgets a connection and closes its transport. Removing an unknown
// or already removed id is a no-op and reports false.
func (r *Registry) Remove(id, reason string) bool {
	r.mu.Lock()
	c := r.conns[id]
	if c == nil {
		r.mu.Unlock()
		return false
	}
	info := c.info()
	if r.detach != nil && len(info.Rooms) > 0 {
		r.detach(id, info.Rooms)
	}
	delete(r.conns, id)
	from := c.status
	c.status = Closed
	info.Status = Closed
	r.mu.Unlock()

	if c.t != nil {
		_ = c.t.Close()
	}
	metrics.ShiftConnections(shift(from, Closed))
	metrics.Evictions.WithLabelValues(reason).Inc()
	r.changes.Emit(Change{Info: info, Reason: reason}, r.recovered)
	return true
}

// CloseOldest force-closes up to n open connections, least recently active
// first, ties broken by earliest creation. It returns the closed ids.
func (r *Registry) CloseOldest(n int) []string {
	if n <= 0 {
		return nil
	}
	r.mu.Lock()
	open := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.status == Open {
			open = append(open, c)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if !a.lastSeen.Equal(b.lastSeen) {
			return a.lastSeen.Before(b.lastSeen)
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.id < b.id
	})
	if len(open) > n {
		open = open[:n]
	}
	ids := make([]string, 0, len(open))
	for _, c := range open {
		c.status = Closing
		ids = append(ids, c.id)
	}
	r.mu.Unlock()
	metrics.ShiftConnections(-len(ids), -len(ids))

	out := ids[:0]
	for _, id := range ids {
		if r.Remove(id, ReasonPressure) {
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		r.lg.Info("closed oldest connections", zap.Int("requested", n), zap.Strings("ids", out))
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, open := r.countLocked()
	avail := r.limit - live
	if avail < 0 {
		avail = 0
	}
	return Stats{Total: len(r.conns), Active: open, Limit: r.limit, Available: avail}
}

// shift is the change in live and open counts for a status move.
func shift(from, to Status) (live, open int) {
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	return b(to.Live()) - b(from.Live()), b(to == Open) - b(from == Open)
}

func (r *Registry) countLocked() (live, open int) {
	for _, c := range r.conns {
		if c.status.Live() {
			live++
		}
		if c.status == Open {
			open++
		}
	}
	return live, open
}

// Sweep removes connections that are closing/errored, or live but silent for
// longer than the staleness threshold. It returns the removed ids.
func (r *Registry) Sweep(now time.Time) []string {
	type victim struct{ id, reason string }
	r.mu.Lock()
	var vs []victim
	for id, c := range r.conns {
		switch {
		case c.status == Closing:
			vs = append(vs, victim{id, ReasonClosed})
		case c.status == Errored:
			vs = append(vs, victim{id, ReasonError})
		case now.Sub(c.lastSeen) > r.staleAfter:
			vs = append(vs, victim{id, ReasonStale})
		}
	}
	r.mu.Unlock()

	removed := make([]string, 0, len(vs))
	for _, v := range vs {
		if r.Remove(v.id, v.reason) {
			removed = append(removed, v.id)
			r.lg.Info("swept connection", zap.String("conn", v.id), zap.String("reason", v.reason))
		}
	}
	r.sweeps.Emit(now, r.recovered)
	return removed
}

// StartJanitor runs Sweep every interval until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.Sweep(r.now())
			}
		}
	}()
}

// CloseAll removes every connection; used on shutdown.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if r.Remove(id, reason) {
			n++
		}
	}
	return n
}

// OnChange subscribes to status transitions and removals.
func (r *Registry) OnChange(fn func(Change)) (unsubscribe func()) { return r.changes.Subscribe(fn) }

// OnSweep is called after every sweep pass with the sweep time.
func (r *Registry) OnSweep(fn func(time.Time)) (unsubscribe func()) { return r.sweeps.Subscribe(fn) }

func (r *Registry) ListenerCount() int { return r.changes.Len() + r.sweeps.Len() }

func (r *Registry) recovered(v any) {
	r.lg.Error("registry listener panicked", zap.Any("panic", v))
}
