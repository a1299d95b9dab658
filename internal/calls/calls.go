// Package calls arbitrates "one call per user": each callee identity has a
// session that is idle, ringing one request or active with one request, plus
// a FIFO queue of waiting requests. An identity that is a party to a ringing
// or active request anywhere is busy: it cannot place another call and
// requests for it wait in its queue.
package calls

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
)

var (
	ErrStaleAction  = errors.New("call request no longer live")
	ErrSelfCall     = errors.New("cannot call yourself")
	ErrInvalidParty = errors.New("caller and callee are required")
	ErrBusy         = errors.New("caller already in a call")
)

const DefaultRingTimeout = 30 * time.Second

// Release reasons carried on events produced by Release.
const (
	ReasonCallerLeft = "caller-left"
	ReasonCalleeLeft = "callee-left"
)

// phase is the session state: idle, ringing or active.
type phase interface{ name() string }

type idle struct{}

type ringing struct {
	req   *Request
	timer Timer
}

type active struct {
	req   *Request
	since time.Time
}

func (idle) name() string    { return "idle" }
func (ringing) name() string { return "ringing" }
func (active) name() string  { return "active" }

type session struct {
	callee string

	mu    sync.Mutex
	state phase
	queue []*Request
	dead  bool

	// emit is taken before mu is released so events leave in the order the
	// transitions happened.
	emit sync.Mutex
}

func (s *session) holder() *Request {
	switch st := s.state.(type) {
	case ringing:
		return st.req
	case active:
		return st.req
	}
	return nil
}

func (s *session) empty() bool {
	_, ok := s.state.(idle)
	return ok && len(s.queue) == 0
}

func (s *session) position(caller string) int {
	for i, q := range s.queue {
		if q.Caller == caller {
			return i + 1
		}
	}
	return 0
}

type Controller struct {
	mu       sync.Mutex
	sessions map[string]*session

	ringTimeout time.Duration
	afterFunc   func(time.Duration, func()) Timer
	now         func() time.Time
	newID       func() string
	notifier    Notifier
	lg          *zap.Logger

	// busy maps each party of a ringing or active request to the request id.
	// busyMu is a leaf lock taken under a session lock.
	busyMu sync.Mutex
	busy   map[string]string
}

// txn collects what one session transition produced: events to deliver and
// identities that stopped being busy.
type txn struct {
	ev    []Event
	freed []string
}

func (t *txn) emit(e Event) { t.ev = append(t.ev, e) }

type Option func(*Controller)

func WithRingTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.ringTimeout = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for ring expiry.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(c *Controller) { c.afterFunc = fn }
}

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func WithIDs(gen func() string) Option { return func(c *Controller) { c.newID = gen } }

func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.lg = l
		}
	}
}

func New(opts ...Option) *Controller {
	c := &Controller{
		sessions:    make(map[string]*session),
		busy:        make(map[string]string),
		ringTimeout: DefaultRingTimeout,
		afterFunc:   func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		now:         time.Now,
		newID:       newRequestID,
		lg:          zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.lg = c.lg.Named("calls")
	return c
}

var errNoSession = errors.New("no session")

// with runs fn under the callee's session lock and then delivers the events
// fn produced. Sessions that end up idle with an empty queue are dropped, and
// queues waiting on identities fn freed get another chance to ring.
func (c *Controller) with(callee string, create bool, fn func(s *session, tx *txn) error) error {
	for {
		c.mu.Lock()
		s := c.sessions[callee]
		if s == nil {
			if !create {
				c.mu.Unlock()
				return errNoSession
			}
			s = &session{callee: callee, state: idle{}}
			c.sessions[callee] = s
		}
		c.mu.Unlock()

		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		var tx txn
		err := fn(s, &tx)
		empty := s.empty()
		s.emit.Lock()
		s.mu.Unlock()
		c.deliver(tx.ev)
		s.emit.Unlock()

		if empty {
			c.gc(callee)
		}
		if len(tx.freed) > 0 {
			c.kick(tx.freed)
		}
		return err
	}
}

func (c *Controller) gc(callee string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[callee]
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.empty() {
		s.dead = true
		delete(c.sessions, callee)
	}
	s.mu.Unlock()
}

func (c *Controller) snapshotSessions() []*session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Controller) deliver(ev []Event) {
	for _, e := range ev {
		metrics.CallOutcomes.WithLabelValues(e.Kind.String()).Inc()
		if c.notifier == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.lg.Error("call notifier panicked", zap.Any("panic", r), zap.Stringer("event", e.Kind))
				}
			}()
			c.notifier.CallEvent(e)
		}()
	}
}

func setQueued(delta int) { metrics.CallsQueued.Add(float64(delta)) }

// engage marks both parties of req busy. It fails if either already is.
func (c *Controller) engage(req *Request) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	if _, ok := c.busy[req.Caller]; ok {
		return false
	}
	if _, ok := c.busy[req.Callee]; ok {
		return false
	}
	c.busy[req.Caller] = req.ID
	c.busy[req.Callee] = req.ID
	return true
}

func (c *Controller) disengage(req *Request, tx *txn) {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	for _, id := range []string{req.Caller, req.Callee} {
		if c.busy[id] == req.ID {
			delete(c.busy, id)
			tx.freed = append(tx.freed, id)
		}
	}
}

// Busy reports whether identity is a party to a ringing or active request.
func (c *Controller) Busy(identity string) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	_, ok := c.busy[identity]
	return ok
}

// ring makes an engaged req the session holder and arms its expiry timer.
func (c *Controller) ring(s *session, req *Request, tx *txn) {
	req.Status = Ringing
	req.RingingAt = c.now()
	id, callee := req.ID, s.callee
	t := c.afterFunc(c.ringTimeout, func() { c.expire(callee, id) })
	s.state = ringing{req: req, timer: t}
	tx.emit(Event{Kind: EventRinging, Request: *req})
}

// finish releases the holder's parties and leaves the session idle.
func (c *Controller) finish(s *session, req *Request, tx *txn) {
	c.disengage(req, tx)
	s.state = idle{}
}

// promote rings the earliest queued request whose caller is free, if the
// session is idle and the callee is not busy elsewhere. Requests from busy
// callers keep their place.
func (c *Controller) promote(s *session, tx *txn) {
	if _, ok := s.state.(idle); !ok {
		return
	}
	for i, q := range s.queue {
		if !c.engage(q) {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		setQueued(-1)
		c.ring(s, q, tx)
		return
	}
}

// kick retries promotion for the sessions of freed identities and for
// sessions where they wait as callers.
func (c *Controller) kick(freed []string) {
	want := make(map[string]bool, len(freed))
	for _, id := range freed {
		want[id] = true
	}
	for _, s := range c.snapshotSessions() {
		_ = c.with(s.callee, false, func(s *session, tx *txn) error {
			if want[s.callee] {
				c.promote(s, tx)
				return nil
			}
			for _, q := range s.queue {
				if want[q.Caller] {
					c.promote(s, tx)
					return nil
				}
			}
			return nil
		})
	}
}

// Request asks to call callee. A free callee starts ringing; a busy one gets
// the request queued and its 1-based position returned. Asking again while
// already queued or holding the session re-acknowledges the existing request.
// A caller that is itself busy gets ErrBusy.
func (c *Controller) Request(caller, callee, roomID string, meta Meta) (Result, error) {
	if caller == "" || callee == "" {
		return Result{}, ErrInvalidParty
	}
	if caller == callee {
		return Result{}, fmt.Errorf("%w: %s", ErrSelfCall, caller)
	}
	var res Result
	err := c.with(callee, true, func(s *session, tx *txn) error {
		if h := s.holder(); h != nil && h.Caller == caller {
			res = Result{Request: *h, Duplicate: true}
			return nil
		}
		if pos := s.position(caller); pos > 0 {
			q := s.queue[pos-1]
			res = Result{Request: *q, Position: pos, Duplicate: true}
			tx.emit(Event{Kind: EventQueued, Request: *q, Position: pos})
			return nil
		}
		if c.Busy(caller) {
			return fmt.Errorf("%w: %s", ErrBusy, caller)
		}
		req := &Request{
			ID:          c.newID(),
			Caller:      caller,
			Callee:      callee,
			RoomID:      roomID,
			Meta:        meta,
			Status:      Queued,
			RequestedAt: c.now(),
		}
		s.queue = append(s.queue, req)
		setQueued(1)
		c.promote(s, tx)
		if s.holder() == req {
			res = Result{Request: *req}
			return nil
		}
		pos := s.position(caller)
		res = Result{Request: *req, Position: pos}
		tx.emit(Event{Kind: EventQueued, Request: *req, Position: pos})
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	c.lg.Debug("call requested",
		zap.String("request", res.Request.ID), zap.String("caller", caller),
		zap.String("callee", callee), zap.Int("position", res.Position))
	return res, nil
}

// ringingHolder returns the ringing request if it matches requestID (empty
// matches whatever is ringing).
func ringingHolder(s *session, requestID string) (ringing, bool) {
	r, ok := s.state.(ringing)
	if !ok || (requestID != "" && r.req.ID != requestID) {
		return ringing{}, false
	}
	return r, true
}

// Accept moves the ringing request to active. The queue is left as is.
func (c *Controller) Accept(callee, requestID string) (Request, error) {
	var out Request
	err := c.with(callee, false, func(s *session, tx *txn) error {
		r, ok := ringingHolder(s, requestID)
		if !ok {
			return ErrStaleAction
		}
		r.timer.Stop()
		r.req.Status = Accepted
		now := c.now()
		metrics.RingSeconds.Observe(now.Sub(r.req.RingingAt).Seconds())
		s.state = active{req: r.req, since: now}
		out = *r.req
		tx.emit(Event{Kind: EventAccepted, Request: out, By: callee})
		return nil
	})
	return out, staleIfMissing(err, requestID)
}

// Reject declines the ringing request and advances the queue.
func (c *Controller) Reject(callee, requestID string) (Request, error) {
	var out Request
	err := c.with(callee, false, func(s *session, tx *txn) error {
		r, ok := ringingHolder(s, requestID)
		if !ok {
			return ErrStaleAction
		}
		r.timer.Stop()
		r.req.Status = Rejected
		out = *r.req
		tx.emit(Event{Kind: EventRejected, Request: out, By: callee})
		c.finish(s, r.req, tx)
		c.promote(s, tx)
		return nil
	})
	return out, staleIfMissing(err, requestID)
}

// expire fires from the ring timer. A timer whose request is no longer the
// ringing holder is ignored.
func (c *Controller) expire(callee, requestID string) {
	_ = c.with(callee, false, func(s *session, tx *txn) error {
		r, ok := s.state.(ringing)
		if !ok || r.req.ID != requestID {
			return nil
		}
		r.req.Status = Expired
		tx.emit(Event{Kind: EventExpired, Request: *r.req})
		c.finish(s, r.req, tx)
		c.promote(s, tx)
		c.lg.Info("call expired", zap.String("request", requestID), zap.String("callee", callee))
		return nil
	})
}

// End finishes the active call actor is a party of and promotes the next
// queued request for that callee.
func (c *Controller) End(actor, requestID string) (Request, error) {
	var out Request
	endIn := func(s *session, tx *txn) error {
		a, ok := s.state.(active)
		if !ok || !a.req.Involves(actor) || (requestID != "" && a.req.ID != requestID) {
			return ErrStaleAction
		}
		out = *a.req
		tx.emit(Event{Kind: EventEnded, Request: out, By: actor})
		c.finish(s, a.req, tx)
		c.promote(s, tx)
		return nil
	}

	if err := c.with(actor, false, endIn); err == nil {
		return out, nil
	}
	for _, s := range c.snapshotSessions() {
		if s.callee == actor {
			continue
		}
		if err := c.with(s.callee, false, endIn); err == nil {
			return out, nil
		}
	}
	return Request{}, fmt.Errorf("%w: no active call for %s", ErrStaleAction, actor)
}

// Cancel withdraws caller's own request for callee: a queued entry is
// removed, a ringing one stops ringing and the queue advances. When callee is
// empty the request is looked up by id. It reports false when nothing
// matched.
func (c *Controller) Cancel(caller, callee, requestID string) (Request, bool) {
	var out Request
	found := false
	cancelIn := func(s *session, tx *txn) error {
		if r, ok := s.state.(ringing); ok && r.req.Caller == caller &&
			(requestID == "" || r.req.ID == requestID) {
			r.timer.Stop()
			r.req.Status = Cancelled
			out, found = *r.req, true
			tx.emit(Event{Kind: EventCancelled, Request: out, WasRinging: true, By: caller})
			c.finish(s, r.req, tx)
			c.promote(s, tx)
			return nil
		}
		for i, q := range s.queue {
			if q.Caller != caller || (requestID != "" && q.ID != requestID) {
				continue
			}
			q.Status = Cancelled
			out, found = *q, true
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			setQueued(-1)
			tx.emit(Event{Kind: EventCancelled, Request: out, By: caller})
			return nil
		}
		return errNoSession
	}

	if callee != "" {
		_ = c.with(callee, false, cancelIn)
		return out, found
	}
	if requestID == "" {
		return Request{}, false
	}
	for _, s := range c.snapshotSessions() {
		if c.with(s.callee, false, cancelIn) == nil && found {
			break
		}
	}
	return out, found
}

// Release drops everything identity holds, has queued or is receiving. It is
// the implicit end/cancel for an identity whose last connection went away and
// returns the number of requests affected. Queued entries go first so that
// freeing identity never promotes one of its own requests.
func (c *Controller) Release(identity string) int {
	n := 0
	others := func(fn func(s *session, tx *txn) error) {
		for _, s := range c.snapshotSessions() {
			if s.callee != identity {
				_ = c.with(s.callee, false, fn)
			}
		}
	}

	// waiting as caller
	others(func(s *session, tx *txn) error {
		for i, q := range s.queue {
			if q.Caller == identity {
				q.Status = Cancelled
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				setQueued(-1)
				tx.emit(Event{Kind: EventCancelled, Request: *q, By: identity, Reason: ReasonCallerLeft})
				n++
				break
			}
		}
		return nil
	})

	// as callee: the whole session goes
	_ = c.with(identity, false, func(s *session, tx *txn) error {
		for _, q := range s.queue {
			q.Status = Cancelled
			tx.emit(Event{Kind: EventCancelled, Request: *q, By: identity, Reason: ReasonCalleeLeft})
			n++
		}
		setQueued(-len(s.queue))
		s.queue = nil
		switch st := s.state.(type) {
		case ringing:
			st.timer.Stop()
			st.req.Status = Cancelled
			tx.emit(Event{Kind: EventCancelled, Request: *st.req, WasRinging: true, By: identity, Reason: ReasonCalleeLeft})
			c.finish(s, st.req, tx)
			n++
		case active:
			tx.emit(Event{Kind: EventEnded, Request: *st.req, By: identity, Reason: ReasonCalleeLeft})
			c.finish(s, st.req, tx)
			n++
		}
		return nil
	})

	// holding someone else's session as caller
	others(func(s *session, tx *txn) error {
		switch st := s.state.(type) {
		case ringing:
			if st.req.Caller == identity {
				st.timer.Stop()
				st.req.Status = Cancelled
				tx.emit(Event{Kind: EventCancelled, Request: *st.req, WasRinging: true, By: identity, Reason: ReasonCallerLeft})
				c.finish(s, st.req, tx)
				c.promote(s, tx)
				n++
			}
		case active:
			if st.req.Caller == identity {
				tx.emit(Event{Kind: EventEnded, Request: *st.req, By: identity, Reason: ReasonCallerLeft})
				c.finish(s, st.req, tx)
				c.promote(s, tx)
				n++
			}
		}
		return nil
	})
	if n > 0 {
		c.lg.Info("released calls", zap.String("identity", identity), zap.Int("requests", n))
	}
	return n
}

// InCall reports whether a and b are the two parties of a ringing or active
// request, in either direction.
func (c *Controller) InCall(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	check := func(callee, caller string) bool {
		c.mu.Lock()
		s := c.sessions[callee]
		c.mu.Unlock()
		if s == nil {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		h := s.holder()
		return h != nil && h.Caller == caller
	}
	return check(a, b) || check(b, a)
}

// Snapshot copies callee's session; an unknown callee is idle.
func (c *Controller) Snapshot(callee string) Snapshot {
	out := Snapshot{Callee: callee, State: idle{}.name()}
	c.mu.Lock()
	s := c.sessions[callee]
	c.mu.Unlock()
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out.State = s.state.name()
	if h := s.holder(); h != nil {
		cp := *h
		out.Holder = &cp
	}
	for _, q := range s.queue {
		out.Queue = append(out.Queue, *q)
	}
	return out
}

// Sessions is the number of callees holding a request or a waiting queue.
func (c *Controller) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func staleIfMissing(err error, requestID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNoSession), errors.Is(err, ErrStaleAction):
		return fmt.Errorf("%w: request %q", ErrStaleAction, requestID)
	}
	return err
}
