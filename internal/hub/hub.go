// Package hub is the signaling service: it owns the connection registry, the
// room router and the call controller, turns inbound frames into actions and
// pushes server events back out.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/calls"
	"github.com/collapsinghierarchy/nt-callrelay/internal/logs"
	"github.com/collapsinghierarchy/nt-callrelay/internal/notify"
	"github.com/collapsinghierarchy/nt-callrelay/internal/registry"
	"github.com/collapsinghierarchy/nt-callrelay/internal/rooms"
	"github.com/collapsinghierarchy/nt-callrelay/internal/signal"
)

var ErrNotReady = errors.New("hub not running")

type Config struct {
	MaxConnections int
	StaleAfter     time.Duration
	SweepEvery     time.Duration
	RingTimeout    time.Duration
	// RequireCall gates offer/answer/ice-candidate on a ringing or active
	// call between the two identities.
	RequireCall bool
	ICEServers  []webrtc.ICEServer
}

// ConnectionChange is a registry status transition as seen by subscribers.
type ConnectionChange = registry.Change

// Message is a parsed inbound frame.
type Message struct {
	ConnID   string
	Identity string
	Envelope signal.Envelope
}

// Fault is a per-connection problem that was handled locally.
type Fault struct {
	ConnID string
	Err    error
}

type Hub struct {
	cfg   Config
	reg   *registry.Registry
	rooms *rooms.Router
	calls *calls.Controller
	now   func() time.Time
	lg    *zap.Logger

	changes notify.Set[ConnectionChange]
	msgs    notify.Set[Message]
	faults  notify.Set[Fault]

	orphanMu sync.Mutex
	orphans  map[string]struct{}

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	unsubs   []func()
}

type Option func(*options)

type options struct {
	lg        *zap.Logger
	now       func() time.Time
	ids       func() string
	afterFunc func(time.Duration, func()) calls.Timer
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.lg = l } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithConnIDs replaces uuid connection ids.
func WithConnIDs(gen func() string) Option { return func(o *options) { o.ids = gen } }

// WithRingTimers replaces time.AfterFunc for call ring expiry.
func WithRingTimers(fn func(time.Duration, func()) calls.Timer) Option {
	return func(o *options) { o.afterFunc = fn }
}

func New(cfg Config, opts ...Option) *Hub {
	o := options{lg: zap.NewNop(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	o.lg = logs.OrNop(o.lg)
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30 * time.Second
	}

	h := &Hub{
		cfg:     cfg,
		now:     o.now,
		lg:      o.lg.Named("hub"),
		orphans: make(map[string]struct{}),
	}

	regOpts := []registry.Option{
		registry.WithLimit(cfg.MaxConnections),
		registry.WithStaleAfter(cfg.StaleAfter),
		registry.WithClock(o.now),
		registry.WithLogger(o.lg),
		registry.WithDetach(h.detach),
	}
	if o.ids != nil {
		regOpts = append(regOpts, registry.WithIDs(o.ids))
	}
	h.reg = registry.New(regOpts...)

	h.rooms = rooms.New(rooms.DirectoryFunc(h.endpoint),
		rooms.WithClock(o.now), rooms.WithLogger(o.lg))

	callOpts := []calls.Option{
		calls.WithRingTimeout(cfg.RingTimeout),
		calls.WithClock(o.now),
		calls.WithNotifier(calls.NotifierFunc(h.onCallEvent)),
		calls.WithLogger(o.lg),
	}
	if o.afterFunc != nil {
		callOpts = append(callOpts, calls.WithAfterFunc(o.afterFunc))
	}
	h.calls = calls.New(callOpts...)
	return h
}

// endpoint adapts the registry for the room router.
func (h *Hub) endpoint(id string) (rooms.Endpoint, bool) {
	ep, ok := h.reg.Endpoint(id)
	if !ok {
		return rooms.Endpoint{}, false
	}
	return rooms.Endpoint{ID: ep.ID, UserID: ep.UserID, Send: ep.T.Send}, true
}

// detach drops a removed connection from its rooms. It runs under the
// registry lock, which is the registry → rooms order JoinRoom also uses.
func (h *Hub) detach(id string, rooms []string) {
	for _, room := range rooms {
		h.rooms.Leave(room, id)
	}
}

// identity is the call-state key for a connection: its user id, or the
// connection id for anonymous connections.
func identity(id, userID string) string {
	if userID != "" {
		return userID
	}
	return id
}

// Start subscribes to registry events and starts the sweep. Calling Start on
// a running hub is a no-op.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	if h.stopping {
		return fmt.Errorf("%w: stopped", ErrNotReady)
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.unsubs = append(h.unsubs,
		h.reg.OnChange(h.onChange),
		h.reg.OnSweep(h.onSweep),
	)
	h.reg.StartJanitor(ctx, h.cfg.SweepEvery)
	h.running = true
	h.lg.Info("hub started",
		zap.Int("max_connections", h.Stats().Limit),
		zap.Duration("sweep_every", h.cfg.SweepEvery),
		zap.Bool("require_call", h.cfg.RequireCall))
	return nil
}

// Stop closes every connection, releases all call state and drops every
// subscription. It is safe to call more than once.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running || h.stopping {
		h.stopping = true
		h.mu.Unlock()
		return
	}
	h.stopping = true
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	n := h.reg.CloseAll(registry.ReasonShutdown)
	h.releaseOrphans(true)

	h.mu.Lock()
	for _, un := range h.unsubs {
		un()
	}
	h.unsubs = nil
	h.running = false
	h.mu.Unlock()

	h.changes.Clear()
	h.msgs.Clear()
	h.faults.Clear()
	h.lg.Info("hub stopped", zap.Int("closed", n))
}

// Ready reports whether the hub accepts connections.
func (h *Hub) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running && !h.stopping
}

// Admit registers a transport in connecting state.
func (h *Hub) Admit(userID string, kind registry.Kind, t registry.Transport) (registry.Info, error) {
	if !h.Ready() {
		return registry.Info{}, ErrNotReady
	}
	return h.reg.Admit(userID, kind, t)
}

// Open marks the connection open and sends the welcome frame.
func (h *Hub) Open(connID string) bool {
	if !h.reg.MarkOpen(connID) {
		return false
	}
	info, ok := h.reg.Info(connID)
	if !ok {
		return false
	}
	w := signal.Welcome{ConnectionID: info.ID, UserID: info.UserID}
	if len(h.cfg.ICEServers) > 0 {
		w.ICEServers = h.cfg.ICEServers
	}
	h.send(connID, signal.Connected, w)
	return true
}

// Touch records activity outside of Dispatch, e.g. a pong.
func (h *Hub) Touch(connID string) { h.reg.Touch(connID) }

// Disconnect handles the end of a transport. A nil err is a clean close;
// anything else marks the connection errored first. Both free the slot now.
func (h *Hub) Disconnect(connID string, err error) {
	reason := registry.ReasonClosed
	if err != nil {
		reason = registry.ReasonError
		h.reg.MarkErrored(connID, err.Error())
	} else {
		h.reg.MarkClosing(connID, "client close")
	}
	h.reg.Remove(connID, reason)
}

func (h *Hub) Stats() registry.Stats { return h.reg.Stats() }

// CloseOldest force-closes the n least recently active open connections.
func (h *Hub) CloseOldest(n int) []string { return h.reg.CloseOldest(n) }

// Info exposes a connection record.
func (h *Hub) Info(connID string) (registry.Info, bool) { return h.reg.Info(connID) }

// Calls exposes the call controller for inspection.
func (h *Hub) Calls() *calls.Controller { return h.calls }

// Rooms exposes the room router for inspection.
func (h *Hub) Rooms() *rooms.Router { return h.rooms }

// Sweep runs one cleanup pass immediately.
func (h *Hub) Sweep() []string { return h.reg.Sweep(h.now()) }

func (h *Hub) OnConnectionChange(fn func(ConnectionChange)) (unsubscribe func()) {
	return h.changes.Subscribe(fn)
}

func (h *Hub) OnMessage(fn func(Message)) (unsubscribe func()) { return h.msgs.Subscribe(fn) }

func (h *Hub) OnError(fn func(Fault)) (unsubscribe func()) { return h.faults.Subscribe(fn) }

// ListenerCount includes the hub's own registry subscriptions while running.
func (h *Hub) ListenerCount() int {
	return h.changes.Len() + h.msgs.Len() + h.faults.Len() + h.reg.ListenerCount()
}

func (h *Hub) onChange(ch registry.Change) {
	h.changes.Emit(ch, h.recovered)
	if ch.Status != registry.Closed {
		return
	}
	// membership is already gone; ch.Rooms is what it was at removal
	for _, room := range ch.Rooms {
		h.broadcastPresence(room, signal.UserLeft, ch.ID, ch.UserID)
	}
	h.orphanMu.Lock()
	h.orphans[identity(ch.ID, ch.UserID)] = struct{}{}
	h.orphanMu.Unlock()
	h.lg.Debug("connection removed",
		zap.String("conn", ch.ID), zap.String("user", ch.UserID),
		zap.String("reason", ch.Reason), zap.Strings("rooms", ch.Rooms))
}

func (h *Hub) onSweep(time.Time) {
	h.releaseOrphans(false)
	h.pushStats()
}

// releaseOrphans drops call state for identities that no longer have a live
// connection. force releases every orphan regardless.
func (h *Hub) releaseOrphans(force bool) {
	h.orphanMu.Lock()
	pending := make([]string, 0, len(h.orphans))
	for id := range h.orphans {
		pending = append(pending, id)
	}
	h.orphans = make(map[string]struct{})
	h.orphanMu.Unlock()

	for _, id := range pending {
		if !force && h.reg.HasLive(id) {
			continue
		}
		h.calls.Release(id)
	}
}

func (h *Hub) pushStats() {
	st := h.reg.Stats()
	env, err := signal.New(signal.ConnectionStats, signal.Stats(st))
	if err != nil {
		return
	}
	env.Timestamp = h.now().UnixMilli()
	b, err := env.Encode()
	if err != nil {
		return
	}
	for _, ep := range h.reg.OpenEndpoints() {
		_ = safeSend(ep.T, b)
	}
}

func (h *Hub) fault(connID string, err error) {
	h.faults.Emit(Fault{ConnID: connID, Err: err}, h.recovered)
}

func (h *Hub) recovered(v any) {
	h.lg.Error("hub listener panicked", zap.Any("panic", v))
}
