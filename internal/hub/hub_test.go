package hub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapsinghierarchy/nt-callrelay/internal/calls"
	"github.com/collapsinghierarchy/nt-callrelay/internal/hub"
	"github.com/collapsinghierarchy/nt-callrelay/internal/registry"
	"github.com/collapsinghierarchy/nt-callrelay/internal/signal"
)

type sink struct {
	mu     sync.Mutex
	frames []signal.Envelope
	closed atomic.Bool
}

func (s *sink) Send(b []byte) error {
	var env signal.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	return nil
}

func (s *sink) Close() error { s.closed.Store(true); return nil }

func (s *sink) all() []signal.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Envelope(nil), s.frames...)
}

func (s *sink) of(t signal.Type) []signal.Envelope {
	var out []signal.Envelope
	for _, f := range s.all() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (s *sink) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

type manualTimer struct{ stopped atomic.Bool }

func (m *manualTimer) Stop() bool { return !m.stopped.Swap(true) }

type rig struct {
	h      *hub.Hub
	mu     sync.Mutex
	fires  []func()
	nextID atomic.Int64
}

func newRig(t *testing.T, cfg hub.Config) *rig {
	t.Helper()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 30
	}
	cfg.SweepEvery = time.Hour
	r := &rig{}
	r.h = hub.New(cfg,
		hub.WithConnIDs(func() string { return fmt.Sprintf("c%d", r.nextID.Add(1)) }),
		hub.WithRingTimers(func(_ time.Duration, fn func()) calls.Timer {
			r.mu.Lock()
			r.fires = append(r.fires, fn)
			r.mu.Unlock()
			return &manualTimer{}
		}),
	)
	require.NoError(t, r.h.Start(context.Background()))
	t.Cleanup(r.h.Stop)
	return r
}

func (r *rig) connect(t *testing.T, user string) (string, *sink) {
	t.Helper()
	s := &sink{}
	info, err := r.h.Admit(user, registry.KindChat, s)
	require.NoError(t, err)
	require.True(t, r.h.Open(info.ID))
	return info.ID, s
}

func (r *rig) send(t *testing.T, conn string, frame map[string]any) {
	t.Helper()
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	r.h.Dispatch(conn, b)
}

func (r *rig) join(t *testing.T, conn, room string) {
	r.send(t, conn, map[string]any{"type": "join-room", "roomId": room})
}

func errorCode(t *testing.T, env signal.Envelope) string {
	t.Helper()
	var body signal.ErrorBody
	require.NoError(t, env.Decode(&body))
	return body.Code
}

func TestWelcomeFrame(t *testing.T) {
	r := newRig(t, hub.Config{})
	id, s := r.connect(t, "alice")

	got := s.of(signal.Connected)
	require.Len(t, got, 1)
	var w struct {
		ConnectionID string `json:"connectionId"`
		UserID       string `json:"userId"`
	}
	require.NoError(t, got[0].Decode(&w))
	assert.Equal(t, id, w.ConnectionID)
	assert.Equal(t, "alice", w.UserID)
}

func TestCrossRoomIsolationScenario(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, sa := r.connect(t, "a")
	b, sb := r.connect(t, "b")
	c, sc := r.connect(t, "c")
	r.join(t, a, "r1")
	r.join(t, b, "r1")
	r.join(t, a, "r2")
	r.join(t, c, "r2")
	sc.reset()

	var faults atomic.Int32
	un := r.h.OnError(func(hub.Fault) { faults.Add(1) })
	defer un()

	r.send(t, a, map[string]any{"type": "send-message", "roomId": "r1", "payload": map[string]string{"text": "hi"}})
	require.Len(t, sb.of(signal.SendMessage), 1)
	assert.Empty(t, sc.of(signal.SendMessage))
	assert.Empty(t, sa.of(signal.SendMessage))

	sa.reset()
	r.send(t, b, map[string]any{"type": "typing", "roomId": "r2", "payload": map[string]bool{"typing": true}})
	assert.Empty(t, sc.of(signal.Typing), "b is not in r2")
	assert.Empty(t, sa.of(signal.Typing))
	assert.Empty(t, sb.of(signal.Error), "cross-room violations are not surfaced")
	assert.Equal(t, int32(1), faults.Load())
}

func TestDirectRelayStaysInRoom(t *testing.T) {
	r := newRig(t, hub.Config{RequireCall: false})
	a, _ := r.connect(t, "a")
	b, sb := r.connect(t, "b")
	c, sc := r.connect(t, "c")
	r.join(t, a, "r1")
	r.join(t, b, "r1")
	r.join(t, a, "r2")
	r.join(t, c, "r2")

	r.send(t, a, map[string]any{"type": "offer", "roomId": "r1", "to": c, "payload": map[string]string{"sdp": "x"}})
	assert.Empty(t, sc.of(signal.Offer), "c is only in r2")

	r.send(t, a, map[string]any{"type": "webrtc-offer", "roomId": "r1", "to": b, "payload": map[string]string{"sdp": "x"}})
	got := sb.of(signal.Offer)
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0].From)
	assert.Equal(t, "a", got[0].FromUser)
	assert.NotZero(t, got[0].Timestamp)
}

func TestSignalGateRequiresCall(t *testing.T) {
	r := newRig(t, hub.Config{RequireCall: true})
	a, sa := r.connect(t, "alice")
	b, sb := r.connect(t, "bob")
	r.join(t, a, "room")
	r.join(t, b, "room")

	r.send(t, a, map[string]any{"type": "ice-candidate", "roomId": "room", "to": b, "payload": map[string]string{"candidate": "c"}})
	assert.Empty(t, sb.of(signal.ICECandidate))
	errs := sa.of(signal.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, signal.CodeNoCall, errorCode(t, errs[0]))

	r.send(t, a, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "bob"}})
	require.Len(t, sb.of(signal.CallRinging), 1)

	r.send(t, a, map[string]any{"type": "iceCandidate", "roomId": "room", "to": b, "payload": map[string]string{"candidate": "c"}})
	assert.Len(t, sb.of(signal.ICECandidate), 1, "ringing call opens the gate")
}

func TestCallQueueThroughHub(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, sa := r.connect(t, "A")
	b, sb := r.connect(t, "B")
	c, sc := r.connect(t, "C")
	for _, id := range []string{a, b, c} {
		r.join(t, id, "room")
	}

	r.send(t, a, map[string]any{"type": "call", "roomId": "room", "payload": map[string]string{"callee": "C", "displayName": "Ann"}})
	ring := sc.of(signal.CallRinging)
	require.Len(t, ring, 1)
	var rp signal.Ringing
	require.NoError(t, ring[0].Decode(&rp))
	assert.Equal(t, "A", rp.Caller)
	assert.Equal(t, "Ann", rp.DisplayName)

	r.send(t, c, map[string]any{"type": "accept-call", "payload": map[string]string{"requestId": rp.RequestID}})
	require.Len(t, sa.of(signal.CallAccepted), 1)

	r.send(t, b, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "C"}})
	queued := sb.of(signal.CallQueued)
	require.Len(t, queued, 1)
	var qp signal.Queued
	require.NoError(t, queued[0].Decode(&qp))
	assert.Equal(t, 1, qp.Position)
	assert.Empty(t, sb.of(signal.CallRejected))

	sc.reset()
	r.send(t, a, map[string]any{"type": "hangup", "payload": map[string]string{}})
	require.Len(t, sc.of(signal.CallEnded), 1)
	ring = sc.of(signal.CallRinging)
	require.Len(t, ring, 1, "B is promoted")
	require.NoError(t, ring[0].Decode(&rp))
	assert.Equal(t, "B", rp.Caller)
}

func TestStaleRejectAfterExpiryThroughHub(t *testing.T) {
	r := newRig(t, hub.Config{RingTimeout: time.Second})
	a, sa := r.connect(t, "A")
	b, sb := r.connect(t, "B")
	r.join(t, a, "room")
	r.join(t, b, "room")

	r.send(t, a, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "B"}})
	var rp signal.Ringing
	require.NoError(t, sb.of(signal.CallRinging)[0].Decode(&rp))

	r.mu.Lock()
	fire := r.fires[len(r.fires)-1]
	r.mu.Unlock()
	fire()
	require.Len(t, sa.of(signal.CallExpired), 1)
	assert.Empty(t, sa.of(signal.CallRejected), "expiry is not a rejection")

	r.send(t, b, map[string]any{"type": "call-reject", "payload": map[string]string{"requestId": rp.RequestID}})
	errs := sb.of(signal.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, signal.CodeStaleAction, errorCode(t, errs[0]))
	assert.Len(t, sa.of(signal.CallRejected), 0)
}

func TestCallUnavailableWhenCalleeNotInRoom(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, sa := r.connect(t, "A")
	r.connect(t, "B")
	r.join(t, a, "room")

	r.send(t, a, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "B"}})
	assert.Len(t, sa.of(signal.CallUnavailable), 1)
	assert.Equal(t, "idle", r.h.Calls().Snapshot("B").State)
}

func TestSelfCallAndUnknownType(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, sa := r.connect(t, "A")
	r.join(t, a, "room")

	r.send(t, a, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "A"}})
	r.send(t, a, map[string]any{"type": "teleport"})
	r.h.Dispatch(a, []byte("{not json"))

	var codes []string
	for _, e := range sa.of(signal.Error) {
		codes = append(codes, errorCode(t, e))
	}
	assert.Equal(t, []string{signal.CodeSelfCall, signal.CodeUnknownType, signal.CodeBadRequest}, codes)
}

func TestDisconnectLeavesRoomsAndOrphanRelease(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, _ := r.connect(t, "A")
	b, sb := r.connect(t, "B")
	r.join(t, a, "room")
	r.join(t, b, "room")

	r.send(t, a, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "B"}})
	require.Equal(t, "ringing", r.h.Calls().Snapshot("B").State)

	r.h.Disconnect(a, nil)
	assert.Len(t, sb.of(signal.UserLeft), 1)
	assert.False(t, r.h.Rooms().Has("room", a))
	assert.Equal(t, "ringing", r.h.Calls().Snapshot("B").State, "call state survives until the sweep")

	r.h.Sweep()
	assert.Equal(t, "idle", r.h.Calls().Snapshot("B").State)
	assert.Len(t, sb.of(signal.CallCancelled), 1)
	assert.NotEmpty(t, sb.of(signal.ConnectionStats))
}

func TestReconnectKeepsCallState(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, _ := r.connect(t, "A")
	b, _ := r.connect(t, "B")
	r.join(t, a, "room")
	r.join(t, b, "room")
	r.send(t, a, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "B"}})

	r.h.Disconnect(a, fmt.Errorf("read: connection reset"))
	r.connect(t, "A")
	r.h.Sweep()
	assert.Equal(t, "ringing", r.h.Calls().Snapshot("B").State)
}

func TestCapacityScenarioThroughHub(t *testing.T) {
	r := newRig(t, hub.Config{MaxConnections: 2})
	x, _ := r.connect(t, "x")
	r.connect(t, "y")

	_, err := r.h.Admit("z", registry.KindChat, &sink{})
	assert.ErrorIs(t, err, registry.ErrCapacityExceeded)

	r.h.Disconnect(x, nil)
	r.connect(t, "z")
	assert.Equal(t, registry.Stats{Total: 2, Active: 2, Limit: 2, Available: 0}, r.h.Stats())
}

func TestCloseOldest(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, sa := r.connect(t, "a")
	b, _ := r.connect(t, "b")
	time.Sleep(2 * time.Millisecond)
	r.send(t, a, map[string]any{"type": "ping"})

	assert.Equal(t, []string{b}, r.h.CloseOldest(1))
	assert.Len(t, sa.of(signal.Pong), 1)
	_, ok := r.h.Info(b)
	assert.False(t, ok)
}

func TestListenerCountReturnsToZero(t *testing.T) {
	h := hub.New(hub.Config{MaxConnections: 5, SweepEvery: time.Hour})
	assert.Zero(t, h.ListenerCount())
	require.NoError(t, h.Start(context.Background()))
	base := h.ListenerCount()

	un1 := h.OnConnectionChange(func(hub.ConnectionChange) {})
	un2 := h.OnMessage(func(hub.Message) {})
	un3 := h.OnError(func(hub.Fault) {})
	assert.Equal(t, base+3, h.ListenerCount())
	un1()
	un2()
	assert.Equal(t, base+1, h.ListenerCount())

	h.Stop()
	assert.Zero(t, h.ListenerCount())
	un3()
	assert.False(t, h.Ready())
	_, err := h.Admit("u", registry.KindChat, &sink{})
	assert.ErrorIs(t, err, hub.ErrNotReady)
}

func TestStopClosesConnections(t *testing.T) {
	h := hub.New(hub.Config{MaxConnections: 5, SweepEvery: time.Hour})
	require.NoError(t, h.Start(context.Background()))
	s := &sink{}
	info, err := h.Admit("u", registry.KindSignaling, s)
	require.NoError(t, err)
	h.Open(info.ID)

	var changes []registry.Status
	var mu sync.Mutex
	h.OnConnectionChange(func(ch hub.ConnectionChange) {
		mu.Lock()
		changes = append(changes, ch.Status)
		mu.Unlock()
	})
	h.Stop()
	h.Stop()
	assert.True(t, s.closed.Load())
	mu.Lock()
	assert.Equal(t, []registry.Status{registry.Closed}, changes)
	mu.Unlock()
}

func TestConcurrentDispatch(t *testing.T) {
	r := newRig(t, hub.Config{MaxConnections: 50})
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id, _ := r.connect(t, fmt.Sprintf("u%d", i))
		ids = append(ids, id)
	}
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			room := fmt.Sprintf("room-%d", i%3)
			b, _ := json.Marshal(map[string]any{"type": "join-room", "roomId": room})
			r.h.Dispatch(id, b)
			for j := 0; j < 20; j++ {
				b, _ = json.Marshal(map[string]any{"type": "send-message", "roomId": room, "payload": map[string]string{"text": fmt.Sprintf("m%d", j)}})
				r.h.Dispatch(id, b)
			}
			if i%2 == 0 {
				r.h.Disconnect(id, nil)
			}
		}(i, id)
	}
	wg.Wait()
	assert.Equal(t, 10, r.h.Stats().Active)
	for i := 0; i < 3; i++ {
		for _, m := range r.h.Rooms().Members(fmt.Sprintf("room-%d", i)) {
			_, ok := r.h.Info(m)
			assert.True(t, ok, "removed connection %s still in a room", m)
		}
	}
}

func TestRemovedConnectionNeverSeenInRoom(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, _ := r.connect(t, "A")
	b, sb := r.connect(t, "B")
	r.join(t, a, "room")
	r.join(t, b, "room")

	var saw, inRegistry, inRoom atomic.Bool
	un := r.h.OnConnectionChange(func(ch hub.ConnectionChange) {
		if ch.ID != a || ch.Status != registry.Closed {
			return
		}
		saw.Store(true)
		_, ok := r.h.Info(a)
		inRegistry.Store(ok)
		inRoom.Store(r.h.Rooms().Has("room", a))
	})
	defer un()

	r.h.Disconnect(a, nil)
	require.True(t, saw.Load())
	assert.False(t, inRegistry.Load())
	assert.False(t, inRoom.Load(), "membership goes with the registry entry")
	assert.Equal(t, []string{b}, r.h.Rooms().Members("room"))
	assert.Len(t, sb.of(signal.UserLeft), 1)
}

func TestBusyPartyGetsBusyError(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, _ := r.connect(t, "A")
	b, sb := r.connect(t, "B")
	c, sc := r.connect(t, "C")
	for _, id := range []string{a, b, c} {
		r.join(t, id, "room")
	}

	r.send(t, a, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "B"}})
	r.send(t, b, map[string]any{"type": "call-accept", "payload": map[string]string{}})
	require.Equal(t, "active", r.h.Calls().Snapshot("B").State)

	r.send(t, b, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "C"}})
	errs := sb.of(signal.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, signal.CodeBusy, errorCode(t, errs[0]))
	assert.Empty(t, sc.of(signal.CallRinging))

	r.send(t, c, map[string]any{"type": "call-request", "roomId": "room", "payload": map[string]string{"callee": "A"}})
	require.Len(t, sc.of(signal.CallQueued), 1, "A is on a call as the caller")
	assert.False(t, r.h.Calls().InCall("C", "A"))
}

func TestChatPayloadShape(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, sa := r.connect(t, "A")
	b, sb := r.connect(t, "B")
	r.join(t, a, "room")
	r.join(t, b, "room")

	bad := []map[string]any{
		{"type": "send-message", "roomId": "room"},
		{"type": "send-message", "roomId": "room", "payload": map[string]string{"text": ""}},
		{"type": "send-message", "roomId": "room", "payload": "hi"},
		{"type": "typing", "roomId": "room", "payload": map[string]string{"typing": "yes"}},
		{"type": "typing", "roomId": "room", "payload": map[string]string{}},
	}
	for _, f := range bad {
		r.send(t, a, f)
	}
	assert.Empty(t, sb.of(signal.SendMessage))
	assert.Empty(t, sb.of(signal.Typing))
	errs := sa.of(signal.Error)
	require.Len(t, errs, len(bad))
	for _, e := range errs {
		assert.Equal(t, signal.CodeBadRequest, errorCode(t, e))
	}

	r.send(t, a, map[string]any{"type": "typing", "roomId": "room", "payload": map[string]bool{"typing": false}})
	assert.Len(t, sb.of(signal.Typing), 1)
}

func TestLeaveRoomNotMember(t *testing.T) {
	r := newRig(t, hub.Config{})
	a, sa := r.connect(t, "A")

	r.send(t, a, map[string]any{"type": "leave-room", "roomId": "nowhere"})
	assert.Empty(t, sa.of(signal.RoomLeft))
	errs := sa.of(signal.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, signal.CodeNotMember, errorCode(t, errs[0]))

	r.join(t, a, "room")
	r.send(t, a, map[string]any{"type": "leave", "roomId": "room"})
	assert.Len(t, sa.of(signal.RoomLeft), 1)
	assert.False(t, r.h.Rooms().Has("room", a))
}
