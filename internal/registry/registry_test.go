package registry_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
	"github.com/collapsinghierarchy/nt-callrelay/internal/registry"
)

type fakeTransport struct {
	closed atomic.Int32
}

func (f *fakeTransport) Send([]byte) error { return nil }
func (f *fakeTransport) Close() error      { f.closed.Add(1); return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("c%d", n.Add(1)) }
}

func admitOpen(t *testing.T, r *registry.Registry, user string) registry.Info {
	t.Helper()
	info, err := r.Admit(user, registry.KindChat, &fakeTransport{})
	require.NoError(t, err)
	require.True(t, r.MarkOpen(info.ID))
	return info
}

func TestCapacityScenario(t *testing.T) {
	r := registry.New(registry.WithLimit(2))

	x, err := r.Admit("x", registry.KindChat, &fakeTransport{})
	require.NoError(t, err)
	_, err = r.Admit("y", registry.KindChat, &fakeTransport{})
	require.NoError(t, err)

	_, err = r.Admit("z", registry.KindChat, &fakeTransport{})
	require.True(t, errors.Is(err, registry.ErrCapacityExceeded), "got %v", err)

	require.True(t, r.Remove(x.ID, registry.ReasonClosed))
	_, err = r.Admit("z", registry.KindChat, &fakeTransport{})
	require.NoError(t, err)
}

func TestAdmitExactlyLimitThenRemoveFreesOne(t *testing.T) {
	for _, limit := range []int{1, 3, 30} {
		r := registry.New(registry.WithLimit(limit))
		ids := make([]string, 0, limit)
		for i := 0; i < limit; i++ {
			info, err := r.Admit("", registry.KindSignaling, &fakeTransport{})
			require.NoError(t, err)
			ids = append(ids, info.ID)
		}
		_, err := r.Admit("", registry.KindSignaling, &fakeTransport{})
		require.ErrorIs(t, err, registry.ErrCapacityExceeded)
		assert.Equal(t, 0, r.Stats().Available)

		require.True(t, r.Remove(ids[0], registry.ReasonClosed))
		assert.Equal(t, 1, r.Stats().Available)

		// second remove is a no-op
		assert.False(t, r.Remove(ids[0], registry.ReasonClosed))
		assert.Equal(t, 1, r.Stats().Available)
	}
}

func TestConcurrentAdmitNeverExceedsLimit(t *testing.T) {
	const limit = 10
	r := registry.New(registry.WithLimit(limit))
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Admit("", registry.KindChat, &fakeTransport{}); err == nil {
				ok.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(limit), ok.Load())
	assert.Equal(t, int32(90), rejected.Load())
}

func TestStatsAndForwardOnlyStatus(t *testing.T) {
	r := registry.New(registry.WithLimit(5))
	a, _ := r.Admit("a", registry.KindChat, &fakeTransport{})
	b := admitOpen(t, r, "b")

	assert.Equal(t, registry.Stats{Total: 2, Active: 1, Limit: 5, Available: 3}, r.Stats())

	assert.True(t, r.MarkClosing(b.ID, "bye"))
	assert.False(t, r.MarkOpen(b.ID), "closing must not reopen")
	assert.False(t, r.MarkErrored(b.ID, "late"), "closing and errored share a rank")

	assert.True(t, r.MarkErrored(a.ID, "read failed"))
	info, ok := r.Info(a.ID)
	require.True(t, ok)
	assert.Equal(t, registry.Errored, info.Status)

	assert.Equal(t, registry.Stats{Total: 2, Active: 0, Limit: 5, Available: 5}, r.Stats())
}

func TestRemoveClosesTransportOnce(t *testing.T) {
	r := registry.New()
	tr := &fakeTransport{}
	info, err := r.Admit("u", registry.KindChat, tr)
	require.NoError(t, err)

	r.Remove(info.ID, registry.ReasonClosed)
	r.Remove(info.ID, registry.ReasonClosed)
	assert.Equal(t, int32(1), tr.closed.Load())
}

func TestCloseOldestOrder(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	r := registry.New(registry.WithClock(clk.Now), registry.WithIDs(seqIDs()))

	c1 := admitOpen(t, r, "u1") // t=0
	clk.Advance(time.Second)
	c2 := admitOpen(t, r, "u2") // t=1
	clk.Advance(time.Second)
	c3 := admitOpen(t, r, "u3") // t=2
	clk.Advance(time.Second)
	pending, _ := r.Admit("u4", registry.KindChat, &fakeTransport{}) // never opened

	// c1 becomes the most recently active
	clk.Advance(time.Second)
	require.True(t, r.Touch(c1.ID))

	closed := r.CloseOldest(2)
	assert.Equal(t, []string{c2.ID, c3.ID}, closed)

	_, ok := r.Info(c1.ID)
	assert.True(t, ok)
	_, ok = r.Info(pending.ID)
	assert.True(t, ok, "only open connections are eligible")

	assert.Empty(t, r.CloseOldest(0))
	assert.Equal(t, []string{c1.ID}, r.CloseOldest(10))
}

func TestCloseOldestTieBreaksOnCreatedAt(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	r := registry.New(registry.WithClock(clk.Now), registry.WithIDs(seqIDs()))

	a, _ := r.Admit("a", registry.KindChat, &fakeTransport{})
	clk.Advance(time.Second)
	b, _ := r.Admit("b", registry.KindChat, &fakeTransport{})

	// both opened at the same instant: equal lastActivity, a created first
	r.MarkOpen(b.ID)
	r.MarkOpen(a.ID)

	assert.Equal(t, []string{a.ID}, r.CloseOldest(1))
	_, ok := r.Info(b.ID)
	assert.True(t, ok)
}

func TestSweepRemovesStaleAndClosed(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	r := registry.New(
		registry.WithClock(clk.Now),
		registry.WithStaleAfter(5*time.Minute),
		registry.WithIDs(seqIDs()),
	)

	fresh := admitOpen(t, r, "fresh")
	stale := admitOpen(t, r, "stale")
	closing := admitOpen(t, r, "closing")
	errored := admitOpen(t, r, "errored")
	r.MarkClosing(closing.ID, "client close")
	r.MarkErrored(errored.ID, "read error")

	clk.Advance(4 * time.Minute)
	r.Touch(fresh.ID)
	clk.Advance(2 * time.Minute)

	var sweeps atomic.Int32
	un := r.OnSweep(func(time.Time) { sweeps.Add(1) })
	defer un()

	removed := r.Sweep(clk.Now())
	assert.ElementsMatch(t, []string{stale.ID, closing.ID, errored.ID}, removed)
	_, ok := r.Info(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, int32(1), sweeps.Load())
}

func TestJoinRoomAfterRemoveFails(t *testing.T) {
	r := registry.New()
	c := admitOpen(t, r, "u")

	var attached []string
	require.NoError(t, r.JoinRoom(c.ID, "r1", func() error { attached = append(attached, "r1"); return nil }))
	require.NoError(t, r.JoinRoom(c.ID, "r1", func() error { attached = append(attached, "again"); return nil }))
	assert.Equal(t, []string{"r1"}, attached, "re-join must not attach twice")

	var final registry.Change
	un := r.OnChange(func(ch registry.Change) {
		if ch.Status == registry.Closed {
			final = ch
		}
	})
	defer un()

	r.Remove(c.ID, registry.ReasonClosed)
	assert.Equal(t, []string{"r1"}, final.Rooms)
	assert.Equal(t, registry.ReasonClosed, final.Reason)

	err := r.JoinRoom(c.ID, "r2", func() error { t.Fatal("attach after remove"); return nil })
	assert.ErrorIs(t, err, registry.ErrNotOpen)
	assert.False(t, r.LeaveRoom(c.ID, "r1", nil))
}

func TestJoinRoomRequiresOpen(t *testing.T) {
	r := registry.New()
	info, _ := r.Admit("u", registry.KindChat, &fakeTransport{})
	assert.ErrorIs(t, r.JoinRoom(info.ID, "r", nil), registry.ErrNotOpen)
}

func TestEndpointAndHasLive(t *testing.T) {
	r := registry.New()
	named := admitOpen(t, r, "alice")
	anon := admitOpen(t, r, "")

	ep, ok := r.Endpoint(named.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", ep.UserID)

	assert.True(t, r.HasLive("alice"))
	assert.True(t, r.HasLive(anon.ID))
	assert.False(t, r.HasLive("bob"))

	r.Remove(named.ID, registry.ReasonClosed)
	assert.False(t, r.HasLive("alice"))
	_, ok = r.Endpoint(named.ID)
	assert.False(t, ok)
	assert.Len(t, r.OpenEndpoints(), 1)
}

func TestListenersUnsubscribe(t *testing.T) {
	r := registry.New()
	un1 := r.OnChange(func(registry.Change) {})
	un2 := r.OnSweep(func(time.Time) {})
	assert.Equal(t, 2, r.ListenerCount())
	un1()
	un2()
	assert.Equal(t, 0, r.ListenerCount())
}

func TestParseKind(t *testing.T) {
	k, ok := registry.ParseKind("")
	assert.True(t, ok)
	assert.Equal(t, registry.KindChat, k)
	k, ok = registry.ParseKind("peer-discovery")
	assert.True(t, ok)
	assert.Equal(t, registry.KindPeerDiscovery, k)
	_, ok = registry.ParseKind("video")
	assert.False(t, ok)
}

func TestRemoveDetachesRoomsBeforeForgetting(t *testing.T) {
	var got []string
	r := registry.New(registry.WithIDs(seqIDs()), registry.WithDetach(func(id string, rooms []string) {
		got = append([]string{id}, rooms...)
	}))
	info := admitOpen(t, r, "u")
	require.NoError(t, r.JoinRoom(info.ID, "b", nil))
	require.NoError(t, r.JoinRoom(info.ID, "a", nil))

	var closed registry.Change
	un := r.OnChange(func(ch registry.Change) {
		if ch.Status == registry.Closed {
			closed = ch
		}
	})
	defer un()

	require.True(t, r.Remove(info.ID, registry.ReasonClosed))
	assert.Equal(t, []string{info.ID, "a", "b"}, got)
	assert.Equal(t, []string{"a", "b"}, closed.Rooms)

	got = nil
	other := admitOpen(t, r, "v")
	r.Remove(other.ID, registry.ReasonClosed)
	assert.Nil(t, got, "no rooms, no detach")
}

func gauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestConnectionGaugesAcrossRegistries(t *testing.T) {
	live0, open0 := gauge(t, metrics.ConnectionsLive), gauge(t, metrics.ConnectionsOpen)

	a := registry.New()
	b := registry.New()
	ia := admitOpen(t, a, "x")
	ib, err := b.Admit("y", registry.KindChat, &fakeTransport{})
	require.NoError(t, err)
	assert.Equal(t, live0+2, gauge(t, metrics.ConnectionsLive))
	assert.Equal(t, open0+1, gauge(t, metrics.ConnectionsOpen))

	b.Remove(ib.ID, registry.ReasonClosed)
	assert.Equal(t, live0+1, gauge(t, metrics.ConnectionsLive), "one registry does not reset another")
	assert.Equal(t, open0+1, gauge(t, metrics.ConnectionsOpen))

	assert.Equal(t, []string{ia.ID}, a.CloseOldest(1))
	assert.Equal(t, live0, gauge(t, metrics.ConnectionsLive))
	assert.Equal(t, open0, gauge(t, metrics.ConnectionsOpen))
}
