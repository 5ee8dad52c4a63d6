package live

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/testsupport"
)

func TestSubscribeSendsInitialSnapshot(t *testing.T) {
	hub := NewHub(testsupport.GetLogger(), staticSnapshot("2026-10-18", func() int64 { return 7 }))
	sub := newFakeSubscriber("a")

	hub.Subscribe(context.Background(), sub)

	snaps := sub.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(7), snaps[0].Today)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestBroadcastSkipsIdenticalContent(t *testing.T) {
	hub := NewHub(testsupport.GetLogger(), nil)
	sub := newFakeSubscriber("a")
	hub.Subscribe(context.Background(), sub)

	msg := TrafficSnapshot{Date: "2026-10-18", Today: 3, Timestamp: time.Now()}
	hub.Broadcast(msg)
	msg.Timestamp = msg.Timestamp.Add(time.Second)
	hub.Broadcast(msg)
	msg.Today = 4
	hub.Broadcast(msg)

	snaps := sub.snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(3), snaps[0].Today)
	assert.Equal(t, int64(4), snaps[1].Today)
}

func TestDisplayedTodayNeverDecreases(t *testing.T) {
	hub := NewHub(testsupport.GetLogger(), nil)
	sub := newFakeSubscriber("a")
	hub.Subscribe(context.Background(), sub)

	hub.Broadcast(TrafficSnapshot{Date: "2026-10-18", Today: 10, Week: 40})
	hub.Broadcast(TrafficSnapshot{Date: "2026-10-18", Today: 8, Week: 38})
	hub.Broadcast(TrafficSnapshot{Date: "2026-10-18", Today: 12, Week: 44})

	snaps := sub.snapshots()
	require.Len(t, snaps, 2, "the lowered snapshot equals the previous one once floored")
	assert.Equal(t, int64(10), snaps[0].Today)
	assert.Equal(t, int64(12), snaps[1].Today)

	// A new date starts its own floor.
	hub.Broadcast(TrafficSnapshot{Date: "2026-10-19", Today: 1, Week: 1})
	snaps = sub.snapshots()
	assert.Equal(t, int64(1), snaps[len(snaps)-1].Today)
}

func TestResetDisplayFloorAllowsLowerTotals(t *testing.T) {
	hub := NewHub(testsupport.GetLogger(), nil)
	sub := newFakeSubscriber("a")
	hub.Subscribe(context.Background(), sub)

	hub.Broadcast(TrafficSnapshot{Date: "2026-10-18", Today: 10})
	hub.ResetDisplayFloor()
	hub.Broadcast(TrafficSnapshot{Date: "2026-10-18", Today: 6})

	snaps := sub.snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(6), snaps[1].Today)
}

func TestFailedSendDropsOnlyThatClient(t *testing.T) {
	hub := NewHub(testsupport.GetLogger(), nil)
	good := newFakeSubscriber("good")
	bad := newFakeSubscriber("bad")
	hub.Subscribe(context.Background(), good)
	hub.Subscribe(context.Background(), bad)

	bad.mu.Lock()
	bad.failSend = true
	bad.mu.Unlock()

	hub.Broadcast(HitAccepted{Date: "2026-10-18", Today: 1})

	assert.Equal(t, 1, hub.ClientCount())
	assert.True(t, bad.isClosed())
	assert.Len(t, good.messages(), 1)
}

func TestHeartbeatDropsUnresponsiveClients(t *testing.T) {
	hub := NewHub(testsupport.GetLogger(), nil)
	alive := newFakeSubscriber("alive")
	dead := newFakeSubscriber("dead")
	hub.Subscribe(context.Background(), alive)
	hub.Subscribe(context.Background(), dead)

	// First round probes everyone.
	hub.checkLiveness()
	assert.Equal(t, 2, hub.ClientCount())
	assert.Equal(t, 1, dead.probes)

	dead.mu.Lock()
	dead.responded = false
	dead.mu.Unlock()

	hub.checkLiveness()
	assert.Equal(t, 1, hub.ClientCount())
	assert.True(t, dead.isClosed())
	assert.Equal(t, 2, alive.probes)

	var heartbeats int
	for _, m := range alive.messages() {
		if _, ok := m.(Heartbeat); ok {
			heartbeats++
		}
	}
	assert.Equal(t, 2, heartbeats)
}

func TestClientRequestGetsFreshSnapshot(t *testing.T) {
	var calls atomic.Int64
	hub := NewHub(testsupport.GetLogger(), staticSnapshot("2026-10-18", func() int64 {
		calls.Add(1)
		return 5
	}))
	sub := newFakeSubscriber("a")
	hub.Subscribe(context.Background(), sub)

	// Same content as the initial snapshot, still delivered on request.
	hub.HandleClientMessage(context.Background(), "a", ClientRequest{Type: RequestSnapshot})
	hub.HandleClientMessage(context.Background(), "a", ClientRequest{Type: "unknown"})

	assert.Len(t, sub.snapshots(), 2)
	assert.Equal(t, int64(2), calls.Load())
}

func TestUnsubscribeAndCloseAll(t *testing.T) {
	hub := NewHub(testsupport.GetLogger(), nil)
	a, b := newFakeSubscriber("a"), newFakeSubscriber("b")
	hub.Subscribe(context.Background(), a)
	hub.Subscribe(context.Background(), b)

	hub.Unsubscribe("a")
	assert.True(t, a.isClosed())
	assert.Equal(t, 1, hub.ClientCount())

	hub.CloseAll()
	assert.True(t, b.isClosed())
	assert.Zero(t, hub.ClientCount())
}
