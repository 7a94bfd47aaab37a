package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.wsrt.dev/internal/protocol"
)

func testServerId(host string) protocol.ServerId {
	return protocol.NewServerId(host, 9000)
}

func TestRequestConnectPurgesStaleData(t *testing.T) {
	b := New(Config{})
	id := testServerId("a")
	other := testServerId("b")

	b.SendDataToScm(protocol.DataMsg{ServerId: id, Payload: protocol.Payload{Event: []byte("stale")}})
	b.SendDataToScm(protocol.DataMsg{ServerId: other, Payload: protocol.Payload{Event: []byte("keep")}})

	b.RequestConnect(id)

	_, data, _ := b.DrainForScm()
	require.Len(t, data, 1)
	assert.Equal(t, other, data[0].ServerId)
}

func TestRequestDisconnectIsQueuedAsControl(t *testing.T) {
	b := New(Config{})
	id := testServerId("a")

	b.RequestDisconnect(id)

	control, _, _ := b.DrainForScm()
	require.Len(t, control, 1)
	assert.Equal(t, protocol.ControlConnectRequest, control[0].Kind)
	assert.False(t, control[0].Connect)
}

func TestWakeTokenCoalesces(t *testing.T) {
	b := New(Config{})
	id := testServerId("a")

	b.RequestDisconnect(id)
	b.RequestDisconnect(id)
	b.SendDataToScm(protocol.DataMsg{ServerId: id})

	// Exactly one token should be outstanding no matter how many posts
	// happened before the consumer drains.
	select {
	case <-b.ScmWakeChan():
	default:
		t.Fatal("expected scm wake token to be outstanding")
	}
	select {
	case <-b.ScmWakeChan():
		t.Fatal("wake token posted twice, expected coalescing")
	default:
	}
}

func TestDeliverToWmUnlimitedBelowBatchCount(t *testing.T) {
	b := New(Config{BatchCount: 100})
	q := b.DeliverToWm(nil, []protocol.DataMsg{{}})
	assert.True(t, q.Unlimited())
}

func TestDeliverToWmBlockedAtQueueMax(t *testing.T) {
	b := New(Config{QueueMax: 2, BatchCount: 1000})
	b.DeliverToWm(nil, []protocol.DataMsg{{}, {}})
	q := b.DeliverToWm(nil, []protocol.DataMsg{{}})
	assert.True(t, q.Blocked())
}

func TestDeliverToWmRateEnvelope(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := New(Config{QueueMax: 1000, BatchCount: 2, RateMsPerMsg: 10 * time.Millisecond, Now: clock})

	// First message leaves batchCount (1) below BatchCount (2).
	q := b.DeliverToWm(nil, []protocol.DataMsg{{}})
	assert.True(t, q.Unlimited())

	// Second message pushes batchCount (2) >= BatchCount (2): deadline is
	// batchStart + 2*10ms = now+20ms, which is still in the future.
	q = b.DeliverToWm(nil, []protocol.DataMsg{{}})
	require.Equal(t, QuenchDeadline, q.State)
	assert.Equal(t, now.Add(20*time.Millisecond), q.Deadline)

	// Advance the clock past the deadline; the next computation resets.
	now = now.Add(21 * time.Millisecond)
	q = b.Quench()
	assert.True(t, q.Unlimited())
}

func TestDrainForWmClearsWakeAndRePostsScmWakeOnHighWater(t *testing.T) {
	b := New(Config{QueueMax: 1})
	b.DeliverToWm(nil, []protocol.DataMsg{{}})

	// DeliverToWm posts only the WM wake token; confirm it is outstanding.
	select {
	case <-b.WmWakeChan():
	default:
		t.Fatal("expected wm wake token outstanding after deliver")
	}

	_, data := b.DrainForWm()
	require.Len(t, data, 1)

	// toWmData length (1) was >= QueueMax (1) prior to drain, so scmWake
	// should have been posted so the SCM re-evaluates quench.
	select {
	case <-b.ScmWakeChan():
	default:
		t.Fatal("expected scm wake token posted after high-water drain")
	}
}

func TestQuenchTimeout(t *testing.T) {
	now := time.Now()

	blocked := Quench{State: QuenchBlocked}
	d, finite := blocked.Timeout(now)
	assert.False(t, finite)
	assert.Zero(t, d)

	unlimited := Quench{State: QuenchUnlimited}
	d, finite = unlimited.Timeout(now)
	assert.False(t, finite)
	assert.Zero(t, d)

	deadline := Quench{State: QuenchDeadline, Deadline: now.Add(50 * time.Millisecond)}
	d, finite = deadline.Timeout(now)
	assert.True(t, finite)
	assert.Equal(t, 50*time.Millisecond, d)

	past := Quench{State: QuenchDeadline, Deadline: now.Add(-time.Second)}
	d, finite = past.Timeout(now)
	assert.True(t, finite)
	assert.Zero(t, d)
}

func TestQuenchPollFloorBoundsShortDeadlines(t *testing.T) {
	now := time.Now()

	// Deadline further out than the floor: the floor has no effect.
	far := Quench{State: QuenchDeadline, Deadline: now.Add(50 * time.Millisecond), PollFloor: 10 * time.Millisecond}
	d, finite := far.Timeout(now)
	assert.True(t, finite)
	assert.Equal(t, 50*time.Millisecond, d)

	// Deadline closer than the floor: the floor wins.
	near := Quench{State: QuenchDeadline, Deadline: now.Add(2 * time.Millisecond), PollFloor: 10 * time.Millisecond}
	d, finite = near.Timeout(now)
	assert.True(t, finite)
	assert.Equal(t, 10*time.Millisecond, d)

	// Zero floor (the default) leaves "exactly the deadline" unchanged,
	// even when that deadline has already elapsed.
	elapsed := Quench{State: QuenchDeadline, Deadline: now.Add(-time.Millisecond)}
	d, finite = elapsed.Timeout(now)
	assert.True(t, finite)
	assert.Zero(t, d)
}

func TestComputeQuenchLockedCarriesConfiguredPollFloor(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := New(Config{QueueMax: 1000, BatchCount: 1, RateMsPerMsg: 10 * time.Millisecond, QuenchPollFloor: 3 * time.Millisecond, Now: clock})

	q := b.DeliverToWm(nil, []protocol.DataMsg{{}})
	require.Equal(t, QuenchDeadline, q.State)
	assert.Equal(t, 3*time.Millisecond, q.PollFloor)
}
