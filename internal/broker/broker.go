// Package broker implements the thread-safe mailbox and admission
// controller joining the workspace manager (WM) and server communication
// manager (SCM) goroutines. The Broker is the only shared mutable state
// between the two: every operation here acquires one mutex for O(1) queue
// splice work and never blocks waiting on either side.
package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.wsrt.dev/internal/common/metrics"
	"go.wsrt.dev/internal/protocol"
	"go.wsrt.dev/internal/syncutil"
)

// Default quench constants, matching the reference implementation this
// subsystem was distilled from.
const (
	DefaultQueueMax       = 50
	DefaultBatchCount     = 100
	DefaultRateMsPerMsg   = 5 * time.Millisecond
)

// Config holds the three quench levers. Zero-value fields fall back to the
// defaults above via New.
type Config struct {
	QueueMax     int
	BatchCount   int
	RateMsPerMsg time.Duration

	// QuenchPollFloor bounds how small a poll interval computeQuenchLocked
	// will ever hand back while a deadline-based quench is active: the SCM
	// busily re-derives quench on every wake while any deadline is
	// outstanding (see §9's "busy re-drain while quench is active" design
	// note), and as that deadline approaches now the naive remaining-time
	// wait shrinks towards zero, tightening the re-drain loop. Zero (the
	// default) means "exactly the deadline", preserving that behaviour
	// unchanged; a positive value imposes a minimum wait so the loop never
	// spins tighter than this floor.
	QuenchPollFloor time.Duration

	// Now is injectable for deterministic rate-envelope tests; defaults to
	// time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueMax <= 0 {
		c.QueueMax = DefaultQueueMax
	}
	if c.BatchCount <= 0 {
		c.BatchCount = DefaultBatchCount
	}
	if c.RateMsPerMsg <= 0 {
		c.RateMsPerMsg = DefaultRateMsPerMsg
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Broker is the cross-thread mailbox. All fields are guarded by mu. The
// wake tokens are syncutil.Signal values: a capacity-1 channel already gives
// idempotent, coalesced posting, so the "is a wake-up already outstanding"
// bookkeeping required by §4.1 falls directly out of the channel's buffer
// rather than needing a second flag.
type Broker struct {
	mu sync.Mutex

	toWmControl  []protocol.ControlMsg
	toWmData     []protocol.DataMsg
	toScmControl []protocol.ControlMsg
	toScmData    []protocol.DataMsg

	wmWake  *syncutil.Signal
	scmWake *syncutil.Signal

	batchCount int
	batchStart time.Time

	cfg Config
}

// New creates a Broker with the given quench configuration.
func New(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	return &Broker{
		wmWake:     syncutil.NewSignal(),
		scmWake:    syncutil.NewSignal(),
		batchStart: cfg.Now(),
		cfg:        cfg,
	}
}

// WmWakeChan is received on by the WM loop to block until new work has been
// posted for it.
func (b *Broker) WmWakeChan() <-chan struct{} { return b.wmWake.Chan() }

// ScmWakeChan is received on by the SCM loop to block until new work has
// been posted for it.
func (b *Broker) ScmWakeChan() <-chan struct{} { return b.scmWake.Chan() }

// RequestConnect enqueues ConnectRequest{connect:true} for id. Any data
// messages already queued to the SCM for id are purged first, so a
// disconnect-then-reconnect race never delivers stale data to the new
// incarnation.
func (b *Broker) RequestConnect(id protocol.ServerId) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.purgeScmDataLocked(id)
	b.toScmControl = append(b.toScmControl, protocol.NewConnectRequest(id, true))
	b.scmWake.Post()
}

// RequestDisconnect enqueues ConnectRequest{connect:false} for id.
func (b *Broker) RequestDisconnect(id protocol.ServerId) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toScmControl = append(b.toScmControl, protocol.NewConnectRequest(id, false))
	b.scmWake.Post()
}

// SendDataToScm enqueues an outbound data message for the SCM to deliver.
func (b *Broker) SendDataToScm(msg protocol.DataMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toScmData = append(b.toScmData, msg)
	b.scmWake.Post()
}

func (b *Broker) purgeScmDataLocked(id protocol.ServerId) {
	if len(b.toScmData) == 0 {
		return
	}
	kept := b.toScmData[:0]
	purged := 0
	for _, m := range b.toScmData {
		if m.ServerId == id {
			purged++
			continue
		}
		kept = append(kept, m)
	}
	b.toScmData = kept
	if purged > 0 {
		log.Debug().Stringer("server", id).Int("purged", purged).
			Msg("purged stale outbound data ahead of reconnect")
	}
}

// DrainForWm atomically moves both WM-bound queues out, clearing the WM
// wake token, and returns them. If the prior length of toWmData was at or
// above QueueMax, it also posts the SCM wake token so the SCM re-evaluates
// quench now that room may exist.
func (b *Broker) DrainForWm() ([]protocol.ControlMsg, []protocol.DataMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wmWake.Drain()

	control := b.toWmControl
	data := b.toWmData
	b.toWmControl = nil
	b.toWmData = nil

	if len(data) >= b.cfg.QueueMax {
		b.scmWake.Post()
	}

	b.updateQueueMetricsLocked()
	return control, data
}

// DrainForScm atomically moves both SCM-bound queues out, clearing the SCM
// wake token, and returns them along with the current quench value.
func (b *Broker) DrainForScm() ([]protocol.ControlMsg, []protocol.DataMsg, Quench) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scmWake.Drain()

	control := b.toScmControl
	data := b.toScmData
	b.toScmControl = nil
	b.toScmData = nil

	q := b.computeQuenchLocked()
	b.updateQueueMetricsLocked()
	return control, data, q
}

// DeliverToWm appends control and data messages bound for the WM, advances
// the batch counter, posts the WM wake token, and returns the freshly
// computed quench value.
func (b *Broker) DeliverToWm(control []protocol.ControlMsg, data []protocol.DataMsg) Quench {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toWmControl = append(b.toWmControl, control...)
	b.toWmData = append(b.toWmData, data...)
	b.batchCount += len(data)

	for _, c := range control {
		switch c.Kind {
		case protocol.ControlConnectionNotice:
			metrics.ConnectionNotices.Inc()
		case protocol.ControlDisconnectionNotice:
			cause := "graceful"
			if c.Err != nil {
				cause = "transport"
			}
			metrics.DisconnectionNotices.WithLabelValues(cause).Inc()
		}
	}

	b.wmWake.Post()

	q := b.computeQuenchLocked()
	b.updateQueueMetricsLocked()
	return q
}

// Quench reports the current quench value. Like every quench computation,
// it resets the batch counter and start time once an outstanding deadline
// has elapsed; nothing else changes. Safe to call from any goroutine.
func (b *Broker) Quench() Quench {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.computeQuenchLocked()
}

// computeQuenchLocked implements §4.1's admission computation. Must be
// called with mu held.
func (b *Broker) computeQuenchLocked() Quench {
	now := b.cfg.Now()

	if len(b.toWmData) >= b.cfg.QueueMax {
		metrics.BrokerQuenchActive.Set(1)
		return Quench{State: QuenchBlocked}
	}

	if b.batchCount < b.cfg.BatchCount {
		metrics.BrokerQuenchActive.Set(0)
		return Quench{State: QuenchUnlimited}
	}

	deadline := b.batchStart.Add(time.Duration(b.batchCount) * b.cfg.RateMsPerMsg)
	if !deadline.After(now) {
		b.batchCount = 0
		b.batchStart = now
		metrics.BrokerQuenchActive.Set(0)
		return Quench{State: QuenchUnlimited}
	}

	metrics.BrokerQuenchActive.Set(1)
	return Quench{State: QuenchDeadline, Deadline: deadline, PollFloor: b.cfg.QuenchPollFloor}
}

func (b *Broker) updateQueueMetricsLocked() {
	metrics.BrokerQueueDepth.WithLabelValues("to_wm", "control").Set(float64(len(b.toWmControl)))
	metrics.BrokerQueueDepth.WithLabelValues("to_wm", "data").Set(float64(len(b.toWmData)))
	metrics.BrokerQueueDepth.WithLabelValues("to_scm", "control").Set(float64(len(b.toScmControl)))
	metrics.BrokerQueueDepth.WithLabelValues("to_scm", "data").Set(float64(len(b.toScmData)))
}

// Snapshot is a point-in-time view of broker state, read by tests. Taking
// one computes quench, which resets the batch counter and start time once
// an outstanding deadline has elapsed; nothing else changes.
type Snapshot struct {
	ToWmControlLen  int
	ToWmDataLen     int
	ToScmControlLen int
	ToScmDataLen    int
	BatchCount      int
	Quench          Quench
}

// TakeSnapshot reads the broker's current state under the mutex.
func (b *Broker) TakeSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ToWmControlLen:  len(b.toWmControl),
		ToWmDataLen:     len(b.toWmData),
		ToScmControlLen: len(b.toScmControl),
		ToScmDataLen:    len(b.toScmData),
		BatchCount:      b.batchCount,
		Quench:          b.computeQuenchLocked(),
	}
}
