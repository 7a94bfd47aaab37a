// Package scm implements the server communication manager: the single
// worker loop that drives every server record through tunnel establishment,
// the role handshake, and bidirectional data transfer, reporting connection
// lifecycle back to the workspace manager through the broker.
package scm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.wsrt.dev/internal/audit"
	"go.wsrt.dev/internal/broker"
	"go.wsrt.dev/internal/common/metrics"
	"go.wsrt.dev/internal/diagnostics"
	"go.wsrt.dev/internal/protocol"
	"go.wsrt.dev/internal/server"
	"go.wsrt.dev/internal/syncutil"
)

// defaultTransferCap bounds the post-wake transfer micro-loop per record per
// iteration. Exposed via Config so deployments can retune the quench
// fairness/throughput tradeoff without a rebuild.
const defaultTransferCap = 20

// connectingPollInterval bounds the select timeout whenever any record is
// Connecting, since tunnel establishment is probed by polling rather than
// by a readiness callback.
const connectingPollInterval = 300 * time.Millisecond

// defaultSelfCheckInterval bounds how often the periodic diagnostics
// self-check runs; it also doubles as a wake source so waitForWake never
// blocks longer than this, even while quench stays continuously Blocked.
const defaultSelfCheckInterval = 5 * time.Second

// TunnelFactory creates a fresh, not-yet-connecting Tunnel for id. Called
// once per Scheduled->Connecting transition.
type TunnelFactory func(id protocol.ServerId) server.Tunnel

// Config holds the SCM's tunable knobs.
type Config struct {
	// TransferCapPerRecord bounds the transfer micro-loop per record per
	// wake. Defaults to 20 if zero.
	TransferCapPerRecord int

	// SelfCheckInterval bounds how often the periodic self-check (stuck
	// pending-removal records, quench held active unusually long) runs.
	// Defaults to 5s if zero.
	SelfCheckInterval time.Duration

	// PendingStuckThreshold is how long a record may sit in the
	// pending-removal list, unflushed, before the self-check raises a
	// Warning for it. Defaults to 2x SelfCheckInterval if zero.
	PendingStuckThreshold time.Duration

	// QuenchStuckThreshold is how long quench may stay continuously
	// non-Unlimited before the self-check raises a Warning. Defaults to
	// 4x SelfCheckInterval if zero.
	QuenchStuckThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.TransferCapPerRecord <= 0 {
		c.TransferCapPerRecord = defaultTransferCap
	}
	if c.SelfCheckInterval <= 0 {
		c.SelfCheckInterval = defaultSelfCheckInterval
	}
	if c.PendingStuckThreshold <= 0 {
		c.PendingStuckThreshold = 2 * c.SelfCheckInterval
	}
	if c.QuenchStuckThreshold <= 0 {
		c.QuenchStuckThreshold = 4 * c.SelfCheckInterval
	}
	return c
}

// pendingRemoval tracks one record awaiting physical removal from the
// records map, along with when it entered the list (for the stuck-pending
// self-check) and whether that self-check has already warned about it
// (so a single stuck record doesn't re-raise a Warning every iteration).
type pendingRemoval struct {
	record      *server.Record
	since       time.Time
	stuckWarned bool
}

// SCM owns every server.Record; no other goroutine may read or write a
// record or touch a tunnel.
type SCM struct {
	b       *broker.Broker
	factory TunnelFactory
	cfg     Config

	audit   *audit.Service
	warn    *diagnostics.Service

	records map[protocol.ServerId]*server.Record
	pending []pendingRemoval // pending-removal list, flushed on next Broker round-trip

	// quenchActiveSince is zero while quench is Unlimited, and the moment
	// quench most recently left Unlimited otherwise; runSelfCheck uses it
	// to detect quench held continuously active too long.
	quenchActiveSince time.Time
	quenchStuckWarned bool

	selfCheck *time.Ticker // guarantees iterate() re-runs periodically, even while quench stays Blocked

	ioReady *syncutil.Signal // posted by tunnels when readiness may have changed

	// statusMu guards statusCache, the only SCM-owned state any other
	// goroutine (the admin HTTP API) is permitted to read. It is published
	// at the end of every iteration; no other SCM field is touched outside
	// the SCM goroutine.
	statusMu    sync.RWMutex
	statusCache map[protocol.ServerId]server.Status
}

// New creates an SCM bound to b, using factory to construct tunnels. A nil
// auditSvc or warnSvc is replaced with a bounded in-memory default, so
// callers that don't care about persistence (tests, a quick cmd/ wiring)
// can pass nil rather than constructing their own.
func New(b *broker.Broker, factory TunnelFactory, cfg Config, auditSvc *audit.Service, warnSvc *diagnostics.Service) *SCM {
	if auditSvc == nil {
		auditSvc = audit.NewService(audit.NewInMemoryRepository(0))
	}
	if warnSvc == nil {
		warnSvc = diagnostics.NewService()
	}
	cfg = cfg.withDefaults()
	return &SCM{
		b:           b,
		factory:     factory,
		cfg:         cfg,
		audit:       auditSvc,
		warn:        warnSvc,
		records:     make(map[protocol.ServerId]*server.Record),
		selfCheck:   time.NewTicker(cfg.SelfCheckInterval),
		ioReady:     syncutil.NewSignal(),
		statusCache: make(map[protocol.ServerId]server.Status),
	}
}

// IOReadySignal returns the signal tunnels should Post() to whenever a
// pending send/receive may have made progress, replacing the OS-level
// select() readiness notification the original design assumed.
func (s *SCM) IOReadySignal() *syncutil.Signal { return s.ioReady }

// Run drives the SCM loop until ctx is cancelled. On return, every tunnel
// has been closed.
func (s *SCM) Run(ctx context.Context) {
	log.Info().Msg("scm: loop starting")
	defer s.shutdown()

	for {
		if ctx.Err() != nil {
			return
		}
		s.iterate(ctx)
	}
}

func (s *SCM) publishStatus() {
	snap := make(map[protocol.ServerId]server.Status, len(s.records))
	for id, r := range s.records {
		snap[id] = r.Status
	}
	s.statusMu.Lock()
	s.statusCache = snap
	s.statusMu.Unlock()
}

func (s *SCM) shutdown() {
	s.selfCheck.Stop()
	for id, r := range s.records {
		if r.Tunnel != nil {
			_ = r.Tunnel.Disconnect()
		}
		delete(s.records, id)
	}
	log.Info().Msg("scm: loop stopped, all tunnels closed")
}

// iterate runs one pass of the main loop described by the per-record
// preparation/post-select phases. It always drains the broker at least
// once and blocks for at most one wake before returning, so Run's for-loop
// can observe ctx cancellation promptly.
func (s *SCM) iterate(ctx context.Context) {
	defer s.publishStatus()

	s.drainAndApply()

	q := s.b.Quench()

	// Runs every iteration, including ones that are about to block or
	// return early on Blocked quench -- the self-check ticker (wired into
	// waitForWake below) exists precisely so this still happens
	// periodically even when nothing else would re-enter iterate.
	s.runSelfCheck(q, time.Now())

	// Step 4: preparation phase across every record.
	watchConnecting := s.prepareAll(q)

	// Step 5: preparation may have produced WM-bound output; that already
	// happened inside prepareAll via deliverToWm, so nothing further to
	// flush here -- re-read quench since it may have shifted.
	q = s.b.Quench()

	timeout, hasTimeout := s.computeTimeout(q, watchConnecting)

	// select() is level-triggered: a socket with unread bytes or a send
	// still draining is reported ready on every call until it is fully
	// serviced, not just once at the edge. The shared readiness signal is
	// edge-triggered (a post coalesces, and draining it clears it), so the
	// level-triggered case has to be checked explicitly here rather than
	// relying on a wake always being outstanding.
	if !q.Unlimited() || !s.anyTunnelReady() {
		if !s.waitForWake(ctx, timeout, hasTimeout) {
			return
		}
	}

	if !q.Unlimited() {
		// Quenched (Blocked, or a deadline not yet elapsed when this
		// iteration began): no tunnel is read; re-derive fresh quench on
		// the next iteration.
		return
	}

	// Step 7: post-select update across every record, then flush.
	for _, r := range s.recordsSnapshot() {
		s.postSelectUpdate(r)
	}
	s.flushPendingRemovals()
}

// anyTunnelReady reports whether any RoleReply/Connected record's tunnel
// already has an unread message or an in-flight send, in which case the
// loop must not block at all this iteration.
func (s *SCM) anyTunnelReady() bool {
	for _, r := range s.records {
		if r.Status != server.RoleReply && r.Status != server.Connected {
			continue
		}
		if r.Tunnel.HasReceivedMessage() || r.Tunnel.IsSendingMessage() {
			return true
		}
	}
	return false
}

// computeTimeout implements §4.2 step 3/4's timeout arithmetic.
func (s *SCM) computeTimeout(q broker.Quench, watchConnecting bool) (time.Duration, bool) {
	if q.Blocked() {
		return 0, false
	}

	d, finite := q.Timeout(time.Now())
	if !finite {
		if watchConnecting {
			return connectingPollInterval, true
		}
		return 0, false
	}
	if watchConnecting && d > connectingPollInterval {
		d = connectingPollInterval
	}
	return d, true
}

func (s *SCM) waitForWake(ctx context.Context, timeout time.Duration, hasTimeout bool) bool {
	if !hasTimeout {
		// No finite quench/connecting timeout is outstanding, which can
		// happen for an extended period while quench stays Blocked (§4.2
		// step 3). selfCheck.C still fires on its own interval, so iterate
		// is re-entered and the stuck-pending/quench-stuck self-check keeps
		// running even though nothing else would wake this select.
		select {
		case <-ctx.Done():
			return false
		case <-s.b.ScmWakeChan():
		case <-s.ioReady.Chan():
		case <-s.selfCheck.C:
		}
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.b.ScmWakeChan():
	case <-s.ioReady.Chan():
	case <-timer.C:
	case <-s.selfCheck.C:
	}
	return true
}

// runSelfCheck implements §3's periodic self-check: a record stuck in the
// pending-removal list past Config.PendingStuckThreshold (§4.6's "physically
// removed only on the next Broker flush" can be delayed indefinitely while
// quench stays Blocked, since iterate returns before reaching
// flushPendingRemovals), or quench held continuously non-Unlimited past
// Config.QuenchStuckThreshold. Each condition raises at most one Warning per
// occurrence, not one per iteration.
func (s *SCM) runSelfCheck(q broker.Quench, now time.Time) {
	if q.Unlimited() {
		s.quenchActiveSince = time.Time{}
		s.quenchStuckWarned = false
	} else {
		if s.quenchActiveSince.IsZero() {
			s.quenchActiveSince = now
		}
		if !s.quenchStuckWarned && now.Sub(s.quenchActiveSince) > s.cfg.QuenchStuckThreshold {
			s.quenchStuckWarned = true
			s.warn.Add(diagnostics.CategoryQuenchStuck, diagnostics.SeverityWarn, "",
				fmt.Sprintf("quench has been continuously active for %s (threshold %s)",
					now.Sub(s.quenchActiveSince).Round(time.Second), s.cfg.QuenchStuckThreshold))
		}
	}

	for i := range s.pending {
		p := &s.pending[i]
		if p.stuckWarned || now.Sub(p.since) <= s.cfg.PendingStuckThreshold {
			continue
		}
		p.stuckWarned = true
		s.warn.Add(diagnostics.CategoryPendingStuck, diagnostics.SeverityWarn, p.record.ID.String(),
			fmt.Sprintf("record pending-removal for %s (record age %s), still not flushed",
				now.Sub(p.since).Round(time.Second), now.Sub(p.record.CreatedAt).Round(time.Second)))
	}
}

// drainAndApply implements §4.2 steps 1-2: drain the broker, apply control
// messages per §4.3's connect/disconnect semantics, enqueue data onto each
// record's send queue, and flush anything produced back to the WM.
func (s *SCM) drainAndApply() {
	control, data, _ := s.b.DrainForScm()

	for _, c := range control {
		s.applyControl(c)
	}

	for _, d := range data {
		r, ok := s.records[d.ServerId]
		if !ok || r.Status != server.Connected {
			continue
		}
		r.Enqueue(d.Payload.Event)
	}
}

func (s *SCM) applyControl(c protocol.ControlMsg) {
	if c.Kind != protocol.ControlConnectRequest {
		return
	}
	if c.Connect {
		s.handleConnectRequest(c.ServerId)
	} else {
		s.handleDisconnectRequest(c.ServerId)
	}
}

func (s *SCM) handleConnectRequest(id protocol.ServerId) {
	if existing, ok := s.records[id]; ok && existing.Status != server.Disconnected {
		log.Debug().Stringer("server", id).Msg("scm: connect requested for already-live record, ignoring")
		return
	}
	r := server.NewRecord(id)
	s.records[id] = r
	log.Info().Stringer("server", id).Stringer("incarnation", r.IncarnationID).Msg("scm: record scheduled")
}

func (s *SCM) handleDisconnectRequest(id protocol.ServerId) {
	r, ok := s.records[id]
	if !ok || r.Status == server.Disconnected {
		return
	}
	s.disconnect(r, nil)
}

// prepareAll runs §4.3 for every record, returning whether any record is
// Connecting (so the caller shortens its select timeout).
func (s *SCM) prepareAll(q broker.Quench) bool {
	watchConnecting := false
	for _, r := range s.recordsSnapshot() {
		if s.prepareOne(r, q) {
			watchConnecting = true
		}
	}
	return watchConnecting
}

func (s *SCM) prepareOne(r *server.Record, q broker.Quench) (watchConnecting bool) {
	defer func() {
		if err := recover(); err != nil {
			s.disconnect(r, fmt.Errorf("scm: panic during preparation: %v", err))
		}
	}()

	switch r.Status {
	case server.Scheduled:
		r.Tunnel = s.factory(r.ID)
		if err := r.Tunnel.BeginConnect(); err != nil {
			s.disconnect(r, err)
			return false
		}
		r.Status = server.Connecting
		return true

	case server.Connecting:
		ok, err := r.Tunnel.CheckConnect()
		if err != nil {
			s.disconnect(r, err)
			return false
		}
		if !ok {
			return true
		}
		if err := r.Tunnel.SendRoleSelection(protocol.NewRoleSelection()); err != nil {
			s.disconnect(r, err)
			return false
		}
		r.Status = server.RoleReply
		return false

	case server.RoleReply:
		return false

	case server.Connected:
		if err := s.maybeStartSend(r); err != nil {
			s.disconnect(r, err)
			return false
		}
		return false

	default: // Disconnected
		return false
	}
}

// maybeStartSend implements §4.4 step 1 (also used by prepareOne's
// pre-select phase, §4.3): if the tunnel is idle and the record has queued
// outbound payloads, start sending the next one.
func (s *SCM) maybeStartSend(r *server.Record) error {
	if r.Tunnel.IsSendingMessage() || len(r.SendQueue) == 0 {
		return nil
	}
	payload := r.SendQueue[0]
	r.SendQueue = r.SendQueue[1:]
	return r.Tunnel.SendMsg(payload)
}

// postSelectUpdate implements §4.4.
func (s *SCM) postSelectUpdate(r *server.Record) {
	if r.Status != server.RoleReply && r.Status != server.Connected {
		return
	}

	defer func() {
		if err := recover(); err != nil {
			s.disconnect(r, fmt.Errorf("scm: panic during transfer: %v", err))
		}
	}()

	iterations := 0
	for ; iterations < s.cfg.TransferCapPerRecord; iterations++ {
		// Step 1: pipelined send-kickoff, interleaved with receives within
		// this same micro-loop -- a record whose tunnel goes idle partway
		// through must not wait for the next WM/SCM round trip to flush
		// further queued sends.
		if err := s.maybeStartSend(r); err != nil {
			s.disconnect(r, err)
			return
		}

		sendWasInProgress := r.Tunnel.IsSendingMessage()

		if err := r.Tunnel.DoTransfer(); err != nil {
			s.disconnect(r, err)
			return
		}

		received := r.Tunnel.HasReceivedMessage()
		sendStillInProgress := r.Tunnel.IsSendingMessage()

		if !received && (!sendWasInProgress || sendStillInProgress) {
			iterations++
			break
		}

		if received {
			raw, err := r.Tunnel.GetMessage()
			if err != nil {
				s.disconnect(r, err)
				return
			}
			if err := s.handleIncoming(r, raw); err != nil {
				s.disconnect(r, err)
				return
			}
			// A received message was just handed to the WM queue (or, for a
			// handshake reply, produced a ConnectionNotice); re-check quench
			// immediately rather than waiting for the next outer iteration,
			// so a burst of inbound traffic on one record cannot push the
			// WM-bound depth past QueueMax+1 before the loop notices.
			if s.b.Quench().Blocked() {
				iterations++
				break
			}
		}
	}

	metrics.TransferIterations.Observe(float64(iterations))
}

// handleIncoming implements §4.5.
func (s *SCM) handleIncoming(r *server.Record, raw []byte) error {
	if r.Status == server.RoleReply {
		reply := parseRoleReply(raw)

		switch {
		case reply.Code == protocol.ResponseMustUpgrade:
			return fmt.Errorf("scm: server requires a client upgrade to a newer protocol version")
		case reply.Code != protocol.ResponseOK:
			if reply.Reason == "" {
				return fmt.Errorf("scm: handshake failed: malformed error response")
			}
			return fmt.Errorf("scm: handshake rejected: %s", reply.Reason)
		case reply.Minor < protocol.LastCompatibleMinor:
			return fmt.Errorf("scm: server too old (minor %d < %d)", reply.Minor, protocol.LastCompatibleMinor)
		default:
			negotiated := reply.Minor
			if protocol.ProtocolMinor < negotiated {
				negotiated = protocol.ProtocolMinor
			}
			r.Status = server.Connected
			r.NegotiatedMinor = negotiated
			s.b.DeliverToWm([]protocol.ControlMsg{protocol.NewConnectionNotice(r.ID, negotiated)}, nil)
			s.audit.RecordConnected(context.Background(), r.ID.String(), r.IncarnationID.String(), negotiated)
			log.Info().Stringer("server", r.ID).Uint32("minor", negotiated).Msg("scm: handshake complete")
			return nil
		}
	}

	s.b.DeliverToWm(nil, []protocol.DataMsg{{
		ServerId: r.ID,
		Payload:  protocol.Payload{Event: raw},
	}})
	return nil
}

// parseRoleReply decodes the handshake response payload defensively: a
// short or malformed payload is treated as a generic handshake failure
// rather than indexed into and panicking.
func parseRoleReply(raw []byte) protocol.RoleReply {
	if len(raw) < 1 {
		return protocol.RoleReply{Code: protocol.ResponseCode(0xFF), Reason: ""}
	}
	code := protocol.ResponseCode(raw[0])
	if code == protocol.ResponseOK {
		if len(raw) < 5 {
			return protocol.RoleReply{Code: protocol.ResponseCode(0xFF)}
		}
		minor := uint32(raw[1]) | uint32(raw[2])<<8 | uint32(raw[3])<<16 | uint32(raw[4])<<24
		return protocol.RoleReply{Code: protocol.ResponseOK, Minor: minor}
	}
	reason := ""
	if len(raw) > 1 {
		reason = string(raw[1:])
	}
	return protocol.RoleReply{Code: code, Reason: reason}
}

// disconnect implements §4.6.
func (s *SCM) disconnect(r *server.Record, err error) {
	if r.Status == server.Disconnected {
		return
	}
	wasHandshaking := r.Status == server.RoleReply
	if r.Tunnel != nil {
		_ = r.Tunnel.Disconnect()
	}
	r.Status = server.Disconnected
	r.LastError = err
	s.pending = append(s.pending, pendingRemoval{record: r, since: time.Now()})

	s.b.DeliverToWm([]protocol.ControlMsg{protocol.NewDisconnectionNotice(r.ID, err)}, nil)
	s.audit.RecordDisconnected(context.Background(), r.ID.String(), r.IncarnationID.String(), err)

	ev := log.Info()
	if err != nil {
		ev = log.Error()
		category := diagnostics.CategoryTransport
		if wasHandshaking {
			category = diagnostics.CategoryHandshake
		}
		s.warn.Add(category, diagnostics.SeverityError, r.ID.String(), err.Error())
	}
	ev.Stringer("server", r.ID).Stringer("incarnation", r.IncarnationID).Err(err).Msg("scm: record disconnected")
}

// flushPendingRemovals deletes each pending record from the map, but only
// if the map still points at that exact record: a reconnect racing the
// removal (§4.1's purge-on-requestConnect) may already have replaced the
// map entry for the same ServerId with a fresh incarnation, which must
// survive.
func (s *SCM) flushPendingRemovals() {
	if len(s.pending) == 0 {
		return
	}
	for _, p := range s.pending {
		if current, ok := s.records[p.record.ID]; ok && current == p.record {
			delete(s.records, p.record.ID)
		}
	}
	s.pending = s.pending[:0]
}

// recordsSnapshot returns a stable slice of the live records so callers can
// mutate s.records (e.g. via flushPendingRemovals) without invalidating an
// in-progress range.
func (s *SCM) recordsSnapshot() []*server.Record {
	out := make([]*server.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// RecordStatus reports the status of id's current record as of the last
// published iteration, for diagnostics and the admin API. ok is false if no
// record exists. Safe to call from any goroutine.
func (s *SCM) RecordStatus(id protocol.ServerId) (status server.Status, ok bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	status, ok = s.statusCache[id]
	return status, ok
}

// AllStatuses returns a snapshot of every known record's status as of the
// last published iteration. Safe to call from any goroutine.
func (s *SCM) AllStatuses() map[protocol.ServerId]server.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	out := make(map[protocol.ServerId]server.Status, len(s.statusCache))
	for id, st := range s.statusCache {
		out[id] = st
	}
	return out
}
