// Package wm implements the workspace manager: the single worker loop that
// consumes what the broker delivers and submits connect/disconnect requests
// and outbound data on behalf of callers above the communication subsystem.
package wm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"go.wsrt.dev/internal/broker"
	"go.wsrt.dev/internal/protocol"
)

// Status is the WM's own view of a ServerId's lifecycle, derived purely
// from the ConnectionNotice/DisconnectionNotice stream -- never from
// SCM-internal record state, which the WM thread never touches.
type Status int

const (
	// Pending means requestConnect has been issued but no ConnectionNotice
	// has arrived yet.
	Pending Status = iota
	// Connected means the last lifecycle event observed was a
	// ConnectionNotice.
	Connected
	// Disconnected means the last lifecycle event observed was a
	// DisconnectionNotice (or no connect has ever been requested).
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// knownServer is the WM's per-ServerId bookkeeping: just enough to enforce
// the "no data after DisconnectionNotice without a fresh requestConnect"
// contract and to answer the admin API's status listing.
type knownServer struct {
	status  Status
	minor   uint32
	lastErr error
}

// DataHandler is invoked once per inbound DataMsg the WM observes. Wiring
// it to actual workspace/application semantics is out of scope for this
// subsystem; the default used by cmd/workspaced simply logs.
type DataHandler func(id protocol.ServerId, payload protocol.Payload)

// WM is the workspace-side loop. Exactly one goroutine may call Run; all
// other methods are safe to call concurrently from any goroutine.
type WM struct {
	b      *broker.Broker
	onData DataHandler

	mu    sync.RWMutex
	known map[protocol.ServerId]*knownServer
}

// New creates a WM bound to b. onData may be nil, in which case inbound
// data messages are logged and discarded.
func New(b *broker.Broker, onData DataHandler) *WM {
	if onData == nil {
		onData = func(id protocol.ServerId, payload protocol.Payload) {
			log.Debug().Stringer("server", id).Int("bytes", len(payload.Event)).
				Msg("wm: data message discarded, no handler installed")
		}
	}
	return &WM{
		b:      b,
		onData: onData,
		known:  make(map[protocol.ServerId]*knownServer),
	}
}

// Run drives the WM loop until ctx is cancelled.
func (w *WM) Run(ctx context.Context) {
	log.Info().Msg("wm: loop starting")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("wm: loop stopped")
			return
		case <-w.b.WmWakeChan():
		}
		w.drain()
	}
}

func (w *WM) drain() {
	control, data := w.b.DrainForWm()

	// Control before data within a batch, per the ordering contract.
	for _, c := range control {
		w.applyControl(c)
	}
	for _, d := range data {
		w.onData(d.ServerId, d.Payload)
	}
}

func (w *WM) applyControl(c protocol.ControlMsg) {
	switch c.Kind {
	case protocol.ControlConnectionNotice:
		w.mu.Lock()
		w.known[c.ServerId] = &knownServer{status: Connected, minor: c.Minor}
		w.mu.Unlock()
		log.Info().Stringer("server", c.ServerId).Uint32("minor", c.Minor).Msg("wm: server connected")

	case protocol.ControlDisconnectionNotice:
		w.mu.Lock()
		w.known[c.ServerId] = &knownServer{status: Disconnected, lastErr: c.Err}
		w.mu.Unlock()
		ev := log.Info()
		if c.Err != nil {
			ev = log.Warn()
		}
		ev.Stringer("server", c.ServerId).Err(c.Err).Msg("wm: server disconnected")
	}
}

// RequestConnect asks the SCM to establish a connection to id. The server
// is immediately marked Pending so SendData starts accepting traffic for it
// again.
func (w *WM) RequestConnect(id protocol.ServerId) {
	w.mu.Lock()
	w.known[id] = &knownServer{status: Pending}
	w.mu.Unlock()
	w.b.RequestConnect(id)
}

// RequestDisconnect asks the SCM to tear down id's connection, if any. May
// be called at any time, including before a ConnectionNotice is observed.
func (w *WM) RequestDisconnect(id protocol.ServerId) {
	w.b.RequestDisconnect(id)
}

// SendData submits an outbound payload for id. Per §4.7's contract, this is
// rejected once a DisconnectionNotice has been observed for id and no
// subsequent RequestConnect has been issued, so a caller cannot race stale
// data onto a dead incarnation.
func (w *WM) SendData(id protocol.ServerId, payload protocol.Payload) error {
	w.mu.RLock()
	ks, ok := w.known[id]
	w.mu.RUnlock()

	if !ok || ks.status == Disconnected {
		return fmt.Errorf("wm: refusing to send to %s: no live connection (requestConnect first)", id)
	}

	w.b.SendDataToScm(protocol.DataMsg{ServerId: id, Payload: payload})
	return nil
}

// ServerInfo is a point-in-time view of one known ServerId, used by the
// admin API's GET /servers endpoint.
type ServerInfo struct {
	ID        protocol.ServerId
	Status    Status
	Minor     uint32
	LastError error
}

// Servers returns a snapshot of every known ServerId and its status.
func (w *WM) Servers() []ServerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]ServerInfo, 0, len(w.known))
	for id, ks := range w.known {
		out = append(out, ServerInfo{ID: id, Status: ks.status, Minor: ks.minor, LastError: ks.lastErr})
	}
	return out
}
