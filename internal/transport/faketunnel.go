// Package transport holds concrete server.Tunnel implementations: the
// reference TCP transport and an in-memory fake driven entirely by scripted
// responses, used by scm package tests to exercise the end-to-end
// connect/handshake/transfer/disconnect scenarios without a real socket.
package transport

import (
	"errors"
	"sync"

	"go.wsrt.dev/internal/protocol"
	"go.wsrt.dev/internal/syncutil"
)

// FakeTunnel is a server.Tunnel whose connect outcome and inbound message
// stream are entirely scripted by the test driving it. All methods are
// safe to call from the SCM goroutine while the test goroutine pushes new
// scripted events via Deliver/FailConnect/etc. under the tunnel's own
// mutex.
//
// A real tunnel posts to the SCM's shared readiness signal whenever its
// connect, send, or receive state changes, replacing the OS-level select()
// wake-up with a channel post. FakeTunnel does the same: wire it to the
// SCM's signal with SetReadySignal so scripted events actually wake the
// loop, the way a real socket becoming readable would.
type FakeTunnel struct {
	mu sync.Mutex

	connectReady bool
	connectErr   error

	inbox   [][]byte
	sent    [][]byte
	sending bool

	closed bool

	ready *syncutil.Signal
}

// NewFakeTunnel creates a FakeTunnel with connection establishment pending
// (CheckConnect returns not-ready until ReadyToConnect is called).
func NewFakeTunnel() *FakeTunnel {
	return &FakeTunnel{}
}

// SetReadySignal wires the tunnel to post sig whenever a scripted event
// (ReadyToConnect, FailConnect, Deliver, DeliverRoleReply) occurs.
func (f *FakeTunnel) SetReadySignal(sig *syncutil.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = sig
}

func (f *FakeTunnel) postReady() {
	if f.ready != nil {
		f.ready.Post()
	}
}

// ReadyToConnect marks the tunnel as having completed connection
// establishment successfully.
func (f *FakeTunnel) ReadyToConnect() {
	f.mu.Lock()
	f.connectReady = true
	f.mu.Unlock()
	f.postReady()
}

// FailConnect marks connection establishment as having failed with err.
func (f *FakeTunnel) FailConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
	f.postReady()
}

// DeliverRoleReply scripts an inbound handshake reply, encoded the way
// the scm package's parseRoleReply expects to decode it.
func (f *FakeTunnel) DeliverRoleReply(code protocol.ResponseCode, minor uint32, reason string) {
	var raw []byte
	if code == protocol.ResponseOK {
		raw = []byte{byte(code), byte(minor), byte(minor >> 8), byte(minor >> 16), byte(minor >> 24)}
	} else {
		raw = append([]byte{byte(code)}, []byte(reason)...)
	}
	f.Deliver(raw)
}

// Deliver scripts an inbound application/event message.
func (f *FakeTunnel) Deliver(raw []byte) {
	f.mu.Lock()
	f.inbox = append(f.inbox, raw)
	f.mu.Unlock()
	f.postReady()
}

// Sent returns every payload the SCM has fully sent through SendMsg/DoTransfer.
func (f *FakeTunnel) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// Closed reports whether Disconnect has been called.
func (f *FakeTunnel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeTunnel) BeginConnect() error { return nil }

func (f *FakeTunnel) CheckConnect() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return false, f.connectErr
	}
	return f.connectReady, nil
}

func (f *FakeTunnel) SendRoleSelection(protocol.RoleSelection) error {
	return nil
}

func (f *FakeTunnel) HasReceivedMessage() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox) > 0
}

func (f *FakeTunnel) GetMessage() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return nil, errors.New("faketunnel: no message pending")
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	return msg, nil
}

func (f *FakeTunnel) IsSendingMessage() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sending
}

func (f *FakeTunnel) SendMsg(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sending {
		return errors.New("faketunnel: send already in progress")
	}
	// A fake send completes instantly; the SCM's transfer micro-loop will
	// observe sending==false on the very next DoTransfer, matching "send
	// was in progress but finished" rather than "still in progress".
	f.sent = append(f.sent, payload)
	return nil
}

func (f *FakeTunnel) DoTransfer() error { return nil }

func (f *FakeTunnel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
