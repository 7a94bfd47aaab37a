package server

import "go.wsrt.dev/internal/protocol"

// Tunnel is the external-transport collaborator every concrete connection
// implementation (TCP, or the in-memory fake used in tests) must satisfy.
// The SCM drives a Tunnel entirely through non-blocking calls: nothing here
// may block the SCM goroutine, and every method is called only from that
// goroutine -- a Tunnel has exactly one caller at a time.
//
// The shape mirrors an OS-level connect/select/read/write lifecycle, but the
// readiness signal replacing select() is a single shared syncutil.Signal
// the tunnel posts to whenever its readability or writability may have
// changed; the SCM re-examines every record on each wake rather than asking
// any one tunnel which of its descriptors is ready.
type Tunnel interface {
	// BeginConnect starts a non-blocking connection attempt.
	BeginConnect() error

	// CheckConnect reports whether the in-flight connection attempt begun by
	// BeginConnect has resolved. ok is false while still pending; err is
	// non-nil if it resolved to failure.
	CheckConnect() (ok bool, err error)

	// SendRoleSelection sends the role handshake request. Called once, right
	// after CheckConnect first reports success.
	SendRoleSelection(sel protocol.RoleSelection) error

	// HasReceivedMessage reports whether a complete inbound message --
	// handshake reply or application payload depending on record status --
	// is available to read via GetMessage.
	HasReceivedMessage() bool

	// GetMessage returns the next complete inbound message's raw bytes,
	// consuming it from the tunnel's receive buffer.
	GetMessage() ([]byte, error)

	// IsSendingMessage reports whether a prior SendMsg has not yet fully
	// flushed to the transport.
	IsSendingMessage() bool

	// SendMsg starts sending payload. Must not be called while
	// IsSendingMessage is true.
	SendMsg(payload []byte) error

	// DoTransfer drives any in-flight send or receive buffering forward by
	// one non-blocking step. Called in the SCM's post-wake transfer
	// micro-loop, capped per record per iteration.
	DoTransfer() error

	// Disconnect tears down the underlying transport. Idempotent.
	Disconnect() error
}
