// Package server defines the SCM-local per-server state: the record status
// machine and the Tunnel collaborator interface every concrete transport
// (and the in-memory fake used in tests) must implement.
package server

import (
	"time"

	"github.com/google/uuid"

	"go.wsrt.dev/internal/protocol"
)

// Status is a ServerRecord's lifecycle state.
type Status int

const (
	// Scheduled is the initial status: tunnel establishment has not begun.
	Scheduled Status = iota
	// Connecting: tunnel establishment is in progress (non-blocking probe).
	Connecting
	// RoleReply: the tunnel is ready and the role-selection message has
	// been sent; awaiting the handshake response.
	RoleReply
	// Connected: the handshake succeeded; application data may flow.
	Connected
	// Disconnected is terminal; the record is pending removal from the
	// SCM's map on the next broker flush.
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Scheduled:
		return "Scheduled"
	case Connecting:
		return "Connecting"
	case RoleReply:
		return "RoleReply"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Record is one incarnation of a connection to a ServerId. It is owned
// exclusively by the SCM goroutine; no other goroutine may read or write
// its fields.
type Record struct {
	ID            protocol.ServerId
	IncarnationID uuid.UUID
	Status        Status
	Tunnel        Tunnel
	SendQueue     [][]byte
	LastError     error

	// NegotiatedMinor is set once Status reaches Connected.
	NegotiatedMinor uint32

	// CreatedAt aids diagnostics (stuck-record detection).
	CreatedAt time.Time
}

// NewRecord creates a Scheduled record for id with a fresh incarnation ID.
func NewRecord(id protocol.ServerId) *Record {
	return &Record{
		ID:            id,
		IncarnationID: uuid.New(),
		Status:        Scheduled,
		CreatedAt:     time.Now(),
	}
}

// Enqueue appends payload to the record's outbound send queue. Per the data
// model, messages queued before Connected are held, not dropped, as long as
// the record has not yet reached Disconnected.
func (r *Record) Enqueue(payload []byte) {
	if r.Status == Disconnected {
		return
	}
	r.SendQueue = append(r.SendQueue, payload)
}
