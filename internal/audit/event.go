// Package audit records connection lifecycle events -- never queued
// application data -- so operators can reconstruct when and why a server
// connection came up or went down. Persisting the data messages themselves
// is explicitly out of scope; only lifecycle metadata is audited.
package audit

import "time"

// Kind discriminates the lifecycle event an AuditEvent describes.
type Kind string

const (
	// KindConnected records a successful handshake.
	KindConnected Kind = "connected"
	// KindDisconnectedGraceful records a WM-requested disconnection.
	KindDisconnectedGraceful Kind = "disconnected_graceful"
	// KindDisconnectedFailure records a disconnection caused by an error.
	KindDisconnectedFailure Kind = "disconnected_failure"
)

// Event is one connection-lifecycle occurrence for a ServerId.
type Event struct {
	ID            string    `bson:"_id" json:"id"`
	ServerID      string    `bson:"serverId" json:"serverId"`
	IncarnationID string    `bson:"incarnationId" json:"incarnationId"`
	Kind          Kind      `bson:"kind" json:"kind"`
	Minor         uint32    `bson:"minor,omitempty" json:"minor,omitempty"`
	Error         string    `bson:"error,omitempty" json:"error,omitempty"`
	OccurredAt    time.Time `bson:"occurredAt" json:"occurredAt"`
}
