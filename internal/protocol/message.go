package protocol

import "fmt"

// ControlKind discriminates the ControlMsg variants carried across the
// broker's control queues.
type ControlKind int

const (
	// ControlConnectRequest is WM -> SCM: create (Connect=true) or tear down
	// (Connect=false) the record for ServerId.
	ControlConnectRequest ControlKind = iota
	// ControlConnectionNotice is SCM -> WM: the record reached Connected.
	ControlConnectionNotice
	// ControlDisconnectionNotice is SCM -> WM: the record departed, terminally.
	ControlDisconnectionNotice
)

func (k ControlKind) String() string {
	switch k {
	case ControlConnectRequest:
		return "ConnectRequest"
	case ControlConnectionNotice:
		return "ConnectionNotice"
	case ControlDisconnectionNotice:
		return "DisconnectionNotice"
	default:
		return "Unknown"
	}
}

// ControlMsg is the envelope for all WM<->SCM control traffic. Only the
// fields relevant to Kind are meaningful; see the constructors below.
type ControlMsg struct {
	Kind     ControlKind
	ServerId ServerId

	// Connect is valid when Kind == ControlConnectRequest.
	Connect bool

	// Minor is valid when Kind == ControlConnectionNotice: the negotiated
	// protocol minor version.
	Minor uint32

	// Err is valid when Kind == ControlDisconnectionNotice: nil for a
	// graceful (WM-requested) disconnection, non-nil when the record failed.
	Err error
}

// NewConnectRequest builds a WM->SCM connect/disconnect request.
func NewConnectRequest(id ServerId, connect bool) ControlMsg {
	return ControlMsg{Kind: ControlConnectRequest, ServerId: id, Connect: connect}
}

// NewConnectionNotice builds an SCM->WM connection notice.
func NewConnectionNotice(id ServerId, minor uint32) ControlMsg {
	return ControlMsg{Kind: ControlConnectionNotice, ServerId: id, Minor: minor}
}

// NewDisconnectionNotice builds an SCM->WM disconnection notice. err is nil
// for a graceful disconnection.
func NewDisconnectionNotice(id ServerId, err error) ControlMsg {
	return ControlMsg{Kind: ControlDisconnectionNotice, ServerId: id, Err: err}
}

func (m ControlMsg) String() string {
	switch m.Kind {
	case ControlConnectRequest:
		return fmt.Sprintf("ConnectRequest{%s, connect=%v}", m.ServerId, m.Connect)
	case ControlConnectionNotice:
		return fmt.Sprintf("ConnectionNotice{%s, minor=%d}", m.ServerId, m.Minor)
	case ControlDisconnectionNotice:
		return fmt.Sprintf("DisconnectionNotice{%s, err=%v}", m.ServerId, m.Err)
	default:
		return "ControlMsg{unknown}"
	}
}

// DataMsg carries one application payload plus the ServerId it is bound
// to/from. Direction is implicit in which broker queue it sits on.
type DataMsg struct {
	Payload  Payload
	ServerId ServerId
}

// RoleMask bits distinguish a reply to a request the client made from an
// unsolicited event pushed by the server. The core never otherwise
// interprets a Connected-state payload.
type RoleMask uint8

const (
	// RoleMaskReply marks a payload as a reply to a prior request.
	RoleMaskReply RoleMask = 1 << 0
)

// Payload is the opaque unit exchanged with a tunnel once a record is
// Connected, and the typed handshake reply while a record is in RoleReply.
// The wire schema of an application payload is out of scope for this
// subsystem; Event is carried as opaque bytes.
type Payload struct {
	RoleMask RoleMask
	Reply    *RoleReply // non-nil iff this payload is a role handshake reply
	Event    []byte     // opaque application payload, meaningful only when Reply == nil
}

// IsReply reports whether payload is classified as a reply rather than an
// unsolicited event, per the role bitfield.
func (p Payload) IsReply() bool {
	return p.RoleMask&RoleMaskReply != 0
}
