// Package action implements the fragmentation codec, reassembly, and the
// bounded receive queue of the GCS action layer (spec §4.1, §4.2).
//
// Actions are the unit of application visibility: arbitrary-sized payloads
// which are fragmented into bounded frames for transport, reassembled at
// every receiver, and surfaced in a single global and local order.
package action

import (
	"fmt"

	"github.com/Litres/galera/seqno"
)

// Kind identifies the nature of an Action.
type Kind int

const (
	// UNKNOWN is the zero-valued, invalid Kind.
	UNKNOWN Kind = iota
	// DATA is an application-originated replicated payload.
	DATA
	// COMMIT_CUT marks a point the group agrees has been durably applied.
	COMMIT_CUT
	// STATE_REQ requests a state-transfer donor.
	STATE_REQ
	// CONF announces a configuration (membership/view) change.
	CONF
	// JOIN completes a state-transfer handshake for a joiner.
	JOIN
	// SYNC announces a joiner has caught up with group history.
	SYNC
	// FLOW carries a flow-control stop/continue signal.
	FLOW
	// SERVICE is a core-internal control action not otherwise classified.
	SERVICE
	// ERROR surfaces a terminal condition to the application.
	ERROR
)

func (k Kind) String() string {
	switch k {
	case DATA:
		return "DATA"
	case COMMIT_CUT:
		return "COMMIT_CUT"
	case STATE_REQ:
		return "STATE_REQ"
	case CONF:
		return "CONF"
	case JOIN:
		return "JOIN"
	case SYNC:
		return "SYNC"
	case FLOW:
		return "FLOW"
	case SERVICE:
		return "SERVICE"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Ordered returns true iff Actions of this Kind are required to carry a
// valid (non-Ill) global sequence number. ERROR actions and non-primary
// CONF actions are the only actions permitted to surface with seqno.Ill
// (spec §3, Action invariant).
func (k Kind) Ordered() bool {
	return k != ERROR
}

// Action is the unit of application visibility delivered by Recv, or
// submitted to Send/Repl.
type Action struct {
	Kind Kind
	// Payload is the action's application-visible bytes. Ownership is
	// exclusive: the submitter owns Payload until the core takes it at
	// Send/Repl, and the receiver owns it from Recv onward (spec §9,
	// "Opaque buffer ownership").
	Payload []byte
	// GlobalSeqno is the group-wide gapless order of this Action. It is
	// seqno.Ill for actions that don't require ordering.
	GlobalSeqno seqno.Seqno
	// LocalSeqno is this connection's own gapless count of delivered
	// Actions, starting at 1 (spec §3).
	LocalSeqno int64
}

func (a Action) String() string {
	return fmt.Sprintf("Action{kind: %s, size: %d, gseq: %s, lseq: %d}",
		a.Kind, len(a.Payload), a.GlobalSeqno, a.LocalSeqno)
}

// Size returns the byte length of the Action's payload.
func (a Action) Size() int { return len(a.Payload) }
