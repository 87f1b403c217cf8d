// Package group implements the connection's group/configuration state
// machine: membership-driven CONF/JOIN/SYNC synthesis and the
// state-transfer handshake between a joining node and a donor (spec §4.4).
package group

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

// ConnState is the lifecycle state of a Connection (spec §3).
type ConnState string

const (
	StateClosed         ConnState = "CLOSED"
	StateDestroyed      ConnState = "DESTROYED"
	StateOpenNonPrimary ConnState = "OPEN_NON_PRIMARY"
	StateOpenPrimary    ConnState = "OPEN_PRIMARY"
	StateJoiner         ConnState = "JOINER"
	StateDonor          ConnState = "DONOR"
	StateJoined         ConnState = "JOINED"
	StateSynced         ConnState = "SYNCED"
)

// View is the membership/view-change notification the transport delivers
// inline with message delivery (spec §1, "external collaborators").
type View struct {
	Primary  bool
	ConfigID int64
	Members  []string // stable member ids, e.g. "zone:suffix"
	MyIndex  int      // this node's index into Members; -1 if not a member
}

// ErrBusy is returned when an operation is attempted from a state that
// does not permit it (spec §7, "Not-ready").
var ErrBusy = errors.New("group: busy or bad state for this operation")

// FSM drives the group/configuration state machine. It is serialized on a
// single mutex because transitions are rare and must be totally ordered
// with delivered actions (spec §5).
type FSM struct {
	mu sync.Mutex

	state ConnState
	uuid  uuid.UUID

	confID  int64
	members []string
	myIdx   int

	stateTransferInFlight bool
	lastAppliedHint       seqno.Seqno
}

// New returns an FSM in state CLOSED for the group identified by |u|.
// A zero uuid.UUID is replaced with a freshly generated random one.
func New(u uuid.UUID) *FSM {
	if u == (uuid.UUID{}) {
		u = uuid.New()
	}
	return &FSM{state: StateClosed, uuid: u, confID: -1, myIdx: -1}
}

// UUID returns the group identity.
func (f *FSM) UUID() uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uuid
}

// State returns the current lifecycle state.
func (f *FSM) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetLastAppliedHint records the seqno hint supplied at Init (spec §3).
func (f *FSM) SetLastAppliedHint(s seqno.Seqno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedHint = s
}

// LastAppliedHint returns the resumption hint recorded at Init or, once a
// durable store is wired in, refreshed to the store's own last-applied
// marker (spec §3).
func (f *FSM) LastAppliedHint() seqno.Seqno {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAppliedHint
}

// Open transitions CLOSED -> OPEN_NON_PRIMARY. Attempting Open from any
// other state fails with ErrBusy (spec §3, init/open legality).
func (f *FSM) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateClosed {
		return ErrBusy
	}
	f.state = StateOpenNonPrimary
	addTrace(ctx, "group: CLOSED -> OPEN_NON_PRIMARY")
	return nil
}

// Close transitions to CLOSED from any non-terminal state.
func (f *FSM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateDestroyed {
		return ErrBusy
	}
	f.state = StateClosed
	return nil
}

// Destroy transitions CLOSED -> DESTROYED. Init is legal again only once
// a prior DESTROYED instance has actually been reaped by its owner (spec
// §3); this FSM enforces only the state precondition.
func (f *FSM) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateClosed {
		return ErrBusy
	}
	f.state = StateDestroyed
	return nil
}

// OnView processes a membership/view-change notification, updating state
// per the transition table in spec §4.4, and returns the CONF action to be
// enqueued on the receive queue. |currentSeqno| is the global seqno this
// connection has reached at the moment of the view change, carried
// verbatim onto the synthesized CONF.
func (f *FSM) OnView(ctx context.Context, v View, currentSeqno seqno.Seqno) action.Action {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateClosed || f.state == StateDestroyed {
		return action.Action{Kind: action.ERROR, GlobalSeqno: seqno.Ill}
	}

	if !v.Primary {
		f.state = StateOpenNonPrimary
		f.confID = -1
		f.members = nil
		f.myIdx = -1
		addTrace(ctx, "group: -> OPEN_NON_PRIMARY (non-primary view)")
		return buildConf(currentSeqno, -1, f.uuid, false, nil, -1)
	}

	f.confID = v.ConfigID
	f.members = v.Members
	f.myIdx = v.MyIndex

	if f.state == StateOpenNonPrimary {
		f.state = StateOpenPrimary
	}
	addTrace(ctx, "group: -> %s (primary view, conf_id=%d)", f.state, f.confID)

	// State transfer is required whenever our last-applied hint trails the
	// seqno the rest of the group has already reached.
	var stRequired = f.lastAppliedHint.Valid() && f.lastAppliedHint < currentSeqno
	return buildConf(currentSeqno, f.confID, f.uuid, stRequired, f.members, f.myIdx)
}

// BeginStateTransfer transitions OPEN_PRIMARY -> JOINER and marks a
// state-transfer request in flight. At most one STATE_REQ may be in
// flight per connection (spec §4.4); a second attempt fails with ErrBusy.
func (f *FSM) BeginStateTransfer() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateOpenPrimary {
		return ErrBusy
	}
	if f.stateTransferInFlight {
		return ErrBusy
	}
	f.stateTransferInFlight = true
	f.state = StateJoiner
	return nil
}

// BecomeDonor transitions OPEN_PRIMARY -> DONOR upon being selected as the
// donor for a peer's STATE_REQ.
func (f *FSM) BecomeDonor() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateOpenPrimary {
		return ErrBusy
	}
	f.state = StateDonor
	return nil
}

// OnJoin processes delivery of the donor's JOIN action. As joiner,
// JOINER -> JOINED. As donor, a successful JOIN it authored completes its
// side of the handshake (DONOR -> SYNCED) directly, since the donor
// requires no further SYNC of its own.
func (f *FSM) OnJoin(isDonor bool, status int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateJoiner:
		if status < 0 {
			f.stateTransferInFlight = false
			return errors.Errorf("group: state transfer failed, status=%d", status)
		}
		f.state = StateJoined
		f.stateTransferInFlight = false
		return nil
	case StateDonor:
		if !isDonor {
			return ErrBusy
		}
		f.state = StateSynced
		return nil
	default:
		return ErrBusy
	}
}

// OnSync processes delivery of the group's SYNC action: JOINED -> SYNCED.
func (f *FSM) OnSync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateJoined {
		return ErrBusy
	}
	f.state = StateSynced
	return nil
}

// ConfID returns the current configuration id, or -1 when non-primary.
func (f *FSM) ConfID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confID
}

// Members returns the current primary view's member ids, or nil when
// non-primary.
func (f *FSM) Members() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members...)
}

// MyIndex returns this connection's index into Members, or -1 when
// non-primary or not a member.
func (f *FSM) MyIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.myIdx
}

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
	log.WithField("component", "group").Tracef(format, args...)
}
