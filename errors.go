package galera

import "github.com/pkg/errors"

// temporary is satisfied by any galera error that knows whether a retry is
// worth attempting, mirroring the net.Error-style Temporary() split
// broker/client/reader.go draws between context errors and stream errors
// (spec §7).
type temporary interface {
	Temporary() bool
}

// IsTemporary reports whether |err| (or a cause in its chain) is a galera
// error whose Temporary() returns true. Non-galera errors are reported
// permanent, matching the conservative default callers should assume.
func IsTemporary(err error) bool {
	if t, ok := errors.Cause(err).(temporary); ok {
		return t.Temporary()
	}
	return false
}

type connError struct {
	msg       string
	temporary bool
}

func (e *connError) Error() string   { return e.msg }
func (e *connError) Temporary() bool { return e.temporary }

var (
	// ErrClosed is returned by Recv and Repl once Close has stopped the
	// connection's dispatch loop, and by Destroy on a connection that was
	// never initialized (spec §7, "Not-ready"). Send does not check for a
	// closed connection, and state-changing calls report group.ErrBusy.
	ErrClosed = &connError{msg: "galera: connection is closed", temporary: false}
	// ErrNotOpen is returned by send/recv/repl before Open has succeeded.
	ErrNotOpen = &connError{msg: "galera: connection is not open", temporary: false}
	// ErrViewLost is returned to a pending repl or request_state_transfer
	// whose primary view disappeared before delivery completed (spec §7,
	// "View loss").
	ErrViewLost = &connError{msg: "galera: view lost before delivery", temporary: true}
	// ErrNoDonor is returned by RequestStateTransfer if no eligible donor
	// exists in the current view (spec §6, "-EAGAIN").
	ErrNoDonor = &connError{msg: "galera: no eligible state-transfer donor", temporary: true}
	// ErrStateTransferFailed names a failed state-transfer handshake. No
	// operation of this package returns it: Join(status < 0) returns only
	// its broadcast error, and the joiner's dispatch loop logs the failed
	// JOIN and leaves the connection in JOINER.
	ErrStateTransferFailed = &connError{msg: "galera: state transfer failed", temporary: false}
)
