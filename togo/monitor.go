// Package togo implements the Total-Order monitor: a seqno-gated critical
// section that lets application threads enter and leave commit work
// strictly in sequence-number order (spec §4.6).
package togo

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Litres/galera/seqno"
)

// Sentinel errors returned by Monitor operations (spec §7). Each is a
// distinct value so callers can distinguish transient conditions (EAGAIN)
// from terminal ones (CANCELLED) with errors.Is.
var (
	// ErrAgain indicates the ring is too small for the current gap between
	// outstanding seqnos; the caller should retry after further releases.
	ErrAgain = errors.New("togo: EAGAIN: ring too small for current gap")
	// ErrCancelled is returned by Grab when the seqno was cancelled while
	// pending. It is terminal: the seqno is considered skipped.
	ErrCancelled = errors.New("togo: ECANCEL: seqno was cancelled")
	// ErrInterrupted is returned by Grab when a waiter was woken by
	// Interrupt. It is not terminal: the seqno remains pending and must be
	// grabbed again, or explicitly self-cancelled.
	ErrInterrupted = errors.New("togo: EINTR: grab was interrupted")
	// ErrOutOfRange is returned by Cancel/Interrupt/Grab against a seqno
	// that has already been released/used, by Cancel against the seqno
	// currently held, and by Interrupt against a seqno that is not waiting.
	// Release of a seqno that is not held returns its own formatted error.
	ErrOutOfRange = errors.New("togo: ERANGE: seqno already resolved")
	// ErrBusy is returned by Destroy while holders or waiters remain.
	ErrBusy = errors.New("togo: EBUSY: monitor has outstanding references")
	// ErrDestroyed is returned by any operation on a destroyed Monitor.
	ErrDestroyed = errors.New("togo: monitor has been destroyed")
)

type slotState int

const (
	slotFree slotState = iota
	slotWaiting
	slotHolding
	slotCancelled
	slotInterrupted
	slotUsed
)

type slot struct {
	tag   seqno.Seqno // seqno currently assigned to this ring position
	state slotState
}

// Monitor is a ring of L waiter slots indexed by seqno mod L. At most one
// slot is HOLDING at any time (spec §3, TO monitor invariant).
type Monitor struct {
	mu   sync.Mutex
	cond sync.Cond

	s0    seqno.Seqno
	ring  []slot
	l     int
	last  int64 // atomic mirror of the last fully-released/cancelled seqno
	dead  bool
}

// New returns a Monitor of |length| ring slots, with critical sections
// starting at |start| (spec §3, §4.6).
func New(start seqno.Seqno, length int) *Monitor {
	if length <= 0 {
		panic("togo.New: length must be positive")
	}
	var m = &Monitor{
		s0:   start,
		ring: make([]slot, length),
		l:    length,
	}
	for i := range m.ring {
		m.ring[i].tag = seqno.Ill
	}
	m.cond.L = &m.mu
	atomic.StoreInt64(&m.last, int64(start-1))
	return m
}

func (m *Monitor) index(s seqno.Seqno) int {
	var idx = int64(s) % int64(m.l)
	if idx < 0 {
		idx += int64(m.l)
	}
	return int(idx)
}

func (m *Monitor) predecessorReady(s seqno.Seqno) bool {
	return s == m.s0 || seqno.Seqno(atomic.LoadInt64(&m.last)) >= s-1
}

// Grab blocks until |s| may be entered: its predecessor s-1 has been
// released or cancelled. It returns nil on success (the caller now holds
// the critical section for |s|), ErrCancelled if |s| was cancelled while
// pending, or ErrInterrupted if a waiter was woken by Interrupt.
func (m *Monitor) Grab(s seqno.Seqno) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dead {
		return ErrDestroyed
	}
	var sl = m.claim(s)
	if sl == nil {
		return ErrAgain
	}

	for {
		switch sl.state {
		case slotUsed:
			return ErrOutOfRange
		case slotCancelled:
			return ErrCancelled
		case slotHolding:
			// Another caller already holds this seqno; this indicates the
			// same seqno was grabbed twice concurrently, which is a misuse
			// of the monitor. Wait rather than corrupt shared state.
			m.cond.Wait()
		case slotInterrupted:
			sl.state = slotWaiting
			return ErrInterrupted
		case slotFree, slotWaiting:
			if m.predecessorReady(s) {
				sl.state = slotHolding
				return nil
			}
			sl.state = slotWaiting
			m.cond.Wait()
		}
	}
}

// claim returns the ring slot for |s|, reclaiming it for |s| if it
// currently tracks an unrelated, terminally-resolved seqno. It returns nil
// if the slot tracks a still-active, unrelated seqno (a genuine capacity
// violation: ErrAgain).
func (m *Monitor) claim(s seqno.Seqno) *slot {
	var sl = &m.ring[m.index(s)]
	if sl.tag == s {
		return sl
	}
	if sl.state == slotWaiting || sl.state == slotHolding {
		return nil
	}
	sl.tag = s
	sl.state = slotFree
	return sl
}

// Release ends the critical section for |s|, which must currently be
// HOLDING. Out-of-order release is a programmer error and is reported,
// never silently accepted (spec §7).
func (m *Monitor) Release(s seqno.Seqno) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dead {
		return ErrDestroyed
	}
	var sl = &m.ring[m.index(s)]
	if sl.tag != s || sl.state != slotHolding {
		return errors.Errorf("togo: Release(%s): seqno is not held", s)
	}
	sl.state = slotUsed
	m.advance(s)
	m.cond.Broadcast()
	return nil
}

// Cancel may be issued by the current holder against any waiter, earlier
// or later than its own seqno. The target waiter wakes with ErrCancelled;
// successors treat the cancelled seqno as released for ordering purposes.
func (m *Monitor) Cancel(s seqno.Seqno) error {
	return m.cancel(s)
}

// SelfCancel cancels the caller's own pending seqno without first entering
// the section -- e.g. after Grab returns ErrInterrupted and the caller
// decides not to retry, or to skip a seqno the caller knows must never be
// entered (the state-transfer handshake's local skip, spec §4.3).
func (m *Monitor) SelfCancel(s seqno.Seqno) error {
	return m.cancel(s)
}

func (m *Monitor) cancel(s seqno.Seqno) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dead {
		return ErrDestroyed
	}
	var sl = m.claim(s)
	if sl == nil {
		return ErrAgain
	}
	switch sl.state {
	case slotUsed:
		return ErrOutOfRange
	case slotHolding:
		// Cancelling an active holder isn't well-defined by the source
		// contract; treat it the same as cancelling an already-resolved
		// seqno (spec Open Question #1; decision recorded in DESIGN.md).
		return ErrOutOfRange
	case slotCancelled:
		return nil // idempotent
	default:
		sl.state = slotCancelled
		m.advance(s)
		m.cond.Broadcast()
		return nil
	}
}

// Interrupt wakes a WAITING slot with ErrInterrupted but keeps the seqno
// alive in the queue; successors still wait for it. ErrOutOfRange is
// returned if the seqno is already USED.
func (m *Monitor) Interrupt(s seqno.Seqno) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dead {
		return ErrDestroyed
	}
	var sl = &m.ring[m.index(s)]
	if sl.tag != s {
		return ErrOutOfRange
	}
	switch sl.state {
	case slotWaiting:
		sl.state = slotInterrupted
		m.cond.Broadcast()
		return nil
	case slotUsed:
		return ErrOutOfRange
	default:
		return ErrOutOfRange
	}
}

// advance moves the last-released cursor forward to |s| if |s| is the
// immediate successor, then cascades through any already-resolved
// (cancelled or used) successors. Must be called with mu held.
func (m *Monitor) advance(s seqno.Seqno) {
	if int64(s) != atomic.LoadInt64(&m.last)+1 {
		return
	}
	var cur = s
	for {
		var next = cur + 1
		var sl = &m.ring[m.index(next)]
		if sl.tag == next && (sl.state == slotCancelled || sl.state == slotUsed) {
			cur = next
			continue
		}
		break
	}
	atomic.StoreInt64(&m.last, int64(cur))
}

// ToSeqno returns the last-released cursor: a conservative lower bound of
// the last seqno known to be out of use. It takes no lock (spec §4.6).
func (m *Monitor) ToSeqno() seqno.Seqno {
	return seqno.Seqno(atomic.LoadInt64(&m.last))
}

// Destroy marks the Monitor destroyed. It returns ErrBusy if any slot is
// currently WAITING or HOLDING.
func (m *Monitor) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.ring {
		if m.ring[i].state == slotWaiting || m.ring[i].state == slotHolding {
			return ErrBusy
		}
	}
	m.dead = true
	return nil
}
