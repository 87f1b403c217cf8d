package galera

import (
	"sync"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

// pendingKey identifies an in-flight repl submission by the (sender,
// serial) pair recorded at transmit time, exactly as spec §4.3 specifies
// matching is performed: "Matching is by (sender id, per-sender action
// serial) recorded at transmit time."
type pendingKey struct {
	sender action.SenderID
	serial uint64
}

// replResult is delivered to a suspended Repl caller, mirroring the
// appendFSM's use of single-shot channels (plnReturnCh, chunkCh) for
// handoff between the submitting goroutine and the dispatch loop (spec
// §4.3 grounding).
type replResult struct {
	gseq seqno.Seqno
	lseq int64
	err  error
}

// pendingRepl is one entry of the coordinator's pending map, matching
// AppendService.pending's per-submission bookkeeping (referenced in
// append_service_test.go).
type pendingRepl struct {
	resultCh chan replResult
}

// replCoordinator indexes in-flight Repl submissions by pendingKey,
// guarded by its own mutex the way the teacher's pipeline and KeySpace
// types each own a single mutex for their bookkeeping.
type replCoordinator struct {
	mu      sync.Mutex
	pending map[pendingKey]*pendingRepl
}

func newReplCoordinator() *replCoordinator {
	return &replCoordinator{pending: make(map[pendingKey]*pendingRepl)}
}

// register records a new pending Repl keyed by |k|, returning the channel
// its eventual result will arrive on.
func (c *replCoordinator) register(k pendingKey) <-chan replResult {
	var p = &pendingRepl{resultCh: make(chan replResult, 1)}
	c.mu.Lock()
	c.pending[k] = p
	c.mu.Unlock()
	return p.resultCh
}

// resolve completes the pending Repl keyed by |k|, if any, with |r|. It is
// a no-op if no Repl is pending under |k| -- e.g. a Send (not a Repl) of
// the same sender/serial, or a repeat delivery.
func (c *replCoordinator) resolve(k pendingKey, r replResult) {
	c.mu.Lock()
	var p, ok = c.pending[k]
	if ok {
		delete(c.pending, k)
	}
	c.mu.Unlock()

	if ok {
		p.resultCh <- r
	}
}

// abandon unregisters |k| without a result, used when a Repl caller's
// context is cancelled before delivery.
func (c *replCoordinator) abandon(k pendingKey) {
	c.mu.Lock()
	delete(c.pending, k)
	c.mu.Unlock()
}

// drainViewLost wakes every pending Repl with ErrViewLost, emptying the
// map, when a view change drops this connection out of a primary
// configuration mid-flight (spec §7, "View loss": "the action is
// discarded, buffer freed").
func (c *replCoordinator) drainViewLost() {
	c.mu.Lock()
	var all = c.pending
	c.pending = make(map[pendingKey]*pendingRepl)
	c.mu.Unlock()

	for _, p := range all {
		p.resultCh <- replResult{err: ErrViewLost}
	}
}
