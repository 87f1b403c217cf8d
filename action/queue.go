package action

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrQueueClosed is returned by Push once the Queue has been closed, and by
// Pop once the Queue is closed and drained.
var ErrQueueClosed = errors.New("receive queue closed")

// Queue is a bounded, single-producer/many-consumer FIFO of fully
// reassembled, ordered Actions (spec §4.2). Ordering beyond insertion order
// is the fragmentation layer's responsibility; the Queue only enforces
// capacity and shutdown semantics.
type Queue struct {
	mu       sync.Mutex
	cond     sync.Cond
	entries  []Action
	capacity int
	closed   bool
	depth    prometheus.Gauge
}

// NewQueue returns an empty Queue bounded to |capacity| entries. |depth|,
// if non-nil, is kept current with the Queue's length as an exported
// metric; flow water marks are computed from Len, not from |depth|.
func NewQueue(capacity int, depth prometheus.Gauge) *Queue {
	var q = &Queue{capacity: capacity, depth: depth}
	q.cond.L = &q.mu
	return q
}

// Push enqueues |a|, blocking while the Queue is at capacity. It returns
// ErrQueueClosed if the Queue is closed before or while Push blocks.
func (q *Queue) Push(a Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.capacity > 0 && len(q.entries) >= q.capacity {
		q.cond.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.entries = append(q.entries, a)
	q.updateDepth()
	q.cond.Broadcast()
	return nil
}

// Pop dequeues the next Action, blocking while the Queue is empty. It
// returns ErrQueueClosed only once the Queue is closed AND drained.
func (q *Queue) Pop() (Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.entries) == 0 {
		return Action{}, ErrQueueClosed
	}
	var a = q.entries[0]
	q.entries = q.entries[1:]
	q.updateDepth()
	q.cond.Broadcast()
	return a, nil
}

// Close shuts the Queue down: blocked and future Push calls fail, and Pop
// drains remaining entries before returning ErrQueueClosed. Per spec §4.2
// "on close it is drained", callers that need the ERROR-action behavior on
// shutdown should Push a terminal ERROR action themselves before Close.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) updateDepth() {
	if q.depth != nil {
		q.depth.Set(float64(len(q.entries)))
	}
}
