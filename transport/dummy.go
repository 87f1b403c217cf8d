package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

func init() {
	Register("dummy", dialDummy)
}

// hub is an in-process, single-binary group communication backend. It
// totally orders every Send across all members of a channel by funneling
// them through a single mutex, which trivially satisfies the "uniform
// total order within a primary configuration" contract for same-process
// testing (spec §1). It is the backend of choice for exercising the
// action layer, group state machine, and TO monitor without any network
// dependency, mirroring the role of broker/teststub in the teacher.
type hub struct {
	mu      sync.Mutex
	members []*dummyTransport
	nextID  action.SenderID
	nextSeq seqno.Seqno
	confID  int64
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*hub{}
)

func dialDummy(_ context.Context, _ *url.URL, channel string) (Transport, error) {
	hubsMu.Lock()
	var h, ok = hubs[channel]
	if !ok {
		h = &hub{nextSeq: seqno.First, confID: 1}
		hubs[channel] = h
	}
	hubsMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	var t = &dummyTransport{
		hub:      h,
		id:       h.nextID,
		deliverC: make(chan Delivery, 256),
	}
	h.members = append(h.members, t)
	h.broadcastViewLocked()
	return t, nil
}

// broadcastViewLocked sends an updated primary View to every member. The
// hub mutex must be held.
func (h *hub) broadcastViewLocked() {
	var ids = make([]string, len(h.members))
	for i, m := range h.members {
		ids[i] = fmt.Sprintf("%d", m.id)
	}
	for i, m := range h.members {
		var v = View{Primary: true, ConfigID: h.confID, Members: ids, MyIndex: i}
		select {
		case m.deliverC <- Delivery{IsView: true, View: v}:
		default:
		}
	}
	h.confID++
}

type dummyTransport struct {
	hub      *hub
	id       action.SenderID
	deliverC chan Delivery
	closed   bool
}

func (t *dummyTransport) LocalSender() action.SenderID { return t.id }

func (t *dummyTransport) Send(_ context.Context, f action.Frame) error {
	var h = t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	var s = h.nextSeq
	if f.Header.Last {
		h.nextSeq++
	}
	var members = append([]*dummyTransport(nil), h.members...)
	for _, m := range members {
		var d = Delivery{Frame: f, Seqno: s}
		select {
		case m.deliverC <- d:
		default:
			// A slow member drops the frame and it is never redelivered.
			// The member's Connection surfaces no ERROR action for it: a
			// dropped single-frame action is simply missing, and a partly
			// dropped one is logged as a reassembly violation.
		}
	}
	return nil
}

func (t *dummyTransport) Deliveries() <-chan Delivery { return t.deliverC }

func (t *dummyTransport) Close() error {
	var h = t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for i, m := range h.members {
		if m == t {
			h.members = append(h.members[:i], h.members[i+1:]...)
			break
		}
	}
	close(t.deliverC)
	h.broadcastViewLocked()
	return nil
}
