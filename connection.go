// Package galera implements the Group Communication Service connection
// API: create/init/open/close/destroy, send/recv/repl/wait, and the
// state-transfer handshake (request_state_transfer/join), composing the
// action, group, flow, and transport packages the way go.gazette.dev/core's
// broker.Service composes a Resolver, pipelines, and a dispatch loop.
package galera

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/flow"
	"github.com/Litres/galera/group"
	"github.com/Litres/galera/seqno"
	"github.com/Litres/galera/snapshot"
	"github.com/Litres/galera/transport"
)

// Connection is the public GCS connection handle (spec §3). All exported
// methods are safe for concurrent use by multiple application goroutines,
// per spec §5's "Application threads call send, repl, recv, wait, join,
// request_state_transfer, and the TO monitor operations concurrently from
// any thread."
type Connection struct {
	backendURL string
	opts       *Options

	mu       sync.Mutex
	fsm      *group.FSM
	tr       transport.Transport
	recvQ    *action.Queue
	flowCtl  *flow.Controller
	repl     *replCoordinator
	reasm    *action.Reassembler
	store    *snapshot.Store // non-nil iff Options.Store.Dir is set (spec §4.4)

	// joinerFrom is the last-applied seqno carried by the most recently
	// delivered STATE_REQ, recorded so a later BecomeDonor/Join on this
	// connection knows where to resume replay from.
	joinerFrom seqno.Seqno

	senderSerial   uint64 // atomic: next per-sender action serial
	localSeqCount  int64  // atomic: this connection's own gapless delivered count
	currentSeqno   int64  // atomic mirror of seqno.Seqno: last ordered global seqno observed
	lastFlowSignal int32  // atomic: flow.Signal of the last FLOW this connection broadcast, or -1 if none yet

	cancel context.CancelFunc
	doneCh chan struct{}

	depthGauge  prometheus.Gauge
	flowCounter prometheus.Counter
}

// Create returns a Connection bound to |backendURL| (spec §6,
// "create(backend_url)"). The connection is unusable until Init and Open
// succeed.
func Create(backendURL string, opts *Options) *Connection {
	if opts == nil {
		opts = DefaultOptions()
	}
	var c = &Connection{backendURL: backendURL, opts: opts, repl: newReplCoordinator(), lastFlowSignal: -1}

	if opts.Registerer != nil {
		c.depthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "galera_recvq_depth", Help: "Depth of the connection's receive queue.",
		})
		c.flowCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galera_flow_transitions_total", Help: "Count of observed FLOW action transitions.",
		})
		_ = opts.Registerer.Register(c.depthGauge)
		_ = opts.Registerer.Register(c.flowCounter)
	}
	return c
}

// Init records the group identity and a resumption hint from local
// persistent state (spec §3, "init(conn, seqno, uuid)"). It must be called
// exactly once, before Open.
//
// When Options.Store.Dir is set, Init opens the durable action log there and
// prefers its own persisted last-applied marker over |hint|: the store
// outlives any single Connection value across process restarts, so its
// marker is the more authoritative resumption point once one exists.
func (c *Connection) Init(hint seqno.Seqno, u uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fsm != nil {
		return group.ErrBusy
	}

	if c.opts.Store.Dir != "" {
		var st, err = snapshot.Open(c.opts.Store.Dir)
		if err != nil {
			return errors.WithMessage(err, "galera: opening durable action log")
		}
		c.store = st

		var stored, serr = st.LastApplied()
		if serr != nil {
			return errors.WithMessage(serr, "galera: reading last-applied marker")
		}
		if stored.Valid() && stored != seqno.Nil {
			hint = stored
		}
	}

	c.fsm = group.New(u)
	c.fsm.SetLastAppliedHint(hint)
	c.joinerFrom = seqno.Nil
	atomic.StoreInt64(&c.currentSeqno, int64(hint))
	return nil
}

// Open dials the connection's backend and joins |channel|, starting the
// dispatch loop that drives delivery for the remainder of the connection's
// lifetime (spec §3, "open(conn, channel)").
func (c *Connection) Open(ctx context.Context, channel string) error {
	c.mu.Lock()
	if c.fsm == nil {
		c.mu.Unlock()
		return errors.New("galera: Open called before Init")
	}
	if err := c.fsm.Open(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	var tr, err = transport.Dial(ctx, c.backendURL, channel)
	if err != nil {
		c.mu.Unlock()
		return errors.WithMessage(err, "galera: dialing backend")
	}
	c.tr = tr
	c.recvQ = action.NewQueue(c.opts.RecvQueueDepth, c.depthGauge)
	c.flowCtl = flow.New(c.opts.FlowHigh, c.opts.FlowLow, c.flowCounter)
	c.reasm = action.NewReassembler()

	var runCtx context.Context
	runCtx, c.cancel = context.WithCancel(context.Background())
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

// Close is the cooperative cancellation signal for the connection: pending
// Repl and Recv callers are woken with an error (spec §3, §7
// "Cancellation and timeouts").
func (c *Connection) Close() error {
	c.mu.Lock()
	var fsm = c.fsm
	var cancel = c.cancel
	c.mu.Unlock()

	if fsm == nil {
		return nil
	}
	if err := fsm.Close(); err != nil {
		return err
	}
	if cancel != nil {
		cancel()
		<-c.doneCh
	}
	return nil
}

// Destroy transitions a CLOSED connection to DESTROYED (spec §3), closing
// the durable action log, if any, since nothing further will record to or
// replay from it under this Connection value.
func (c *Connection) Destroy() error {
	c.mu.Lock()
	var fsm = c.fsm
	var store = c.store
	c.mu.Unlock()
	if fsm == nil {
		return ErrClosed
	}
	if err := fsm.Destroy(); err != nil {
		return err
	}
	if store != nil {
		store.Close()
	}
	return nil
}

// Send transfers ownership of |buf| to the coordinator and returns
// immediately once every fragment has been accepted by the transport
// (spec §4.3, "send transfers ownership of the buffer to the coordinator
// and returns immediately with the byte count on acceptance").
func (c *Connection) Send(ctx context.Context, buf []byte, kind action.Kind) (int, error) {
	c.mu.Lock()
	var tr = c.tr
	c.mu.Unlock()
	if tr == nil {
		return 0, ErrNotOpen
	}

	var serial = atomic.AddUint64(&c.senderSerial, 1)
	for _, f := range action.Fragment(tr.LocalSender(), serial, kind, buf, c.opts.Packet.Size) {
		if err := tr.Send(ctx, f); err != nil {
			return 0, errors.WithMessage(err, "galera: Send")
		}
	}
	return len(buf), nil
}

// Repl enqueues a pending entry keyed by (sender, serial) and suspends
// until the matching delivery arrives, at which point it returns the
// global and local seqnos the coordinator assigned (spec §4.3, "repl").
func (c *Connection) Repl(ctx context.Context, buf []byte, kind action.Kind) (seqno.Seqno, int64, error) {
	c.mu.Lock()
	var tr = c.tr
	c.mu.Unlock()
	if tr == nil {
		return seqno.Ill, 0, ErrNotOpen
	}

	var serial = atomic.AddUint64(&c.senderSerial, 1)
	var key = pendingKey{sender: tr.LocalSender(), serial: serial}
	var resultCh = c.repl.register(key)

	for _, f := range action.Fragment(tr.LocalSender(), serial, kind, buf, c.opts.Packet.Size) {
		if err := tr.Send(ctx, f); err != nil {
			c.repl.abandon(key)
			return seqno.Ill, 0, errors.WithMessage(err, "galera: Repl")
		}
	}

	select {
	case r := <-resultCh:
		return r.gseq, r.lseq, r.err
	case <-ctx.Done():
		c.repl.abandon(key)
		return seqno.Ill, 0, ctx.Err()
	case <-c.doneCh:
		return seqno.Ill, 0, ErrClosed
	}
}

// Recv suspends while the receive queue is empty, then returns the next
// delivered Action in the connection's local order (spec §4.3, "recv").
func (c *Connection) Recv(ctx context.Context) (action.Action, error) {
	c.mu.Lock()
	var q = c.recvQ
	c.mu.Unlock()
	if q == nil {
		return action.Action{}, ErrNotOpen
	}

	var resultCh = make(chan struct {
		a   action.Action
		err error
	}, 1)
	go func() {
		var a, err = q.Pop()
		resultCh <- struct {
			a   action.Action
			err error
		}{a, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return action.Action{}, ErrClosed
		}
		return r.a, nil
	case <-ctx.Done():
		return action.Action{}, ctx.Err()
	}
}

// Wait reports whether the caller should defer submissions because some
// member's slave queue exceeds the flow-control threshold (spec §4.3,
// "wait"). It never suspends.
func (c *Connection) Wait() bool {
	c.mu.Lock()
	var fc = c.flowCtl
	c.mu.Unlock()
	return fc != nil && fc.Wait()
}

// RequestStateTransfer broadcasts a STATE_REQ action and blocks until it
// has been delivered back to this connection, then selects a donor from
// the current view (spec §4.3, §4.4). The donor-selection rule is this
// library's own simplification where the source contract leaves the
// backend's negotiation unspecified: the lowest-indexed other member of
// the current view is elected, deterministically and without a further
// round trip -- documented in DESIGN.md.
//
// The broadcast STATE_REQ payload carries this connection's own
// last-applied seqno ahead of |req|, so whichever member becomes donor
// knows where to resume replay from (encodeStateReq/decodeStateReq).
func (c *Connection) RequestStateTransfer(ctx context.Context, req []byte) (donorIdx int, localSeqToSkip int64, err error) {
	c.mu.Lock()
	var fsm = c.fsm
	c.mu.Unlock()
	if fsm == nil {
		return -1, 0, ErrNotOpen
	}
	if err = fsm.BeginStateTransfer(); err != nil {
		return -1, 0, err
	}

	var _, lseq, rerr = c.Repl(ctx, encodeStateReq(fsm.LastAppliedHint(), req), action.STATE_REQ)
	if rerr != nil {
		return -1, 0, rerr
	}

	donorIdx = c.electDonor()
	if donorIdx < 0 {
		return -1, lseq, ErrNoDonor
	}
	return donorIdx, lseq, nil
}

// encodeStateReq/decodeStateReq frame a STATE_REQ action's payload as an
// 8-byte BE last-applied seqno followed by the application's own request
// bytes, mirroring the fixed-layout binary codecs used throughout this
// library's wire types (action/frame.go, group/conf.go, snapshot/store.go).
func encodeStateReq(from seqno.Seqno, req []byte) []byte {
	var b = make([]byte, 8+len(req))
	binary.BigEndian.PutUint64(b[:8], uint64(from))
	copy(b[8:], req)
	return b
}

func decodeStateReq(payload []byte) (from seqno.Seqno, req []byte, ok bool) {
	if len(payload) < 8 {
		return seqno.Nil, nil, false
	}
	return seqno.Seqno(binary.BigEndian.Uint64(payload[:8])), payload[8:], true
}

// electDonor picks the lowest-indexed member other than this connection's
// own index from the most recently observed view.
func (c *Connection) electDonor() int {
	c.mu.Lock()
	var fsm = c.fsm
	c.mu.Unlock()
	if fsm == nil || fsm.ConfID() < 0 {
		return -1
	}
	var myIdx = fsm.MyIndex()
	for i := range fsm.Members() {
		if i != myIdx {
			return i
		}
	}
	return -1
}

// BecomeDonor transitions this connection to DONOR after the application
// has decided, on the strength of a delivered STATE_REQ action, that it is
// the member responsible for transferring state to the requester (spec
// §4.4). It must precede Join.
func (c *Connection) BecomeDonor() error {
	c.mu.Lock()
	var fsm = c.fsm
	c.mu.Unlock()
	if fsm == nil {
		return ErrNotOpen
	}
	return fsm.BecomeDonor()
}

// Join is the donor-side completion of a state-transfer handshake (spec
// §4.3, "join"): it broadcasts a JOIN action carrying |status|. Only valid
// while this connection is the elected DONOR.
//
// On a successful status, Join first replays every action this donor's
// durable log has recorded past the requester's last-applied seqno (spec
// §4.4, "the joiner/donor share seqnos after catch-up"): each is
// rebroadcast as an ordinary action so the whole group, joiner included,
// observes it, since this library has no separate point-to-point
// state-transfer channel of its own.
func (c *Connection) Join(ctx context.Context, status int64) error {
	c.mu.Lock()
	var fsm, store, from = c.fsm, c.store, c.joinerFrom
	c.mu.Unlock()
	if fsm == nil {
		return ErrNotOpen
	}
	if fsm.State() != group.StateDonor {
		return group.ErrBusy
	}

	if status >= 0 && store != nil {
		var rerr = store.ReplayFrom(from, func(a action.Action) error {
			var _, err = c.Send(ctx, a.Payload, a.Kind)
			return err
		})
		if rerr != nil {
			return errors.WithMessage(rerr, "galera: Join: replaying donor history")
		}
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(status))
	var _, err = c.Send(ctx, buf[:], action.JOIN)
	return err
}

// run is the connection's single dispatch loop: it reads transport
// Deliveries, reassembles fragments into sealed Actions, drives the group
// FSM and flow controller, resolves pending Repl entries, and pushes
// Actions onto the receive queue -- the same "dedicated I/O thread"
// scheduling model spec §5 describes, and structurally the same loop
// shape as appendFSM.run pumping a channel of chunks (spec grounding,
// broker/append_fsm.go).
func (c *Connection) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.recvQ.Close()
	defer c.repl.drainViewLost()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.tr.Deliveries():
			if !ok {
				return
			}
			if d.IsView {
				c.onView(ctx, d.View)
				continue
			}
			c.onFrame(d)
		}
	}
}

func (c *Connection) onView(ctx context.Context, v transport.View) {
	var cur = seqno.Seqno(atomic.LoadInt64(&c.currentSeqno))
	var conf = c.fsm.OnView(ctx, group.View{
		Primary: v.Primary, ConfigID: v.ConfigID, Members: v.Members, MyIndex: v.MyIndex,
	}, cur)

	conf.LocalSeqno = atomic.AddInt64(&c.localSeqCount, 1)
	if err := c.recvQ.Push(conf); err != nil {
		log.WithError(err).WithField("component", "galera").Warn("dropping CONF: receive queue closed")
	}

	if !v.Primary {
		c.repl.drainViewLost()
	}
}

func (c *Connection) onFrame(d transport.Delivery) {
	c.mu.Lock()
	var reasm = c.reasm
	c.mu.Unlock()

	var payload, sealed, err = reasm.Consume(d.Frame)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"component": "galera", "sender": d.Frame.Header.Sender, "serial": d.Frame.Header.Serial,
		}).Warn("transport violation in reassembly")
		return
	}
	if !sealed {
		return
	}

	var a = action.Action{Kind: d.Frame.Header.Kind, Payload: payload, GlobalSeqno: d.Seqno}
	if a.Kind.Ordered() {
		atomic.StoreInt64(&c.currentSeqno, int64(d.Seqno))
	}
	a.LocalSeqno = atomic.AddInt64(&c.localSeqCount, 1)

	switch a.Kind {
	case action.FLOW:
		c.flowCtl.Observe(a)
	case action.STATE_REQ:
		if from, req, ok := decodeStateReq(a.Payload); ok {
			c.mu.Lock()
			c.joinerFrom = from
			c.mu.Unlock()
			a.Payload = req
		}
	case action.JOIN:
		var status = int64(binary.BigEndian.Uint64(a.Payload))
		var isDonor = c.fsm.State() == group.StateDonor
		if err := c.fsm.OnJoin(isDonor, status); err != nil {
			log.WithError(err).WithField("component", "galera").Warn("group: OnJoin failed")
		}
	case action.SYNC:
		if err := c.fsm.OnSync(); err != nil {
			log.WithError(err).WithField("component", "galera").Warn("group: OnSync failed")
		}
	}

	if a.Kind == action.DATA || a.Kind == action.COMMIT_CUT {
		c.mu.Lock()
		var store = c.store
		c.mu.Unlock()
		if store != nil {
			if err := store.RecordApplied(a); err != nil {
				log.WithError(err).WithField("component", "galera").Warn("recording applied action failed")
			}
		}
	}

	c.repl.resolve(pendingKey{sender: d.Frame.Header.Sender, serial: d.Frame.Header.Serial},
		replResult{gseq: a.GlobalSeqno, lseq: a.LocalSeqno})

	if err := c.recvQ.Push(a); err != nil {
		log.WithError(err).WithField("component", "galera").Warn("dropping action: receive queue closed")
	}

	c.evaluateFlow()
}

// evaluateFlow is the producer half of flow control (spec §4.5): it checks
// the receive queue's depth against the controller's water marks and, on a
// crossing, broadcasts the resulting FLOW action so every member (including
// this one, once it loops back through onFrame) observes the same
// stop/cont transition. It is a no-op unless the crossing is new: the
// controller's own Evaluate is level-triggered, so evaluateFlow tracks the
// signal it last broadcast to avoid re-announcing the same crossing on
// every subsequent delivery while depth remains past the mark.
func (c *Connection) evaluateFlow() {
	c.mu.Lock()
	var flowCtl, recvQ, tr = c.flowCtl, c.recvQ, c.tr
	c.mu.Unlock()
	if flowCtl == nil || recvQ == nil || tr == nil {
		return
	}

	var a = flowCtl.Evaluate(recvQ.Len())
	if a == nil {
		return
	}
	var sig = int32(a.Payload[0])
	for {
		var prev = atomic.LoadInt32(&c.lastFlowSignal)
		if prev == sig {
			return
		}
		if prev < 0 && sig == int32(flow.Cont) {
			// Sitting at or below the low mark before any FLOW(stop) was
			// broadcast is not a crossing: there is nothing to continue.
			return
		}
		if atomic.CompareAndSwapInt32(&c.lastFlowSignal, prev, sig) {
			break
		}
	}

	var serial = atomic.AddUint64(&c.senderSerial, 1)
	for _, f := range action.Fragment(tr.LocalSender(), serial, action.FLOW, a.Payload, c.opts.Packet.Size) {
		if err := tr.Send(context.Background(), f); err != nil {
			log.WithError(err).WithField("component", "galera").Warn("broadcasting FLOW action failed")
			return
		}
	}
}
