package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

func init() {
	Register("spread", dialSpread)
}

// dialSpread opens a Transport against the classic Spread-toolkit-style
// group membership daemon topology: every node in the "peers" query
// parameter is a candidate; the lexicographically lowest address acts as
// the sequencer for the channel and the rest dial out to it. The
// sequencer assigns global seqnos by funneling every member's frames
// through a single ordering goroutine, trivially satisfying "uniform
// total order within a primary configuration" (spec §1) without
// requiring this library to implement an atomic-broadcast algorithm of
// its own -- exactly the boundary spec §1 draws around the transport.
//
// backend_url: spread://self-host:port/?peers=host1:port1,host2:port2,...
func dialSpread(ctx context.Context, u *url.URL, channel string) (Transport, error) {
	var self = u.Host
	var peers = strings.Split(u.Query().Get("peers"), ",")
	if len(peers) == 0 || peers[0] == "" {
		peers = []string{self}
	}
	var sorted = append([]string(nil), peers...)
	sort.Strings(sorted)
	var sequencerAddr = sorted[0]

	var t = &spreadTransport{
		self:     self,
		deliverC: make(chan Delivery, 256),
		myIndex:  -1,
	}

	if self == sequencerAddr {
		var ln, err = net.Listen("tcp", self)
		if err != nil {
			return nil, fmt.Errorf("transport(spread): listening on %s: %w", self, err)
		}
		t.seq = newSequencer(channel)
		t.seq.addLocal(t)
		go t.seq.accept(ln)
	} else {
		var conn, err = net.Dial("tcp", sequencerAddr)
		if err != nil {
			return nil, fmt.Errorf("transport(spread): dialing sequencer %s: %w", sequencerAddr, err)
		}
		t.conn = conn
		t.w = bufio.NewWriter(conn)
		go t.readLoop(bufio.NewReader(conn))
	}
	return t, nil
}

// sequencer is the single goroutine that assigns global seqnos to frames
// submitted by every member of a channel, then rebroadcasts them in that
// order. It runs only inside the process holding the lowest address.
type sequencer struct {
	mu      sync.Mutex
	channel string
	nextSeq seqno.Seqno
	confID  int64
	members []*spreadTransport // local (in-process) member, always index 0
	remotes []net.Conn
}

func newSequencer(channel string) *sequencer {
	return &sequencer{channel: channel, nextSeq: seqno.First, confID: 1}
}

func (s *sequencer) addLocal(t *spreadTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, t)
	s.broadcastViewLocked()
}

func (s *sequencer) accept(ln net.Listener) {
	for {
		var conn, err = ln.Accept()
		if err != nil {
			log.WithError(err).WithField("component", "transport/spread").Warn("sequencer listener closed")
			return
		}
		s.mu.Lock()
		s.remotes = append(s.remotes, conn)
		s.broadcastViewLocked()
		s.mu.Unlock()

		go s.readRemote(conn)
	}
}

func (s *sequencer) readRemote(conn net.Conn) {
	var r = bufio.NewReader(conn)
	for {
		var t, f, _, _, err = readMsg(r)
		if err != nil {
			return
		}
		if t == msgFrame {
			s.dispatch(f)
		}
	}
}

// dispatch assigns the next global seqno (on the last fragment of an
// action) and rebroadcasts |f| to every member: the local in-process
// member and every remote TCP connection.
func (s *sequencer) dispatch(f action.Frame) {
	s.mu.Lock()
	var gseq = s.nextSeq
	if f.Header.Last {
		s.nextSeq++
	}
	var locals = append([]*spreadTransport(nil), s.members...)
	var remotes = append([]net.Conn(nil), s.remotes...)
	s.mu.Unlock()

	for _, m := range locals {
		select {
		case m.deliverC <- Delivery{Frame: f, Seqno: gseq}:
		default:
		}
	}
	for _, c := range remotes {
		var w = bufio.NewWriter(c)
		_ = writeMsg(w, msgFrame, f, gseq, View{})
	}
}

func (s *sequencer) broadcastViewLocked() {
	var n = len(s.members) + len(s.remotes)
	var ids = make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i)
	}
	for i, m := range s.members {
		atomic.StoreInt32(&m.myIndex, int32(i))
		var v = View{Primary: true, ConfigID: s.confID, Members: ids, MyIndex: i}
		select {
		case m.deliverC <- Delivery{IsView: true, View: v}:
		default:
		}
	}
	for i, c := range s.remotes {
		var v = View{Primary: true, ConfigID: s.confID, Members: ids, MyIndex: len(s.members) + i}
		var w = bufio.NewWriter(c)
		_ = writeMsg(w, msgView, action.Frame{}, seqno.Ill, v)
	}
	s.confID++
}

// spreadTransport is a Transport bound to either the sequencer process
// itself (conn == nil) or a remote member dialed out to the sequencer.
type spreadTransport struct {
	self     string
	seq      *sequencer // non-nil iff this process is the sequencer
	conn     net.Conn   // non-nil iff dialed out to a remote sequencer
	w        *bufio.Writer
	wMu      sync.Mutex
	deliverC chan Delivery
	myIndex  int32 // atomic; -1 until the first View assigns this member's index
}

// LocalSender derives this member's SenderID from the index the sequencer
// last assigned it in a View, since a TCP-dialed member has no identity of
// its own until the sequencer places it (spec §4.1, sender ids stable for
// the lifetime of a primary configuration).
func (t *spreadTransport) LocalSender() action.SenderID {
	return action.SenderID(atomic.LoadInt32(&t.myIndex) + 1)
}

func (t *spreadTransport) Send(_ context.Context, f action.Frame) error {
	if t.seq != nil {
		t.seq.dispatch(f)
		return nil
	}
	t.wMu.Lock()
	defer t.wMu.Unlock()
	return writeMsg(t.w, msgFrame, f, seqno.Ill, View{})
}

func (t *spreadTransport) Deliveries() <-chan Delivery { return t.deliverC }

func (t *spreadTransport) readLoop(r *bufio.Reader) {
	defer close(t.deliverC)
	for {
		var typ, f, gseq, v, err = readMsg(r)
		if err != nil {
			return
		}
		switch typ {
		case msgFrame:
			t.deliverC <- Delivery{Frame: f, Seqno: gseq}
		case msgView:
			atomic.StoreInt32(&t.myIndex, int32(v.MyIndex))
			t.deliverC <- Delivery{IsView: true, View: v}
		}
	}
}

func (t *spreadTransport) Close() error {
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
