package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/membership"
	"github.com/Litres/galera/seqno"
)

func init() {
	Register("gcomm", dialGcomm)
}

// exchangeServiceName and exchangeMethod name the single generic
// bidirectional-streaming RPC the gcomm backend dispatches every Frame and
// View over. There is no .proto for it: every message is an opaque []byte
// produced by packBody (wire.go), carried by rawCodec instead of the
// protobuf codec grpc otherwise assumes, mirroring the generic-streaming
// technique used by gRPC reverse proxies to forward arbitrary payloads
// without knowing their schema.
const (
	exchangeServiceName = "galera.gcomm"
	exchangeMethod      = "/" + exchangeServiceName + "/Exchange"
)

// rawCodec passes gcomm wire messages through unmodified instead of the
// default protobuf codec, since Frame/View payloads are already encoded by
// packBody/unpackBody (wire.go) and have no .proto schema of their own.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return nil, errors.Errorf("transport(gcomm): rawCodec.Marshal: unsupported type %T", v)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errors.Errorf("transport(gcomm): rawCodec.Unmarshal: unsupported type %T", v)
	}
	*b = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }

var exchangeStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	Handler:       exchangeHandler,
	ServerStreams: true,
	ClientStreams: true,
}

// exchangeHandler adapts a raw bidirectional grpc.ServerStream to
// gcommTransport.serveStream; it is installed via grpc.ServiceDesc rather
// than protoc-generated registration since this RPC carries opaque bytes
// for every gcs action kind rather than one fixed message type.
func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*gcommTransport).serveStream(stream)
}

// dialGcomm opens a Transport against the etcd-backed membership package,
// paired with a google.golang.org/grpc point-to-point delivery service for
// elementary message exchange between members (spec §6,
// "gcomm://etcd-endpoint/prefix"), grounded on consumer/service.go's
// *grpc.ClientConn loopback and consumer/resolver.go's keyspace-driven
// membership idiom.
//
// Like the spread backend, gcomm elects the lexicographically lowest member
// id in the current etcd-derived view as sequencer and funnels every
// member's frames through it, rather than implementing an atomic-broadcast
// algorithm of its own (spec §1 draws that boundary at the transport).
//
// backend_url: gcomm://etcd-host:port/group-prefix?self=id&listen=host:port
func dialGcomm(ctx context.Context, u *url.URL, channel string) (Transport, error) {
	var self = u.Query().Get("self")
	var listen = u.Query().Get("listen")
	if self == "" || listen == "" {
		return nil, fmt.Errorf("transport(gcomm): url must set self= and listen= query params")
	}

	var etcd, err = clientv3.New(clientv3.Config{Endpoints: []string{u.Host}})
	if err != nil {
		return nil, fmt.Errorf("transport(gcomm): dialing etcd %s: %w", u.Host, err)
	}

	var ln net.Listener
	if ln, err = net.Listen("tcp", listen); err != nil {
		return nil, fmt.Errorf("transport(gcomm): listening on %s: %w", listen, err)
	}

	var runCtx, cancel = context.WithCancel(ctx)
	var t = &gcommTransport{
		self:     self,
		listen:   listen,
		etcd:     etcd,
		watcher:  membership.NewWatcher(etcd, u.Path, self, 10),
		deliverC: make(chan Delivery, 256),
		cancel:   cancel,
	}
	t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	t.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: exchangeServiceName,
		HandlerType: (*interface{})(nil),
		Streams:     []grpc.StreamDesc{exchangeStreamDesc},
		Metadata:    "gcomm",
	}, t)

	go func() { _ = t.server.Serve(ln) }()
	go func() {
		if err := t.watcher.Run(runCtx, membership.Record{Addr: listen}); err != nil {
			log.WithError(err).WithField("component", "transport/gcomm").Warn("membership watcher exited")
		}
	}()
	go t.followViews(runCtx)

	return t, nil
}

// gcommTransport is a Transport whose membership comes from package
// membership and whose elementary delivery is a grpc bidi stream to
// whichever member the current view elects as sequencer. Every other
// member dials into the sequencer's Exchange stream; the sequencer
// rebroadcasts each assigned Frame to every open stream, local delivery
// included, exactly mirroring the spread backend's centralized-sequencer
// simplification (spec §1 leaves the atomic-broadcast algorithm to the
// transport).
type gcommTransport struct {
	self   string
	listen string
	etcd   *clientv3.Client
	server *grpc.Server

	watcher  *membership.Watcher
	deliverC chan Delivery
	cancel   context.CancelFunc

	mu          sync.Mutex
	sequencer   *gcommSequencer  // non-nil iff self == elected sequencer
	toSequencer *gcommClientConn // non-nil iff dialed out to a remote sequencer
}

func (t *gcommTransport) LocalSender() action.SenderID {
	var h uint64 = 14695981039346656037
	for _, c := range t.self {
		h = (h ^ uint64(c)) * 1099511628211
	}
	return action.SenderID(h)
}

// serveStream runs on the process elected sequencer, handling one remote
// member's Exchange stream: every frame it sends is dispatched for a
// global seqno and rebroadcast; the stream itself is also used to push
// rebroadcasts back to that member.
func (t *gcommTransport) serveStream(stream grpc.ServerStream) error {
	t.mu.Lock()
	var seq = t.sequencer
	t.mu.Unlock()
	if seq == nil {
		return errors.New("transport(gcomm): not currently the elected sequencer")
	}
	var peer = seq.addRemote(stream)
	defer seq.dropRemote(peer)

	for {
		var body []byte
		if err := stream.RecvMsg(&body); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var ty, f, _, _, err = unpackGcommBody(body)
		if err != nil {
			return err
		}
		if ty == msgFrame {
			seq.dispatch(f, t.deliverC)
		}
	}
}

// followViews watches etcd-derived Views, maintaining whichever role (local
// sequencer or remote client of the current sequencer) the current view
// implies, and relays every View onward to deliverC (spec §1, "delivery of
// view-change notifications inline with message delivery").
func (t *gcommTransport) followViews(ctx context.Context) {
	for v := range t.watcher.Views() {
		select {
		case t.deliverC <- Delivery{IsView: true, View: v}:
		default:
		}

		if !v.Primary || len(v.Members) == 0 {
			continue
		}
		var sorted = append([]string(nil), v.Members...)
		sort.Strings(sorted)
		var sequencerID = sorted[0]

		t.mu.Lock()
		if sequencerID == t.self {
			if t.sequencer == nil {
				t.sequencer = newGcommSequencer()
			}
			if t.toSequencer != nil {
				t.toSequencer.Close()
				t.toSequencer = nil
			}
		} else {
			t.sequencer = nil // stepped down; any accepted streams simply error out
			if t.toSequencer == nil || t.toSequencer.remoteID != sequencerID {
				if t.toSequencer != nil {
					t.toSequencer.Close()
				}
				if rec, ok := t.watcher.RecordOf(sequencerID); ok {
					t.toSequencer = dialGcommClient(ctx, sequencerID, rec.Addr, t.deliverC)
				} else {
					// The membership record carrying this peer's listen
					// address hasn't been read yet; the next View will
					// retry once it has.
					log.WithField("sequencer", sequencerID).
						WithField("component", "transport/gcomm").
						Warn("elected sequencer has no known listen address yet")
				}
			}
		}
		t.mu.Unlock()
	}
}

func (t *gcommTransport) Send(ctx context.Context, f action.Frame) error {
	t.mu.Lock()
	var seq, remote = t.sequencer, t.toSequencer
	t.mu.Unlock()

	if seq != nil {
		seq.dispatch(f, t.deliverC)
		return nil
	}
	if remote != nil {
		return remote.send(f)
	}
	return fmt.Errorf("transport(gcomm): no primary view reached yet")
}

func (t *gcommTransport) Deliveries() <-chan Delivery { return t.deliverC }

func (t *gcommTransport) Close() error {
	t.cancel()
	t.server.GracefulStop()
	t.mu.Lock()
	if t.toSequencer != nil {
		t.toSequencer.Close()
	}
	t.mu.Unlock()
	return t.etcd.Close()
}

// gcommSequencer plays the same role as the spread backend's sequencer: it
// assigns the next global seqno to each frame submitted by any member
// (local or remote) and rebroadcasts it to the rest, this time over grpc
// streams instead of raw TCP connections.
type gcommSequencer struct {
	mu      sync.Mutex
	nextSeq seqno.Seqno
	remotes map[grpc.ServerStream]struct{}
}

func newGcommSequencer() *gcommSequencer {
	return &gcommSequencer{nextSeq: seqno.First, remotes: make(map[grpc.ServerStream]struct{})}
}

func (s *gcommSequencer) addRemote(stream grpc.ServerStream) grpc.ServerStream {
	s.mu.Lock()
	s.remotes[stream] = struct{}{}
	s.mu.Unlock()
	return stream
}

func (s *gcommSequencer) dropRemote(stream grpc.ServerStream) {
	s.mu.Lock()
	delete(s.remotes, stream)
	s.mu.Unlock()
}

func (s *gcommSequencer) dispatch(f action.Frame, deliverC chan<- Delivery) {
	s.mu.Lock()
	var gseq = s.nextSeq
	if f.Header.Last {
		s.nextSeq++
	}
	var remotes = make([]grpc.ServerStream, 0, len(s.remotes))
	for r := range s.remotes {
		remotes = append(remotes, r)
	}
	s.mu.Unlock()

	select {
	case deliverC <- Delivery{Frame: f, Seqno: gseq}:
	default:
	}

	var body, err = packGcommBody(msgFrame, f, gseq, View{})
	if err != nil {
		return
	}
	for _, r := range remotes {
		_ = r.SendMsg(&body)
	}
}

// gcommClientConn is a member's outbound grpc stream to the current
// sequencer, reopened by followViews whenever the elected sequencer
// changes.
type gcommClientConn struct {
	remoteID string
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	sMu      sync.Mutex
}

func dialGcommClient(ctx context.Context, remoteID, addr string, deliverC chan<- Delivery) *gcommClientConn {
	var conn, err = grpc.DialContext(ctx, addr, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		log.WithError(err).WithField("component", "transport/gcomm").
			WithField("sequencer", remoteID).Warn("dialing sequencer failed")
		return nil
	}
	var stream grpc.ClientStream
	if stream, err = conn.NewStream(ctx, &exchangeStreamDesc, exchangeMethod, grpc.ForceCodec(rawCodec{})); err != nil {
		log.WithError(err).WithField("component", "transport/gcomm").
			WithField("sequencer", remoteID).Warn("opening exchange stream failed")
		_ = conn.Close()
		return nil
	}
	var c = &gcommClientConn{remoteID: remoteID, conn: conn, stream: stream}

	go func() {
		for {
			var body []byte
			if err := stream.RecvMsg(&body); err != nil {
				return
			}
			var ty, f, gseq, _, err = unpackGcommBody(body)
			if err != nil {
				return
			}
			if ty == msgFrame {
				deliverC <- Delivery{Frame: f, Seqno: gseq}
			}
		}
	}()
	return c
}

func (c *gcommClientConn) send(f action.Frame) error {
	var body, err = packGcommBody(msgFrame, f, seqno.Ill, View{})
	if err != nil {
		return err
	}
	c.sMu.Lock()
	defer c.sMu.Unlock()
	return c.stream.SendMsg(&body)
}

func (c *gcommClientConn) Close() {
	_ = c.conn.Close()
}

// packGcommBody/unpackGcommBody wrap packBody/unpackBody (wire.go) with a
// leading type byte: grpc's own framing already length-delimits each
// SendMsg/RecvMsg call, so unlike writeMsg/readMsg no additional length
// prefix is needed here.
func packGcommBody(t msgType, f action.Frame, gseq seqno.Seqno, v View) ([]byte, error) {
	var body, err = packBody(t, f, gseq, v)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(t)}, body...), nil
}

func unpackGcommBody(b []byte) (t msgType, f action.Frame, gseq seqno.Seqno, v View, err error) {
	if len(b) == 0 {
		err = errors.New("transport(gcomm): empty exchange message")
		return
	}
	t = msgType(b[0])
	f, gseq, v, err = unpackBody(t, b[1:])
	return
}
