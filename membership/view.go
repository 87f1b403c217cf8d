// Package membership supplies the gcomm transport scheme's view of group
// membership: an etcd keyspace prefix holds one leased key per live member,
// and every prefix revision is folded into a transport.View and delivered
// to the caller (spec §1, §6 "gcomm://etcd-endpoint/prefix").
//
// GCS itself only consumes the View stream through transport.Transport; this
// package is the concrete etcd-backed source of that stream, grounded on the
// teacher's keyspace-watch idiom (consumer/key_space.go, consumer/resolver.go)
// but written directly against clientv3 rather than the teacher's internal
// allocator.KeySpace, which is not a reusable library outside its own module.
package membership

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Litres/galera/transport"
)

// Record is the JSON value stored under a member's leased etcd key.
type Record struct {
	Addr string `json:"addr"`
}

// Watcher maintains a member's own lease registration under |prefix| and
// republishes the prefix's membership as transport.View values on every
// revision. Exactly one View is live at a time; Views is closed when Run
// returns, whether by ctx cancellation or by an etcd error.
type Watcher struct {
	client   *clientv3.Client
	prefix   string
	selfID   string
	leaseTTL int64

	mu      sync.Mutex
	confID  int64
	records map[string]Record
	viewsC  chan transport.View
}

// NewWatcher returns a Watcher that will register |selfID| -> |rec| under
// |prefix| with a lease of |leaseTTLSeconds|, and stream membership Views
// derived from the whole prefix.
func NewWatcher(client *clientv3.Client, prefix, selfID string, leaseTTLSeconds int64) *Watcher {
	return &Watcher{
		client:   client,
		prefix:   prefix,
		selfID:   selfID,
		leaseTTL: leaseTTLSeconds,
		confID:   1,
		records:  make(map[string]Record),
		viewsC:   make(chan transport.View, 8),
	}
}

// Views returns the channel of membership Views. The channel is closed when
// Run returns.
func (w *Watcher) Views() <-chan transport.View { return w.viewsC }

// RecordOf returns the last-observed Record for member |id|, letting a
// caller resolve a peer id (as carried in a View's Members) to the address
// it registered under.
func (w *Watcher) RecordOf(id string) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var r, ok = w.records[id]
	return r, ok
}

// Run registers the local member, watches the prefix, and emits Views until
// |ctx| is cancelled or a fatal etcd error occurs. It is intended to run in
// its own goroutine for the lifetime of the gcomm Transport (spec §1,
// "delivery of view-change notifications inline with message delivery").
func (w *Watcher) Run(ctx context.Context, rec Record) error {
	defer close(w.viewsC)

	var lease, err = w.client.Grant(ctx, w.leaseTTL)
	if err != nil {
		return errors.WithMessage(err, "membership: granting lease")
	}
	var keepAliveC <-chan *clientv3.LeaseKeepAliveResponse
	if keepAliveC, err = w.client.KeepAlive(ctx, lease.ID); err != nil {
		return errors.WithMessage(err, "membership: starting lease keepalive")
	}
	go func() {
		for range keepAliveC {
			// Drain acknowledgements; nothing to act on unless the channel
			// closes, which signals lease loss and is surfaced via Watch
			// observing the key's removal.
		}
	}()

	var value []byte
	if value, err = json.Marshal(rec); err != nil {
		return errors.WithMessage(err, "membership: marshalling record")
	}
	var key = w.prefix + "/" + w.selfID
	if _, err = w.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return errors.WithMessage(err, "membership: registering self")
	}

	var getResp, getErr = w.client.Get(ctx, w.prefix, clientv3.WithPrefix())
	if getErr != nil {
		return errors.WithMessage(getErr, "membership: initial list")
	}
	var members = decodeMembers(getResp.Kvs)
	w.updateRecordsLocked(getResp.Kvs)
	w.publish(members)

	var watchC = w.client.Watch(ctx, w.prefix, clientv3.WithPrefix(), clientv3.WithRev(getResp.Header.Revision+1))
	for resp := range watchC {
		if err = resp.Err(); err != nil {
			log.WithError(err).WithField("component", "membership").Warn("watch channel error")
			return errors.WithMessage(err, "membership: watch")
		}
		var changedKvs []*mvccpb.KeyValue
		for _, ev := range resp.Events {
			switch ev.Type {
			case mvccpb.PUT:
				members = upsertMember(members, ev.Kv)
				changedKvs = append(changedKvs, ev.Kv)
			case mvccpb.DELETE:
				members = removeMember(members, string(ev.Kv.Key))
				w.dropRecord(memberID(string(ev.Kv.Key)))
			}
		}
		w.updateRecordsLocked(changedKvs)
		w.publish(members)
	}
	return ctx.Err()
}

// updateRecordsLocked decodes each kv's JSON Record and stores it by member
// id, so RecordOf can later resolve a View member id to its listen address
// (transport/gcomm.go). A record that fails to decode is dropped rather
// than surfaced as an error: a malformed peer registration shouldn't stall
// this member's own view processing.
func (w *Watcher) updateRecordsLocked(kvs []*mvccpb.KeyValue) {
	for _, kv := range kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			log.WithError(err).WithField("component", "membership").
				WithField("key", string(kv.Key)).Warn("malformed member record")
			continue
		}
		w.mu.Lock()
		w.records[memberID(string(kv.Key))] = rec
		w.mu.Unlock()
	}
}

func (w *Watcher) dropRecord(id string) {
	w.mu.Lock()
	delete(w.records, id)
	w.mu.Unlock()
}

type memberEntry struct {
	key string
	id  string
}

func decodeMembers(kvs []*mvccpb.KeyValue) []memberEntry {
	var out []memberEntry
	for _, kv := range kvs {
		out = append(out, memberEntry{key: string(kv.Key), id: memberID(string(kv.Key))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func upsertMember(members []memberEntry, kv *mvccpb.KeyValue) []memberEntry {
	var key = string(kv.Key)
	for _, m := range members {
		if m.key == key {
			return members
		}
	}
	members = append(members, memberEntry{key: key, id: memberID(key)})
	sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
	return members
}

func removeMember(members []memberEntry, key string) []memberEntry {
	for i, m := range members {
		if m.key == key {
			return append(members[:i], members[i+1:]...)
		}
	}
	return members
}

func memberID(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

// publish folds |members| into a View, primary iff |members| is non-empty,
// and sends it, dropping the
// view rather than blocking if the reader has fallen behind: the next
// revision will carry a superseding View regardless (spec §1 delivery is
// best-effort beyond FIFO-per-sender ordering of actual Frames).
func (w *Watcher) publish(members []memberEntry) {
	w.mu.Lock()
	var confID = w.confID
	w.confID++
	w.mu.Unlock()

	var ids = make([]string, len(members))
	var myIdx = -1
	for i, m := range members {
		ids[i] = m.id
		if m.id == w.selfID {
			myIdx = i
		}
	}
	var v = transport.View{
		Primary:  len(members) > 0,
		ConfigID: confID,
		Members:  ids,
		MyIndex:  myIdx,
	}
	select {
	case w.viewsC <- v:
	default:
	}
}
