// Package snapshot implements the donor side of the state-transfer
// handshake (spec §4.4): a durable, ordered log of applied actions that a
// donor replays to bring a joiner from its last-applied seqno up to the
// donor's own, plus the single "last applied" marker every node persists
// so Init can report a resumption hint (spec §3).
//
// It is grounded on the teacher's rocksdb-backed replica storage
// (consumer/store-rocksdb/recorder_rocksdb_test.go, consumer/context.go),
// adapted to keep a seqno-keyed action log directly rather than the
// teacher's recoverylog-backed handoff: this library has no broker or
// journal of its own to record a recovery log against, so the donor's
// local RocksDB instance is itself the durable store state transfer reads
// from.
package snapshot

import (
	"encoding/binary"

	"github.com/pkg/errors"
	rocks "github.com/tecbot/gorocksdb"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

// lastAppliedKey holds the single seqno marker read back by Init (spec §3,
// "a resumption hint from local persistent state"). It sorts after every
// seqno-keyed entry, since "/meta/" > "/log/" (actionKeyPrefix), so a
// ReplayFrom scan ends on it once the action log is exhausted.
var lastAppliedKey = []byte("/meta/last_applied")

// Store is a donor-side durable log of applied Actions, keyed by global
// seqno so a range scan from a joiner's last-applied seqno reproduces
// exactly the actions it missed.
type Store struct {
	db *rocks.DB
	ro *rocks.ReadOptions
	wo *rocks.WriteOptions
}

// Open opens (creating if necessary) a Store rooted at |dir|.
func Open(dir string) (*Store, error) {
	var opts = rocks.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	var db, err = rocks.OpenDb(opts, dir)
	if err != nil {
		return nil, errors.WithMessage(err, "snapshot: opening rocksdb")
	}
	var wo = rocks.NewDefaultWriteOptions()
	wo.SetSync(true)

	return &Store{db: db, ro: rocks.NewDefaultReadOptions(), wo: wo}, nil
}

// Close releases the Store's RocksDB handles.
func (s *Store) Close() {
	s.db.Close()
	s.ro.Destroy()
	s.wo.Destroy()
}

// RecordApplied durably appends |a| under its GlobalSeqno and advances the
// last-applied marker in the same write batch, so the two can never
// observably disagree (spec §4.4, "the donor's local history must be
// exactly what it has applied, not merely what it has seen").
func (s *Store) RecordApplied(a action.Action) error {
	if !a.GlobalSeqno.Valid() {
		return errors.New("snapshot: cannot record an action with an Ill seqno")
	}
	var batch = rocks.NewWriteBatch()
	defer batch.Destroy()

	batch.Put(actionKey(a.GlobalSeqno), encodeAction(a))
	batch.Put(lastAppliedKey, encodeSeqno(a.GlobalSeqno))

	return errors.WithMessage(s.db.Write(s.wo, batch), "snapshot: writing applied action")
}

// LastApplied returns the most recently recorded GlobalSeqno, or seqno.Nil
// if the Store has never recorded an action (spec §3 Init's resumption
// hint).
func (s *Store) LastApplied() (seqno.Seqno, error) {
	var slice, err = s.db.Get(s.ro, lastAppliedKey)
	if err != nil {
		return seqno.Nil, errors.WithMessage(err, "snapshot: reading last-applied marker")
	}
	defer slice.Free()

	if !slice.Exists() {
		return seqno.Nil, nil
	}
	return decodeSeqno(slice.Data()), nil
}

// ReplayFrom streams every action recorded with GlobalSeqno > |from| to
// |emit|, in ascending seqno order, for replay to a joining peer (spec
// §4.4's donor-to-joiner state transfer). It stops and returns the first
// error |emit| returns.
func (s *Store) ReplayFrom(from seqno.Seqno, emit func(action.Action) error) error {
	var it = s.db.NewIterator(s.ro)
	defer it.Close()

	for it.Seek(actionKey(from.Next())); it.Valid(); it.Next() {
		var key = it.Key()
		if !isActionKey(key.Data()) {
			key.Free()
			break
		}
		var a, err = decodeAction(it.Value().Data())
		key.Free()
		if err != nil {
			return err
		}
		if err = emit(a); err != nil {
			return err
		}
	}
	return errors.WithMessage(it.Err(), "snapshot: replay iteration")
}

const actionKeyPrefix = "/log/"

func actionKey(s seqno.Seqno) []byte {
	var b = make([]byte, len(actionKeyPrefix)+8)
	copy(b, actionKeyPrefix)
	binary.BigEndian.PutUint64(b[len(actionKeyPrefix):], uint64(s))
	return b
}

func isActionKey(k []byte) bool {
	return len(k) == len(actionKeyPrefix)+8 && string(k[:len(actionKeyPrefix)]) == actionKeyPrefix
}

func encodeSeqno(s seqno.Seqno) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(s))
	return b[:]
}

func decodeSeqno(b []byte) seqno.Seqno {
	if len(b) < 8 {
		return seqno.Nil
	}
	return seqno.Seqno(binary.BigEndian.Uint64(b))
}

// encodeAction/decodeAction use a small fixed layout rather than a
// generated marshaller, matching the hand-rolled binary codec used
// throughout this library's wire types (action/frame.go, group/conf.go):
// [8-byte BE seqno][4-byte BE kind][4-byte BE payload length][payload].
func encodeAction(a action.Action) []byte {
	var b = make([]byte, 16+len(a.Payload))
	binary.BigEndian.PutUint64(b[0:8], uint64(a.GlobalSeqno))
	binary.BigEndian.PutUint32(b[8:12], uint32(a.Kind))
	binary.BigEndian.PutUint32(b[12:16], uint32(len(a.Payload)))
	copy(b[16:], a.Payload)
	return b
}

func decodeAction(b []byte) (action.Action, error) {
	if len(b) < 16 {
		return action.Action{}, errors.New("snapshot: truncated action record")
	}
	var a = action.Action{
		GlobalSeqno: seqno.Seqno(binary.BigEndian.Uint64(b[0:8])),
		Kind:        action.Kind(binary.BigEndian.Uint32(b[8:12])),
	}
	var n = binary.BigEndian.Uint32(b[12:16])
	if len(b) < 16+int(n) {
		return action.Action{}, errors.New("snapshot: truncated action payload")
	}
	a.Payload = append([]byte(nil), b[16:16+n]...)
	return a, nil
}
