package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

func TestMemberIDExtractsTrailingSegment(t *testing.T) {
	assert.Equal(t, "zone-a:001", memberID("/galera/members/zone-a:001"))
	assert.Equal(t, "bare", memberID("bare"))
}

func TestDecodeMembersSortsByID(t *testing.T) {
	var kvs = []*mvccpb.KeyValue{
		{Key: []byte("/p/b")},
		{Key: []byte("/p/a")},
	}
	var members = decodeMembers(kvs)
	assert.Equal(t, []memberEntry{{key: "/p/a", id: "a"}, {key: "/p/b", id: "b"}}, members)
}

func TestUpsertMemberIsIdempotentAndKeepsSortOrder(t *testing.T) {
	var members = decodeMembers([]*mvccpb.KeyValue{{Key: []byte("/p/b")}})

	members = upsertMember(members, &mvccpb.KeyValue{Key: []byte("/p/a")})
	assert.Equal(t, []string{"a", "b"}, idsOf(members))

	members = upsertMember(members, &mvccpb.KeyValue{Key: []byte("/p/a")})
	assert.Equal(t, []string{"a", "b"}, idsOf(members))
}

func TestRemoveMemberDropsOnlyMatchingKey(t *testing.T) {
	var members = decodeMembers([]*mvccpb.KeyValue{{Key: []byte("/p/a")}, {Key: []byte("/p/b")}})
	members = removeMember(members, "/p/a")
	assert.Equal(t, []string{"b"}, idsOf(members))
}

func idsOf(members []memberEntry) []string {
	var ids = make([]string, len(members))
	for i, m := range members {
		ids[i] = m.id
	}
	return ids
}

func TestPublishComputesPrimaryAndMyIndex(t *testing.T) {
	var w = NewWatcher(nil, "/p", "b", 10)

	var members = decodeMembers([]*mvccpb.KeyValue{{Key: []byte("/p/a")}, {Key: []byte("/p/b")}})
	w.publish(members)

	var v = <-w.viewsC
	assert.True(t, v.Primary)
	assert.Equal(t, []string{"a", "b"}, v.Members)
	assert.Equal(t, 1, v.MyIndex)
}

func TestPublishEmptyMembersIsNonPrimary(t *testing.T) {
	var w = NewWatcher(nil, "/p", "self", 10)
	w.publish(nil)

	var v = <-w.viewsC
	assert.False(t, v.Primary)
	assert.Equal(t, -1, v.MyIndex)
}

func TestUpdateRecordsLockedAndRecordOf(t *testing.T) {
	var w = NewWatcher(nil, "/p", "self", 10)

	w.updateRecordsLocked([]*mvccpb.KeyValue{
		{Key: []byte("/p/peer-1"), Value: []byte(`{"addr":"10.0.0.1:9000"}`)},
		{Key: []byte("/p/peer-2"), Value: []byte(`not-json`)},
	})

	var rec, ok = w.RecordOf("peer-1")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:9000", rec.Addr)

	// The malformed record for peer-2 is dropped, not surfaced as an error.
	_, ok = w.RecordOf("peer-2")
	assert.False(t, ok)

	w.dropRecord("peer-1")
	_, ok = w.RecordOf("peer-1")
	assert.False(t, ok)
}
