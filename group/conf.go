package group

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

// MaxMemberIDLen is the maximum encoded length of a member id, including
// its null terminator (spec §6).
const MaxMemberIDLen = 40

// confFixedSize is the size, in bytes, of the fixed-width prefix of a CONF
// payload: seqno(8) + conf_id(8) + group_uuid(16) + st_required(1) +
// memb_num(8) + my_idx(8).
const confFixedSize = 8 + 8 + 16 + 1 + 8 + 8

// Conf is the decoded payload of a CONF action (spec §3, §6).
type Conf struct {
	Seqno        seqno.Seqno
	ConfID       int64
	GroupUUID    uuid.UUID
	StRequired   bool
	MemberCount  int64
	MyIndex      int64
	Members      []string
}

// buildConf synthesizes a CONF action carrying the current global seqno,
// per spec §4.4 ("every emitted CONF carries the current global seqno at
// that point"). Invariant: my_idx is in [0, memb_num) unless memb_num is 0,
// in which case my_idx is -1 (spec §3).
func buildConf(cur seqno.Seqno, confID int64, u uuid.UUID, stRequired bool, members []string, myIdx int) action.Action {
	var c = Conf{
		Seqno:       cur,
		ConfID:      confID,
		GroupUUID:   u,
		StRequired:  stRequired,
		MemberCount: int64(len(members)),
		MyIndex:     int64(myIdx),
		Members:     members,
	}
	if len(members) == 0 {
		c.MyIndex = -1
	}
	return action.Action{
		Kind:        action.CONF,
		Payload:     c.Marshal(),
		GlobalSeqno: seqno.Ill,
	}
}

// Marshal encodes |c| in the fixed CONF wire layout of spec §6.
func (c Conf) Marshal() []byte {
	var buf bytes.Buffer
	var hdr [confFixedSize]byte

	binary.BigEndian.PutUint64(hdr[0:8], uint64(c.Seqno))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(c.ConfID))
	copy(hdr[16:32], c.GroupUUID[:])
	if c.StRequired {
		hdr[32] = 1
	}
	binary.BigEndian.PutUint64(hdr[33:41], uint64(c.MemberCount))
	binary.BigEndian.PutUint64(hdr[41:49], uint64(c.MyIndex))

	buf.Write(hdr[:])
	for _, m := range c.Members {
		if len(m)+1 > MaxMemberIDLen {
			m = m[:MaxMemberIDLen-1]
		}
		buf.WriteString(m)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// UnmarshalConf decodes a CONF payload previously produced by Marshal.
func UnmarshalConf(b []byte) (Conf, error) {
	if len(b) < confFixedSize {
		return Conf{}, errors.New("group: CONF payload too short")
	}
	var c Conf
	c.Seqno = seqno.Seqno(binary.BigEndian.Uint64(b[0:8]))
	c.ConfID = int64(binary.BigEndian.Uint64(b[8:16]))
	copy(c.GroupUUID[:], b[16:32])
	c.StRequired = b[32] != 0
	c.MemberCount = int64(binary.BigEndian.Uint64(b[33:41]))
	c.MyIndex = int64(binary.BigEndian.Uint64(b[41:49]))

	var rest = b[confFixedSize:]
	for len(rest) > 0 {
		var i = bytes.IndexByte(rest, 0)
		if i < 0 {
			return Conf{}, errors.New("group: CONF member id missing terminator")
		}
		c.Members = append(c.Members, string(rest[:i]))
		rest = rest[i+1:]
	}
	return c, nil
}
