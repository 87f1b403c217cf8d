package group

import (
	"context"
	"testing"

	"github.com/google/uuid"
	gc "github.com/go-check/check"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

func Test(t *testing.T) { gc.TestingT(t) }

type FSMSuite struct{}

var _ = gc.Suite(&FSMSuite{})

func (s *FSMSuite) TestOpenCloseDestroyLifecycle(c *gc.C) {
	var f = New(uuid.UUID{})
	c.Check(f.State(), gc.Equals, StateClosed)

	c.Check(f.Open(context.Background()), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateOpenNonPrimary)

	// A second Open from a non-CLOSED state is illegal.
	c.Check(f.Open(context.Background()), gc.Equals, ErrBusy)

	c.Check(f.Close(), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateClosed)

	c.Check(f.Destroy(), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateDestroyed)

	// Destroy is not idempotent from DESTROYED.
	c.Check(f.Destroy(), gc.Equals, ErrBusy)
}

func (s *FSMSuite) TestOnViewTransitionsToPrimary(c *gc.C) {
	var f = New(uuid.UUID{})
	c.Assert(f.Open(context.Background()), gc.IsNil)

	var a = f.OnView(context.Background(), View{Primary: true, ConfigID: 1, Members: []string{"a", "b"}, MyIndex: 0}, seqno.Nil)
	c.Check(f.State(), gc.Equals, StateOpenPrimary)
	c.Check(a.Kind, gc.Equals, action.CONF)
	c.Check(f.ConfID(), gc.Equals, int64(1))
	c.Check(f.MyIndex(), gc.Equals, 0)
	c.Check(f.Members(), gc.DeepEquals, []string{"a", "b"})

	var conf, err = UnmarshalConf(a.Payload)
	c.Assert(err, gc.IsNil)
	c.Check(conf.ConfID, gc.Equals, int64(1))
	c.Check(conf.StRequired, gc.Equals, false)
	c.Check(conf.Members, gc.DeepEquals, []string{"a", "b"})
}

func (s *FSMSuite) TestOnViewNonPrimaryResetsMembership(c *gc.C) {
	var f = New(uuid.UUID{})
	c.Assert(f.Open(context.Background()), gc.IsNil)
	f.OnView(context.Background(), View{Primary: true, ConfigID: 1, Members: []string{"a"}, MyIndex: 0}, seqno.Nil)

	var a = f.OnView(context.Background(), View{Primary: false}, seqno.Nil)
	c.Check(f.State(), gc.Equals, StateOpenNonPrimary)
	c.Check(f.ConfID(), gc.Equals, int64(-1))
	c.Check(f.MyIndex(), gc.Equals, -1)

	var conf, err = UnmarshalConf(a.Payload)
	c.Assert(err, gc.IsNil)
	c.Check(conf.MemberCount, gc.Equals, int64(0))
	c.Check(conf.MyIndex, gc.Equals, int64(-1))
}

func (s *FSMSuite) TestOnViewRequiresStateTransferWhenBehind(c *gc.C) {
	var f = New(uuid.UUID{})
	c.Assert(f.Open(context.Background()), gc.IsNil)
	f.SetLastAppliedHint(5)

	var a = f.OnView(context.Background(), View{Primary: true, ConfigID: 1, Members: []string{"a", "b"}, MyIndex: 1}, 10)
	var conf, err = UnmarshalConf(a.Payload)
	c.Assert(err, gc.IsNil)
	c.Check(conf.StRequired, gc.Equals, true)
	c.Check(conf.Seqno, gc.Equals, seqno.Seqno(10))
}

func (s *FSMSuite) TestJoinerHandshakeSuccess(c *gc.C) {
	var f = New(uuid.UUID{})
	c.Assert(f.Open(context.Background()), gc.IsNil)
	f.OnView(context.Background(), View{Primary: true, ConfigID: 1, Members: []string{"a", "b"}, MyIndex: 0}, seqno.Nil)

	c.Assert(f.BeginStateTransfer(), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateJoiner)

	// A second concurrent STATE_REQ is rejected.
	c.Check(f.BeginStateTransfer(), gc.Equals, ErrBusy)

	c.Assert(f.OnJoin(false, 0), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateJoined)

	c.Assert(f.OnSync(), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateSynced)
}

func (s *FSMSuite) TestJoinerHandshakeFailureStatus(c *gc.C) {
	var f = New(uuid.UUID{})
	c.Assert(f.Open(context.Background()), gc.IsNil)
	f.OnView(context.Background(), View{Primary: true, ConfigID: 1, Members: []string{"a", "b"}, MyIndex: 0}, seqno.Nil)
	c.Assert(f.BeginStateTransfer(), gc.IsNil)

	c.Check(f.OnJoin(false, -1), gc.NotNil)
	c.Check(f.State(), gc.Equals, StateJoiner)

	// The failure clears the in-flight flag but leaves the FSM in JOINER, so
	// a fresh BeginStateTransfer, which requires OPEN_PRIMARY, is rejected.
	c.Check(f.BeginStateTransfer(), gc.Equals, ErrBusy) // still JOINER, not OPEN_PRIMARY
}

func (s *FSMSuite) TestDonorHandshake(c *gc.C) {
	var f = New(uuid.UUID{})
	c.Assert(f.Open(context.Background()), gc.IsNil)
	f.OnView(context.Background(), View{Primary: true, ConfigID: 1, Members: []string{"a", "b"}, MyIndex: 0}, seqno.Nil)

	c.Assert(f.BecomeDonor(), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateDonor)

	c.Assert(f.OnJoin(true, 0), gc.IsNil)
	c.Check(f.State(), gc.Equals, StateSynced)
}

func (s *FSMSuite) TestConfMarshalUnmarshalRoundTrip(c *gc.C) {
	var u = uuid.New()
	var conf = Conf{
		Seqno:       42,
		ConfID:      3,
		GroupUUID:   u,
		StRequired:  true,
		MemberCount: 2,
		MyIndex:     1,
		Members:     []string{"zone-a:001", "zone-b:002"},
	}
	var got, err = UnmarshalConf(conf.Marshal())
	c.Assert(err, gc.IsNil)
	c.Check(got, gc.DeepEquals, conf)
}
