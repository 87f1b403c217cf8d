package togo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Litres/galera/seqno"
)

func TestGrabReleaseInOrder(t *testing.T) {
	var m = New(seqno.First, 8)

	require.NoError(t, m.Grab(seqno.First))
	assert.Equal(t, seqno.Nil, m.ToSeqno())
	require.NoError(t, m.Release(seqno.First))
	assert.Equal(t, seqno.First, m.ToSeqno())

	require.NoError(t, m.Grab(2))
	require.NoError(t, m.Release(2))
	assert.Equal(t, seqno.Seqno(2), m.ToSeqno())
}

func TestGrabBlocksOnPredecessor(t *testing.T) {
	var m = New(seqno.First, 8)

	var entered = make(chan struct{})
	var released = make(chan struct{})
	go func() {
		require.NoError(t, m.Grab(2))
		close(entered)
		require.NoError(t, m.Release(2))
		close(released)
	}()

	select {
	case <-entered:
		t.Fatal("Grab(2) entered before predecessor was released")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.Grab(seqno.First))
	require.NoError(t, m.Release(seqno.First))

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Grab(2) never entered after predecessor released")
	}
	<-released
}

func TestCancelAdvancesCursorAndWakesWaiter(t *testing.T) {
	var m = New(seqno.First, 8)

	var done = make(chan error, 1)
	go func() { done <- m.Grab(2) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.SelfCancel(seqno.First))
	assert.Equal(t, seqno.First, m.ToSeqno())

	require.NoError(t, <-done)
	require.NoError(t, m.Release(2))
	assert.Equal(t, seqno.Seqno(2), m.ToSeqno())
}

func TestCancelOfHoldingSeqnoIsOutOfRange(t *testing.T) {
	var m = New(seqno.First, 8)
	require.NoError(t, m.Grab(seqno.First))
	assert.Equal(t, ErrOutOfRange, m.Cancel(seqno.First))
}

func TestReleaseOfUnheldSeqnoFails(t *testing.T) {
	var m = New(seqno.First, 8)
	require.Error(t, m.Release(seqno.First))
}

func TestInterruptWakesWaiterWithoutResolving(t *testing.T) {
	var m = New(seqno.First, 8)

	var done = make(chan error, 1)
	go func() { done <- m.Grab(2) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Interrupt(2))
	assert.Equal(t, ErrInterrupted, <-done)

	// The seqno is still pending: a retried Grab(2) must still block on its
	// predecessor rather than having been silently resolved.
	var retried = make(chan error, 1)
	go func() { retried <- m.Grab(2) }()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-retried:
		t.Fatal("retried Grab(2) resolved before its predecessor")
	default:
	}

	require.NoError(t, m.SelfCancel(seqno.First))
	require.NoError(t, <-retried)
}

func TestRingTooSmallReturnsEAgain(t *testing.T) {
	var m = New(seqno.First, 2)

	var done = make(chan error, 1)
	go func() { done <- m.Grab(seqno.First) }()
	time.Sleep(20 * time.Millisecond)

	// With a ring of length 2, seqno 3 maps to slot 3 mod 2 = 1, the same
	// slot as seqno 1 itself, which is still held.
	assert.Equal(t, ErrAgain, m.Grab(3))

	require.NoError(t, m.Release(seqno.First))
	<-done
}

func TestDestroyFailsWhileHoldingOrWaiting(t *testing.T) {
	var m = New(seqno.First, 8)
	require.NoError(t, m.Grab(seqno.First))
	assert.Equal(t, ErrBusy, m.Destroy())

	require.NoError(t, m.Release(seqno.First))
	require.NoError(t, m.Destroy())
	assert.Equal(t, ErrDestroyed, m.Grab(2))
}
