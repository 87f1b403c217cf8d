package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Litres/galera/action"
)

func TestEvaluateCrossingHighMarkEmitsStop(t *testing.T) {
	var c = New(10, 2, nil)
	assert.Nil(t, c.Evaluate(5))

	var a = c.Evaluate(10)
	require.NotNil(t, a)
	assert.Equal(t, action.FLOW, a.Kind)
	assert.Equal(t, byte(Stop), a.Payload[0])
}

func TestEvaluateCrossingLowMarkEmitsCont(t *testing.T) {
	var c = New(10, 2, nil)
	var a = c.Evaluate(2)
	require.NotNil(t, a)
	assert.Equal(t, byte(Cont), a.Payload[0])

	a = c.Evaluate(0)
	require.NotNil(t, a)
	assert.Equal(t, byte(Cont), a.Payload[0])
}

func TestObserveTracksOutstandingStops(t *testing.T) {
	var c = New(10, 2, nil)
	assert.False(t, c.Wait())

	c.Observe(action.Action{Kind: action.FLOW, Payload: []byte{byte(Stop)}})
	assert.True(t, c.Wait())

	c.Observe(action.Action{Kind: action.FLOW, Payload: []byte{byte(Stop)}})
	assert.True(t, c.Wait())

	c.Observe(action.Action{Kind: action.FLOW, Payload: []byte{byte(Cont)}})
	assert.True(t, c.Wait())

	c.Observe(action.Action{Kind: action.FLOW, Payload: []byte{byte(Cont)}})
	assert.False(t, c.Wait())
}

func TestObserveIgnoresMismatchedStops(t *testing.T) {
	var c = New(10, 2, nil)
	// An extra, unmatched Cont must not drive the outstanding count negative
	// and leave Wait() permanently stuck reporting a phantom stop.
	c.Observe(action.Action{Kind: action.FLOW, Payload: []byte{byte(Cont)}})
	assert.False(t, c.Wait())

	c.Observe(action.Action{Kind: action.FLOW, Payload: []byte{byte(Stop)}})
	assert.True(t, c.Wait())
}

func TestObserveIgnoresNonFlowActions(t *testing.T) {
	var c = New(10, 2, nil)
	c.Observe(action.Action{Kind: action.DATA, Payload: []byte{byte(Stop)}})
	assert.False(t, c.Wait())
}
