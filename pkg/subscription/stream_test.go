package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamListenReceivesCurrent(t *testing.T) {
	s := newStream("CH1", State{Kind: StatePending})
	assert.Equal(t, "CH1", s.EntityID())

	ch, cancel := s.Listen()
	defer cancel()
	assert.Equal(t, State{Kind: StatePending}, <-ch)
}

func TestStreamConflates(t *testing.T) {
	s := newStream("CH1", State{Kind: StatePending})
	ch, cancel := s.Listen()
	defer cancel()

	require.True(t, s.set(State{Kind: StateSubscribing}))
	require.True(t, s.set(State{Kind: StateEstablished}))
	assert.False(t, s.set(State{Kind: StateEstablished}), "unchanged state is not published")

	assert.Equal(t, State{Kind: StateEstablished}, <-ch)
	select {
	case st := <-ch:
		t.Fatalf("unexpected extra state %s", st)
	default:
	}
	assert.Equal(t, StateEstablished, s.Current().Kind)
}

func TestStreamCancelAndClose(t *testing.T) {
	s := newStream("CH1", State{Kind: StatePending})

	ch1, cancel1 := s.Listen()
	<-ch1
	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open)

	ch2, _ := s.Listen()
	<-ch2
	s.close()
	_, open = <-ch2
	assert.False(t, open)
	assert.False(t, s.set(State{Kind: StateEstablished}))

	// Listening on a closed stream yields the last state and ends.
	ch3, _ := s.Listen()
	assert.Equal(t, State{Kind: StatePending}, <-ch3)
	_, open = <-ch3
	assert.False(t, open)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ESTABLISHED", State{Kind: StateEstablished}.String())
	assert.Equal(t, "FAILED(entity not found)", State{Kind: StateFailed, Err: ErrNotFound}.String())
	assert.Equal(t, "UNKNOWN", StateKind(42).String())
}
