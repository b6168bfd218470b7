package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtsync/rtsync-go/pkg/wire"
)

func testMessage() *wire.Request {
	return &wire.Request{Header: wire.Header{Method: wire.MethodMessage}}
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	assert.True(t, strings.HasPrefix(id, "RQ"), id)
	assert.Len(t, id, 34)
	assert.NotEqual(t, id, NewRequestID())
}

func TestRequestAssignsID(t *testing.T) {
	msg := testMessage()
	r := newRequest(msg, time.Minute, nil)
	defer r.cancel(ErrCancelled)

	assert.Equal(t, r.ID(), msg.ID)
	assert.Same(t, msg, r.Message())
	assert.Equal(t, OutcomePending, r.Outcome())
}

func TestRequestResolvesOnce(t *testing.T) {
	r := newRequest(testMessage(), time.Minute, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if r.complete(&wire.Reply{}) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if r.cancel(ErrTransportDisconnected) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.NotEqual(t, OutcomePending, r.Outcome())
}

func TestRequestTimeout(t *testing.T) {
	forgotten := make(chan *Request, 1)
	r := newRequest(testMessage(), 20*time.Millisecond, func(r *Request) { forgotten <- r })

	select {
	case got := <-forgotten:
		assert.Same(t, r, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not notify the owner")
	}

	_, err := r.Result()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, OutcomeTimeout, r.Outcome())

	// Late resolutions are ignored.
	assert.False(t, r.complete(&wire.Reply{}))
	_, err = r.Result()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestCompleteStopsTimer(t *testing.T) {
	var forgot atomic.Bool
	r := newRequest(testMessage(), 20*time.Millisecond, func(*Request) { forgot.Store(true) })
	reply := &wire.Reply{Status: wire.StatusOK}
	require.True(t, r.complete(reply))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, forgot.Load())

	got, err := r.Result()
	require.NoError(t, err)
	assert.Same(t, reply, got)
	assert.Equal(t, OutcomeSuccess, r.Outcome())
}

func TestRequestWaitCancelled(t *testing.T) {
	forgotten := make(chan *Request, 1)
	r := newRequest(testMessage(), time.Minute, func(r *Request) { forgotten <- r })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeFailure, r.Outcome())

	select {
	case <-forgotten:
	default:
		t.Fatal("cancelled wait did not notify the owner")
	}
}

func TestRequestWaitAfterResolve(t *testing.T) {
	r := newRequest(testMessage(), time.Minute, func(*Request) { t.Error("forget called") })
	r.cancel(ErrUnauthorized)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "PENDING", OutcomePending.String())
	assert.Equal(t, "SUCCESS", OutcomeSuccess.String())
	assert.Equal(t, "TIMEOUT", OutcomeTimeout.String())
	assert.Equal(t, "FAILURE", OutcomeFailure.String())
	assert.Equal(t, "UNKNOWN", Outcome(9).String())
}
