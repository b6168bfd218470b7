package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		require.True(t, m.Post(i))
	}
	assert.Equal(t, 100, m.Len())

	for i := 0; i < 100; i++ {
		v, ok := m.Take()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := m.Take()
	assert.False(t, ok)
}

func TestReadySignal(t *testing.T) {
	m := New[string]()
	m.Post("a")
	m.Post("b")

	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}

	// Both posts are covered by one signal.
	v, _ := m.Take()
	assert.Equal(t, "a", v)
	v, _ = m.Take()
	assert.Equal(t, "b", v)
}

func TestClose(t *testing.T) {
	m := New[int]()
	m.Post(1)
	m.Close()

	assert.False(t, m.Post(2))
	v, ok := m.Take()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestConcurrentProducers(t *testing.T) {
	m := New[int]()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Post(i)
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for received < producers*perProducer {
		select {
		case <-m.Ready():
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d", received, producers*perProducer)
		}
		for {
			if _, ok := m.Take(); !ok {
				break
			}
			received++
		}
	}
	assert.Equal(t, producers*perProducer, received)
}

func TestDispatcherOrder(t *testing.T) {
	d := NewDispatcher()
	defer d.Stop()

	got := make(chan int, 10)
	for i := 0; i < 10; i++ {
		require.True(t, d.Go(func() { got <- i }))
	}
	for i := 0; i < 10; i++ {
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatal("dispatcher stalled")
		}
	}
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher()
	ran := make(chan struct{})
	d.Go(func() { close(ran) })
	d.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued function did not run before stop")
	}
	assert.False(t, d.Go(func() {}))
	assert.False(t, d.Go(nil))
}
