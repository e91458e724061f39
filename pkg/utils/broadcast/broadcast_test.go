//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ch <-chan int) int {
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no message received in time")
		return 0
	}
}

func TestBroadcast_FanOut(t *testing.T) {
	source := make(chan int)
	srv := NewBroadcastServer("track-1", "test", source)
	defer srv.Close()

	first := srv.Subscribe()
	second := srv.Subscribe()

	// gauges read the counters while serve writes them
	stop := make(chan struct{})
	go func() {
		b := srv.(*broadcastServer[int])
		for {
			select {
			case <-stop:
				return
			default:
				b.numRcv.Load()
				b.numSnd.Load()
				b.numListeners.Load()
			}
		}
	}()
	defer close(stop)

	go func() {
		source <- 1
		source <- 2
	}()
	assert.Equal(t, 1, recvOne(t, first))
	assert.Equal(t, 1, recvOne(t, second))
	assert.Equal(t, 2, recvOne(t, first))
	assert.Equal(t, 2, recvOne(t, second))

	b := srv.(*broadcastServer[int])
	assert.EqualValues(t, 2, b.numRcv.Load())
	assert.EqualValues(t, 4, b.numSnd.Load())
	assert.EqualValues(t, 2, b.numListeners.Load())
}

func TestBroadcast_SlowListenerSkipped(t *testing.T) {
	source := make(chan int)
	srv := NewBroadcastServer("track-1", "test", source)
	defer srv.Close()

	fast := srv.Subscribe()
	srv.Subscribe() // never read

	go func() { source <- 7 }()
	assert.Equal(t, 7, recvOne(t, fast))

	b := srv.(*broadcastServer[int])
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.numSkip.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 1, b.numSkip.Load())
}

func TestBroadcast_SubscribeAfterCloseDoesNotBlock(t *testing.T) {
	source := make(chan int)
	srv := NewBroadcastServer("track-1", "test", source)
	srv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := srv.Subscribe()
		_, open := <-ch
		require.False(t, open)
		srv.CancelSubscription(ch)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe on a closed server blocked")
	}
}
