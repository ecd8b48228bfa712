package dripfeed

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	ch  chan struct{}
	err error
}

func newStubSource(buffered int) *stubSource {
	return &stubSource{ch: make(chan struct{}, buffered)}
}

func (s *stubSource) Drips() <-chan struct{} { return s.ch }
func (s *stubSource) Err() error             { return s.err }

// drain consumes a lane until it closes and reports how many signals it saw.
func drain(sub *Subscription) <-chan int {
	out := make(chan int, 1)
	go func() {
		n := 0
		for range sub.Drips() {
			n++
		}
		out <- n
	}()
	return out
}

func TestRoundRobinSplitsEvenly(t *testing.T) {
	t.Parallel()

	src := newStubSource(6)
	feeder := New(src, "test", nil)

	a := feeder.Subscribe()
	b := feeder.Subscribe()
	countA := drain(a)
	countB := drain(b)

	for i := 0; i < 6; i++ {
		src.ch <- struct{}{}
	}
	close(src.ch)

	assert.Equal(t, 3, <-countA)
	assert.Equal(t, 3, <-countB)
}

func TestRoundRobinDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	src := newStubSource(6)
	feeder := New(src, "test", nil)

	a := feeder.Subscribe()
	b := feeder.Subscribe()

	// One consumer over both lanes. The pump hands out one signal at a
	// time, so the recorded sequence is the delivery order.
	var order []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		aCh, bCh := a.Drips(), b.Drips()
		for aCh != nil || bCh != nil {
			select {
			case _, ok := <-aCh:
				if !ok {
					aCh = nil
					continue
				}
				order = append(order, "a")
			case _, ok := <-bCh:
				if !ok {
					bCh = nil
					continue
				}
				order = append(order, "b")
			}
		}
	}()

	for i := 0; i < 6; i++ {
		src.ch <- struct{}{}
	}
	close(src.ch)
	<-done

	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

func TestSingleSubscriberGetsEverything(t *testing.T) {
	t.Parallel()

	src := newStubSource(4)
	feeder := New(src, "test", nil)

	sub := feeder.Subscribe()
	count := drain(sub)

	for i := 0; i < 4; i++ {
		src.ch <- struct{}{}
	}
	close(src.ch)

	assert.Equal(t, 4, <-count)
	assert.NoError(t, sub.Err())
}

func TestUpstreamNotConsumedBeforeFirstSubscribe(t *testing.T) {
	t.Parallel()

	src := newStubSource(1)
	src.ch <- struct{}{}
	_ = New(src, "test", nil)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, src.ch, 1, "feeder with no subscribers must not touch the upstream")
}

func TestUpstreamConsumptionStopsAfterLastUnsubscribe(t *testing.T) {
	t.Parallel()

	src := newStubSource(1)
	feeder := New(src, "test", nil)

	sub := feeder.Subscribe()
	sub.Unsubscribe()
	time.Sleep(20 * time.Millisecond)

	// Give any lingering pump a chance to misbehave.
	src.ch <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, src.ch, 1)
}

func TestResubscribeRestartsConsumption(t *testing.T) {
	t.Parallel()

	src := newStubSource(2)
	feeder := New(src, "test", nil)

	first := feeder.Subscribe()
	first.Unsubscribe()

	second := feeder.Subscribe()
	count := drain(second)

	src.ch <- struct{}{}
	src.ch <- struct{}{}
	close(src.ch)

	assert.Equal(t, 2, <-count)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	src := newStubSource(0)
	feeder := New(src, "test", nil)

	sub := feeder.Subscribe()
	require.NotPanics(t, func() {
		sub.Unsubscribe()
		sub.Unsubscribe()
		sub.Unsubscribe()
	})
}

func TestDepartingSubscriberForfeitsItsTurn(t *testing.T) {
	t.Parallel()

	src := newStubSource(2)
	feeder := New(src, "test", nil)

	quitter := feeder.Subscribe()
	stayer := feeder.Subscribe()
	count := drain(stayer)

	// The quitter is first in rotation but never receives; once it leaves,
	// its pending delivery must move on to the stayer.
	src.ch <- struct{}{}
	src.ch <- struct{}{}
	time.Sleep(10 * time.Millisecond)
	quitter.Unsubscribe()
	close(src.ch)

	assert.Equal(t, 2, <-count)
}

func TestUpstreamErrorReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	src := newStubSource(0)
	src.err = errors.New("upstream blew up")
	feeder := New(src, "test", nil)

	a := feeder.Subscribe()
	b := feeder.Subscribe()
	close(src.ch)

	for range a.Drips() {
	}
	for range b.Drips() {
	}
	assert.ErrorIs(t, a.Err(), src.err)
	assert.ErrorIs(t, b.Err(), src.err)
}

func TestSubscribeAfterExhaustionReturnsClosedLane(t *testing.T) {
	t.Parallel()

	src := newStubSource(0)
	src.err = errors.New("done")
	feeder := New(src, "test", nil)

	first := feeder.Subscribe()
	close(src.ch)
	for range first.Drips() {
	}

	late := feeder.Subscribe()
	select {
	case _, ok := <-late.Drips():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("late subscription should be closed immediately")
	}
	assert.ErrorIs(t, late.Err(), src.err)
}

func TestNestedFeederSubdividesALane(t *testing.T) {
	t.Parallel()

	src := newStubSource(4)
	outer := New(src, "outer", nil)

	trunk := outer.Subscribe()
	inner := New(trunk, "inner", nil)

	a := inner.Subscribe()
	b := inner.Subscribe()
	countA := drain(a)
	countB := drain(b)

	for i := 0; i < 4; i++ {
		src.ch <- struct{}{}
	}
	close(src.ch)

	assert.Equal(t, 2, <-countA)
	assert.Equal(t, 2, <-countB)
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	src := newStubSource(0)
	feeder := New(src, "test", nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := feeder.Subscribe()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}
