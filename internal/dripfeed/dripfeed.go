// Package dripfeed fans a single stream of work signals out to a rotating
// set of subscribers. Each signal goes to exactly one subscriber, chosen
// round-robin, so capacity granted by the upstream source is shared fairly
// no matter how many consumers are attached.
package dripfeed

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigbluedigital/pagefeed/internal/metrics"
)

// Source yields work signals. Drips returns a channel that delivers one
// signal per unit of granted capacity and is closed when the source is
// exhausted; Err reports why, and is only meaningful after the close.
type Source interface {
	Drips() <-chan struct{}
	Err() error
}

// Dripfeeder distributes an upstream Source across subscribers. It only
// consumes the upstream while at least one subscriber is attached, so an
// idle feeder never burns capacity.
type Dripfeeder struct {
	upstream Source
	logger   *zap.Logger
	name     string

	mu     sync.Mutex
	subs   []*Subscription
	stop   chan struct{}
	closed bool
	err    error
}

// New builds a Dripfeeder over the upstream source. The name only scopes
// log output.
func New(upstream Source, name string, logger *zap.Logger) *Dripfeeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dripfeeder{
		upstream: upstream,
		logger:   logger.With(zap.String("dripfeeder", name)),
		name:     name,
	}
}

// Subscribe registers a new consumer and returns its lane. The first
// subscriber starts consumption of the upstream source. Subscribing to an
// exhausted feeder returns an already-closed lane carrying the upstream
// error.
func (d *Dripfeeder) Subscribe() *Subscription {
	s := &Subscription{
		id:     uuid.New(),
		feeder: d,
		drips:  make(chan struct{}),
		cancel: make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		err := d.err
		d.mu.Unlock()
		s.closeWith(err)
		return s
	}
	d.subs = append(d.subs, s)
	if len(d.subs) == 1 {
		stop := make(chan struct{})
		d.stop = stop
		go d.pump(stop)
	}
	subscribers := len(d.subs)
	d.mu.Unlock()

	d.logger.Debug("subscriber attached",
		zap.String("subscription", s.id.String()),
		zap.Int("subscribers", subscribers))
	return s
}

// pump consumes the upstream until stopped or exhausted.
func (d *Dripfeeder) pump(stop chan struct{}) {
	for {
		// Stop takes priority over pending upstream signals.
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case _, ok := <-d.upstream.Drips():
			if !ok {
				d.finish(d.upstream.Err())
				return
			}
			if !d.dispatch(stop) {
				return
			}
		}
	}
}

// dispatch hands one signal to the subscriber at the head of the rotation.
// A subscriber that unsubscribes mid-delivery forfeits its turn and the
// signal moves on. Returns false when the pump should exit.
func (d *Dripfeeder) dispatch(stop chan struct{}) bool {
	for {
		d.mu.Lock()
		if len(d.subs) == 0 {
			d.mu.Unlock()
			metrics.ObserveDripDropped("no_subscribers")
			return false
		}
		s := d.subs[0]
		d.subs = append(d.subs[1:], s)
		d.mu.Unlock()

		if s.send(stop) {
			return true
		}
		select {
		case <-stop:
			metrics.ObserveDripDropped("stopped")
			return false
		default:
		}
	}
}

// finish closes out every subscriber after the upstream is exhausted.
func (d *Dripfeeder) finish(err error) {
	d.mu.Lock()
	d.closed = true
	d.err = err
	d.stop = nil
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, s := range subs {
		s.closeWith(err)
	}
	d.logger.Debug("upstream exhausted", zap.Int("subscribers", len(subs)), zap.Error(err))
}

func (d *Dripfeeder) remove(target *Subscription) {
	d.mu.Lock()
	for i, s := range d.subs {
		if s == target {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			break
		}
	}
	if len(d.subs) == 0 && d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	subscribers := len(d.subs)
	d.mu.Unlock()

	d.logger.Debug("subscriber detached",
		zap.String("subscription", target.id.String()),
		zap.Int("subscribers", subscribers))
}

// Subscription is one consumer's lane. It implements Source, so a lane can
// itself feed a nested Dripfeeder for further subdivision.
type Subscription struct {
	id     uuid.UUID
	feeder *Dripfeeder
	drips  chan struct{}
	cancel chan struct{}
	once   sync.Once

	sendMu sync.Mutex
	closed bool
	err    error
}

// Drips returns the lane's signal channel. It is closed when the lane is
// unsubscribed or the upstream source is exhausted.
func (s *Subscription) Drips() <-chan struct{} { return s.drips }

// Err reports the upstream error, if any, once Drips is closed.
func (s *Subscription) Err() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.err
}

// ID identifies the lane, mostly for logs.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Unsubscribe removes the lane from the rotation and closes its channel.
// Safe to call more than once; the last lane standing stops upstream
// consumption when it leaves.
func (s *Subscription) Unsubscribe() {
	if s.feeder != nil {
		s.feeder.remove(s)
	}
	s.closeWith(nil)
}

// send delivers one signal, blocking until the subscriber takes it or the
// lane/pump goes away.
func (s *Subscription) send(stop chan struct{}) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.drips <- struct{}{}:
		return true
	case <-s.cancel:
		return false
	case <-stop:
		return false
	}
}

func (s *Subscription) closeWith(err error) {
	s.once.Do(func() {
		close(s.cancel)
		s.sendMu.Lock()
		s.closed = true
		s.err = err
		close(s.drips)
		s.sendMu.Unlock()
	})
}
