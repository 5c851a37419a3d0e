// Package bus implements ordered fan-out of lifecycle events to subscribers
// and observability adapters. Publishing never blocks: a slow subscriber
// loses its oldest buffered events and receives a single EventsDropped
// marker instead.
package bus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// DefaultBufferSize is the per-subscriber buffer capacity.
const DefaultBufferSize = 256

// historySize bounds the replay window for resumable subscriptions.
const historySize = 1024

// Bus distributes events to subscribers and registered emitters.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	subs     map[uint64]*Subscription
	nextSub  uint64
	history  []models.Event
	bufSize  int
	closed   bool
	dropped  atomic.Uint64
	emitters []models.Emitter
	emitCh   chan models.Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Bus with the given per-subscriber buffer size.
// A size of zero uses DefaultBufferSize.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	b := &Bus{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		emitCh:  make(chan models.Event, historySize),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchEmitters()
	return b
}

// Publish stamps the event with a sequence number and timestamp and fans it
// out. Never blocks the caller.
func (b *Bus) Publish(evt models.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	evt.Seq = b.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.history = append(b.history, evt)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}

	for _, sub := range b.subs {
		sub.push(evt)
	}
	b.mu.Unlock()

	// Forward to adapters without blocking; drop on overflow.
	select {
	case b.emitCh <- evt:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a subscriber for the given event kinds. An empty kind
// set receives everything. Events already published with Seq > afterSeq are
// replayed from the bounded history window; pass 0 for new events only.
func (b *Bus) Subscribe(kinds []models.EventType, afterSeq uint64) *Subscription {
	sub := &Subscription{
		kinds:  make(map[models.EventType]bool, len(kinds)),
		cap:    b.bufSize,
		notify: make(chan struct{}, 1),
		out:    make(chan models.Event),
		closed: make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub
	}
	b.nextSub++
	sub.id = b.nextSub
	sub.bus = b
	if afterSeq > 0 {
		for _, evt := range b.history {
			if evt.Seq > afterSeq {
				sub.push(evt)
			}
		}
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// RegisterEmitter adds an observability adapter. Adapters are invoked in
// registration order from a single dispatch goroutine.
func (b *Bus) RegisterEmitter(e models.Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitters = append(b.emitters, e)
}

// DroppedEventCount returns the number of events dropped on the adapter path.
func (b *Bus) DroppedEventCount() uint64 {
	return b.dropped.Load()
}

// Seq returns the sequence number of the most recently published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close shuts down the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	close(b.done)
	b.wg.Wait()
}

// dispatchEmitters pumps published events to registered adapters.
// A panicking adapter is logged and skipped for that event.
func (b *Bus) dispatchEmitters() {
	defer b.wg.Done()
	for {
		select {
		case evt := <-b.emitCh:
			b.mu.Lock()
			emitters := b.emitters
			b.mu.Unlock()
			for _, e := range emitters {
				b.safeEmit(e, evt)
			}
		case <-b.done:
			return
		}
	}
}

// safeEmit invokes one adapter, containing panics.
func (b *Bus) safeEmit(e models.Emitter, evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] emitter panic: %v", r)
		}
	}()
	e.Emit(evt)
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id    uint64
	bus   *Bus
	kinds map[models.EventType]bool

	mu      sync.Mutex
	buf     []models.Event
	cap     int
	lost    bool
	done    bool
	notify  chan struct{}
	out     chan models.Event
	closed  chan struct{}
	closeMu sync.Once
}

// Events returns the ordered event stream for this subscriber.
func (s *Subscription) Events() <-chan models.Event {
	return s.out
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.closeMu.Do(func() {
		if s.bus != nil {
			s.bus.mu.Lock()
			delete(s.bus.subs, s.id)
			s.bus.mu.Unlock()
		}
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		close(s.closed)
	})
}

// push appends an event to the subscriber's buffer, dropping the oldest
// event on overflow and remembering that a drop happened.
func (s *Subscription) push(evt models.Event) {
	if len(s.kinds) > 0 && !s.kinds[evt.Type] {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.cap {
		s.buf = s.buf[1:]
		s.lost = true
	}
	s.buf = append(s.buf, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves buffered events to the outbound channel. When events were lost
// to overflow, a single EventsDropped marker precedes the survivors.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			done := s.done
			s.mu.Unlock()
			if done {
				return
			}
			select {
			case <-s.notify:
			case <-s.closed:
				return
			}
			continue
		}
		var marker *models.Event
		if s.lost {
			s.lost = false
			marker = &models.Event{
				Type:      models.EventsDropped,
				Timestamp: time.Now(),
				Source:    "bus",
				Message:   "subscriber buffer overflowed; oldest events dropped",
			}
		}
		evt := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()

		if marker != nil {
			select {
			case s.out <- *marker:
			case <-s.closed:
				return
			}
		}
		select {
		case s.out <- evt:
		case <-s.closed:
			return
		}
	}
}
