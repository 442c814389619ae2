// Package events is the in-process publish/subscribe fabric between the
// state machine and the push transports. Publishing is non-blocking and
// best-effort: a subscriber that cannot drain its bounded buffer is
// dropped, and publishers never wait.
package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is each subscriber's outbound buffer depth.
	DefaultBufferSize = 256
	// DefaultReplaySize is how many events each project's ring retains
	// for replay on reconnect.
	DefaultReplaySize = 50
)

// Bus fans events out to subscribers. A single mutex serializes
// publishes, which is what preserves per-topic, per-room ordering; the
// critical section only copies the event into buffered channels, so it
// stays short.
type Bus struct {
	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	rings      map[int]*ring
	bufferSize int
	replaySize int
	nextSeq    uint64
	published  uint64
	dropped    uint64
	now        func() time.Time
}

// Subscriber is one consumer's bounded event stream. The channel is
// closed when the subscriber is dropped for falling behind or when the
// subscriber closes itself.
type Subscriber struct {
	ch     chan Event
	bus    *Bus
	closed bool
}

// NewBus creates a bus. bufferSize and replaySize <= 0 select defaults;
// now == nil selects the real clock.
func NewBus(bufferSize, replaySize int, now func() time.Time) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	if now == nil {
		now = time.Now
	}
	b := &Bus{
		subs:       make(map[*Subscriber]struct{}),
		rings:      make(map[int]*ring),
		bufferSize: bufferSize,
		replaySize: replaySize,
		now:        now,
	}
	return b
}

// Subscribe registers a new subscriber with a fresh buffer.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		ch:  make(chan Event, b.bufferSize),
		bus: b,
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish stamps the event with a sequence number and timestamp, feeds
// the project replay ring, and offers it to every subscriber without
// blocking. A subscriber with a full buffer is dropped: closed and
// removed, so a stuck dashboard cannot stall the control plane.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	evt.Seq = b.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now().UTC()
	}
	b.published++

	if evt.ProjectNumber > 0 {
		r, ok := b.rings[evt.ProjectNumber]
		if !ok {
			r = newRing(b.replaySize)
			b.rings[evt.ProjectNumber] = r
		}
		r.add(evt)
	}

	for s := range b.subs {
		select {
		case s.ch <- evt:
		default:
			delete(b.subs, s)
			s.closed = true
			close(s.ch)
			b.dropped++
			slog.Warn("Dropped slow event subscriber",
				"buffer_size", b.bufferSize, "event_type", evt.Type)
		}
	}
}

// Replay returns the retained events for a project, oldest first.
func (b *Bus) Replay(projectNumber int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[projectNumber]; ok {
		return r.snapshot()
	}
	return nil
}

// Stats reports current bus activity.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusStats{
		Subscribers:        len(b.subs),
		Published:          b.published,
		DroppedSubscribers: b.dropped,
		ReplayRings:        len(b.rings),
	}
}

// Events is the subscriber's receive channel. It is closed when the
// subscriber is dropped or closed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes. Safe to call after the bus already dropped the
// subscriber, and safe to call twice.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.bus.subs, s)
	s.closed = true
	close(s.ch)
}

// ring is a fixed-size event ring buffer.
type ring struct {
	buf   []Event
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) add(evt Event) {
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) snapshot() []Event {
	out := make([]Event, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
