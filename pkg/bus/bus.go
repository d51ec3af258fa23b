// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultQueueCapacity is the per-subscriber queue depth when none is given.
const DefaultQueueCapacity = 1024

// DefaultHistorySize is the number of events retained for replay.
const DefaultHistorySize = 1000

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published           uint64 `json:"published"`
	Delivered           uint64 `json:"delivered"`
	Dropped             uint64 `json:"dropped"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
}

// Options configures a Bus.
type Options struct {
	// QueueCapacity is the per-subscriber queue depth. Default 1024.
	QueueCapacity int

	// HistorySize is the replay ring buffer size. Default 1000.
	HistorySize int

	// Registerer receives the bus's Prometheus collectors.
	// Nil disables metric registration (counters still work).
	Registerer prometheus.Registerer

	// Logger for overflow and lifecycle logging. Nil uses slog.Default.
	Logger *slog.Logger
}

// Bus is the in-process pub/sub hub.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	history *ring
	closed  bool

	queueCap int
	logger   *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	promPublished prometheus.Counter
	promDelivered prometheus.Counter
	promDropped   prometheus.Counter
	promSubs      prometheus.Gauge
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Bus{
		subs:     make(map[string]*Subscription),
		history:  newRing(opts.HistorySize),
		queueCap: opts.QueueCapacity,
		logger:   opts.Logger,
		promPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentci_bus_events_published_total",
			Help: "Events accepted by the bus.",
		}),
		promDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentci_bus_events_delivered_total",
			Help: "Events enqueued to subscriber queues.",
		}),
		promDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentci_bus_events_dropped_total",
			Help: "Events dropped due to subscriber queue overflow.",
		}),
		promSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentci_bus_active_subscriptions",
			Help: "Currently active subscriptions.",
		}),
	}

	if opts.Registerer != nil {
		opts.Registerer.MustRegister(b.promPublished, b.promDelivered, b.promDropped, b.promSubs)
	}

	return b
}

// Publish enqueues the event in every matching subscriber queue and records
// it in the replay buffer. It returns once enqueueing is done; no consumer
// confirmation is awaited. Sensitive payload keys are redacted first.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Payload = redactPayload(e.Payload)

	// Writer lock: the history ring is mutated here, and holding the lock
	// across fan-out keeps a single publisher's events ordered per subscriber.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.history.add(e)
	b.published.Add(1)
	b.promPublished.Inc()

	for _, sub := range b.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		delivered, droppedOldest := sub.enqueue(e)
		if delivered {
			b.delivered.Add(1)
			b.promDelivered.Inc()
		}
		if droppedOldest {
			b.dropped.Add(1)
			b.promDropped.Inc()
		}
	}
}

// Subscribe registers a new subscription for events passing the filter.
// The returned subscription owns a bounded queue; consume it via Events().
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		filter: filter,
		ch:     make(chan Event, b.queueCap),
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	b.promSubs.Set(float64(len(b.subs)))
	return sub
}

// Unsubscribe removes the subscription and releases its queue. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	_, present := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.promSubs.Set(float64(len(b.subs)))
	b.mu.Unlock()

	if present {
		sub.close()
	}
}

// History returns up to limit most recent events matching the filter,
// oldest first. limit <= 0 returns all retained matches.
func (b *Bus) History(filter Filter, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	all := b.history.snapshot()
	matched := make([]Event, 0, len(all))
	for _, e := range all {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()

	return Metrics{
		Published:           b.published.Load(),
		Delivered:           b.delivered.Load(),
		Dropped:             b.dropped.Load(),
		ActiveSubscriptions: active,
	}
}

// Close shuts the bus down, closing every subscription. Publish becomes a
// no-op afterwards. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
	b.promSubs.Set(0)
}

// Subscription is a handle to one subscriber's bounded event queue.
type Subscription struct {
	id     string
	filter Filter
	bus    *Bus

	mu     sync.Mutex
	ch     chan Event
	closed bool

	overflow atomic.Uint64
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the subscription's delivery channel. The channel is closed
// by Unsubscribe or bus shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Overflow returns the number of events dropped because this subscription's
// queue was full.
func (s *Subscription) Overflow() uint64 {
	return s.overflow.Load()
}

// enqueue adds the event to the queue, dropping the oldest undelivered event
// when full. Reports whether the event was enqueued and whether an older
// event was dropped to make room.
func (s *Subscription) enqueue(e Event) (delivered, droppedOldest bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}

	for {
		select {
		case s.ch <- e:
			return true, droppedOldest
		default:
		}
		// Queue full: drop the oldest undelivered event. The consumer may
		// race us for the head, so loop until the send succeeds.
		select {
		case <-s.ch:
			s.overflow.Add(1)
			droppedOldest = true
		default:
		}
	}
}

// close closes the delivery channel. Safe to call more than once.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// ring is a fixed-size event ring buffer for replay.
type ring struct {
	events []Event
	next   int
	full   bool
}

func newRing(size int) *ring {
	return &ring{events: make([]Event, size)}
}

func (r *ring) add(e Event) {
	r.events[r.next] = e
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns retained events oldest first.
func (r *ring) snapshot() []Event {
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}
