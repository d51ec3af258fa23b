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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe(Filter{Types: []string{TypeWorkflowStarted}})
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: TypeWorkflowStarted, Source: "workflow", CorrelationID: "wf-1"})
	b.Publish(Event{Type: TypeStepCompleted, Source: "pipeline", CorrelationID: "wf-1"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, TypeWorkflowStarted, e.Type)
		assert.False(t, e.Timestamp.IsZero(), "bus must stamp timestamps")
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("non-matching event delivered: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOrder_SinglePublisher(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe(Filter{Source: "workflow"})
	defer b.Unsubscribe(sub)

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(Event{
			Type:    TypeProgressUpdate,
			Source:  "workflow",
			Payload: map[string]any{"seq": i},
		})
	}

	for i := 0; i < n; i++ {
		select {
		case e := <-sub.Events():
			assert.Equal(t, i, e.Payload["seq"], "events must arrive in publish order")
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestSubscriberOverflow(t *testing.T) {
	// Scenario: subscriber with queue size 4, publisher emits 1000 matching
	// events while the subscriber is paused. Expect overflow of 996, the 4
	// newest events retained, and the bus drop counter incremented.
	b := New(Options{QueueCapacity: 4})
	defer b.Close()

	sub := b.Subscribe(Filter{Types: []string{TypeNotification}})
	defer b.Unsubscribe(sub)

	for i := 0; i < 1000; i++ {
		b.Publish(Event{
			Type:    TypeNotification,
			Source:  "test",
			Payload: map[string]any{"seq": i},
		})
	}

	assert.Equal(t, uint64(996), sub.Overflow())
	assert.Equal(t, uint64(996), b.Metrics().Dropped)

	var got []int
	for i := 0; i < 4; i++ {
		select {
		case e := <-sub.Events():
			got = append(got, e.Payload["seq"].(int))
		case <-time.After(time.Second):
			t.Fatal("queue should hold 4 events")
		}
	}
	assert.Equal(t, []int{996, 997, 998, 999}, got, "the newest events survive overflow")
}

func TestEveryEventObservedOrCounted(t *testing.T) {
	// A matching subscriber either observes an event or its overflow
	// counter accounts for it, never neither.
	b := New(Options{QueueCapacity: 8})
	defer b.Close()

	sub := b.Subscribe(Filter{Source: "pipeline"})
	defer b.Unsubscribe(sub)

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(Event{Type: TypeStepCompleted, Source: "pipeline"})
	}

	observed := 0
	for {
		select {
		case <-sub.Events():
			observed++
		default:
			assert.Equal(t, uint64(n-observed), sub.Overflow())
			return
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe(Filter{})
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call must be a no-op

	assert.Equal(t, 0, b.Metrics().ActiveSubscriptions)

	// Channel is closed exactly once; receiving yields zero values.
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestHistory(t *testing.T) {
	b := New(Options{HistorySize: 5})
	defer b.Close()

	for i := 0; i < 8; i++ {
		b.Publish(Event{
			Type:    TypeProgressUpdate,
			Source:  "workflow",
			Payload: map[string]any{"seq": i},
		})
	}

	all := b.History(Filter{}, 0)
	require.Len(t, all, 5, "ring keeps only the newest events")
	assert.Equal(t, 3, all[0].Payload["seq"])
	assert.Equal(t, 7, all[4].Payload["seq"])

	limited := b.History(Filter{}, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, 6, limited[0].Payload["seq"])
	assert.Equal(t, 7, limited[1].Payload["seq"])
}

func TestHistoryFilter(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	b.Publish(Event{Type: TypePROpened, Source: "webhook", CorrelationID: "wf-1"})
	b.Publish(Event{Type: TypePROpened, Source: "webhook", CorrelationID: "wf-2"})
	b.Publish(Event{Type: TypeNotification, Source: "workflow", CorrelationID: "wf-1"})

	got := b.History(Filter{CorrelationID: "wf-1"}, 0)
	require.Len(t, got, 2)

	got = b.History(Filter{Types: []string{TypePROpened}, CorrelationID: "wf-1"}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "webhook", got[0].Source)
}

func TestRedaction(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe(Filter{})
	defer b.Unsubscribe(sub)

	b.Publish(Event{
		Type:   TypeNotification,
		Source: "workflow",
		Payload: map[string]any{
			"message":       "agent call failed",
			"agent_api_key": "sk-very-secret",
			"GithubToken":   "ghp-secret",
			"iteration":     2,
		},
	})

	e := <-sub.Events()
	assert.Equal(t, "[REDACTED]", e.Payload["agent_api_key"])
	assert.Equal(t, "[REDACTED]", e.Payload["GithubToken"])
	assert.Equal(t, "agent call failed", e.Payload["message"])
	assert.Equal(t, 2, e.Payload["iteration"])

	// History is stored redacted too.
	h := b.History(Filter{Types: []string{TypeNotification}}, 1)
	require.Len(t, h, 1)
	assert.Equal(t, "[REDACTED]", h[0].Payload["agent_api_key"])
}

func TestMetrics(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	s1 := b.Subscribe(Filter{Types: []string{TypeNotification}})
	s2 := b.Subscribe(Filter{Types: []string{TypePROpened}})
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish(Event{Type: TypeNotification, Source: "a"})
	b.Publish(Event{Type: TypeNotification, Source: "a"})

	m := b.Metrics()
	assert.Equal(t, uint64(2), m.Published)
	assert.Equal(t, uint64(2), m.Delivered, "only the matching subscriber counts")
	assert.Equal(t, uint64(0), m.Dropped)
	assert.Equal(t, 2, m.ActiveSubscriptions)
}

func TestConcurrentPublishers(t *testing.T) {
	b := New(Options{QueueCapacity: 4096})
	defer b.Close()

	sub := b.Subscribe(Filter{})
	defer b.Unsubscribe(sub)

	const publishers = 8
	const perPublisher = 100

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(Event{
					Type:    TypeProgressUpdate,
					Source:  fmt.Sprintf("pub-%d", p),
					Payload: map[string]any{"seq": i},
				})
			}
		}(p)
	}
	wg.Wait()

	// Per-publisher order must hold even with interleaving.
	lastSeq := make(map[string]int)
	for i := 0; i < publishers*perPublisher; i++ {
		e := <-sub.Events()
		seq := e.Payload["seq"].(int)
		if last, ok := lastSeq[e.Source]; ok {
			assert.Greater(t, seq, last, "per-publisher order violated for %s", e.Source)
		}
		lastSeq[e.Source] = seq
	}
	assert.Equal(t, uint64(publishers*perPublisher), b.Metrics().Published)
}

func TestCloseIdempotent(t *testing.T) {
	b := New(Options{})
	sub := b.Subscribe(Filter{})

	b.Close()
	b.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after close is a silent no-op.
	b.Publish(Event{Type: TypeNotification})
	assert.Equal(t, uint64(0), b.Metrics().Published)
}
