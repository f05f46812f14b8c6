// Package notify carries tally change events out of the coordinator. The
// Bus fans events out to in-process subscribers without blocking the
// publisher; a Forwarder relays them to Redis pub/sub for other processes.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tallyhall/api/internal/ledger"
)

type EventType string

const (
	EventVote    EventType = "vote"
	EventRevoke  EventType = "revoke"
	EventRebuild EventType = "rebuild"
	EventSeed    EventType = "seed"
)

// Event describes one committed change to a topic's tally.
type Event struct {
	Type               EventType     `json:"type"`
	TopicID            string        `json:"topic_id"`
	UserID             string        `json:"user_id,omitempty"`
	Action             string        `json:"action,omitempty"`
	Totals             ledger.Totals `json:"totals"`
	ReconciliationHash string        `json:"reconciliation_hash,omitempty"`
	AnchorStatus       string        `json:"anchor_status,omitempty"`
	At                 time.Time     `json:"at"`
}

type subscriber struct {
	ch chan Event
}

// Bus is an in-process fan-out. A subscriber whose buffer is full misses
// the event; Dropped counts those misses.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Publish never blocks.
func (b *Bus) Publish(_ context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
