package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tallyhall/api/internal/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusFansOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(context.Background(), Event{Type: EventVote, TopicID: "t1"})

	assert.Equal(t, "t1", (<-a).TopicID)
	assert.Equal(t, "t1", (<-b).TopicID)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	events, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(context.Background(), Event{TopicID: "first"})
	bus.Publish(context.Background(), Event{TopicID: "second"})

	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, "first", (<-events).TopicID)
}

func TestBusCancelAndClose(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)

	other, _ := bus.Subscribe(1)
	bus.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	bus.Publish(context.Background(), Event{TopicID: "ignored"})
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestForwardStopsWithContext(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	out := &recordingSink{err: errors.New("down")}

	ctx, cancel := context.WithCancel(context.Background())
	done := Forward(ctx, bus, out, nil)

	// Subscribe happens before Forward returns.
	bus.Publish(ctx, Event{TopicID: "t1"})
	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestRedisPublisher(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	pub := NewRedisPublisherWithClient(client, "")
	assert.Equal(t, "tallyhall:tally:t1", pub.Channel("t1"))

	ctx := context.Background()
	sub := client.Subscribe(ctx, pub.Channel("t1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	event := Event{
		Type:    EventVote,
		TopicID: "t1",
		Totals:  ledger.Totals{TopicID: "t1", TotalVotes: 2, Candidates: map[string]int{"A": 2}},
	}
	require.NoError(t, pub.Publish(ctx, event))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, EventVote, got.Type)
	assert.Equal(t, 2, got.Totals.TotalVotes)
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	_, err := NewRedisPublisher("not a url", "")
	assert.Error(t, err)
}
