package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedMessage(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Message{Type: MessageTrade, Body: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body)
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Message{Type: MessageTrade, Body: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestLaggedReportsDroppedCount(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(Message{Type: MessageTrade, Body: i})
	}

	assert.Equal(t, uint64(3), sub.Lagged(), "2 buffered + 3 dropped of 5 published")
	assert.Equal(t, uint64(0), sub.Lagged(), "Lagged resets the counter on read")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	sub.Unsubscribe()

	bus.Publish(Message{Type: MessageTrade, Body: "after unsubscribe"})
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestSubscriberCount(t *testing.T) {
	bus := New(4)
	assert.Equal(t, 0, bus.SubscriberCount())
	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())
	a.Unsubscribe()
	assert.Equal(t, 1, bus.SubscriberCount())
	b.Unsubscribe()
}
