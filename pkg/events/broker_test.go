package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListener records LISTEN/UNLISTEN calls.
type fakeListener struct {
	mu         sync.Mutex
	listening  map[string]bool
	failListen bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{listening: make(map[string]bool)}
}

func (f *fakeListener) Subscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListen {
		return errors.New("listen failed")
	}
	f.listening[channel] = true
	return nil
}

func (f *fakeListener) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listening, channel)
	return nil
}

func (f *fakeListener) isListening(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening[channel]
}

func TestBroker_SubscribeBroadcast(t *testing.T) {
	broker := NewBroker(nil)
	listener := newFakeListener()
	broker.SetListener(listener)

	sub, err := broker.Subscribe(context.Background(), RunChannel("1"), 0)
	require.NoError(t, err)
	assert.True(t, listener.isListening("automation:run:1"), "first subscriber starts LISTEN")
	assert.Equal(t, 1, broker.SubscriberCount("automation:run:1"))

	broker.Broadcast("automation:run:1", []byte(`{"type":"automation.run.started"}`))

	select {
	case payload := <-sub.C:
		assert.JSONEq(t, `{"type":"automation.run.started"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("expected broadcast delivery")
	}
}

func TestBroker_BroadcastOtherChannelNotDelivered(t *testing.T) {
	broker := NewBroker(nil)
	sub, err := broker.Subscribe(context.Background(), RunChannel("1"), 0)
	require.NoError(t, err)

	broker.Broadcast(RunChannel("2"), []byte(`{}`))

	select {
	case <-sub.C:
		t.Fatal("unexpected delivery for other channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_UnsubscribeStopsListen(t *testing.T) {
	broker := NewBroker(nil)
	listener := newFakeListener()
	broker.SetListener(listener)

	sub1, err := broker.Subscribe(context.Background(), GlobalRunsChannel, 0)
	require.NoError(t, err)
	sub2, err := broker.Subscribe(context.Background(), GlobalRunsChannel, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, broker.SubscriberCount(GlobalRunsChannel))

	broker.Unsubscribe(sub1)
	assert.Equal(t, 1, broker.SubscriberCount(GlobalRunsChannel))
	assert.True(t, listener.isListening(GlobalRunsChannel), "LISTEN survives while subscribers remain")

	broker.Unsubscribe(sub2)
	assert.Eventually(t, func() bool {
		return !listener.isListening(GlobalRunsChannel)
	}, time.Second, 10*time.Millisecond, "last unsubscribe stops LISTEN")
}

func TestBroker_ListenFailureCleansUp(t *testing.T) {
	broker := NewBroker(nil)
	listener := newFakeListener()
	listener.failListen = true
	broker.SetListener(listener)

	_, err := broker.Subscribe(context.Background(), RunChannel("9"), 0)
	require.Error(t, err)
	assert.Equal(t, 0, broker.SubscriberCount(RunChannel("9")))
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker(nil)
	sub, err := broker.Subscribe(context.Background(), RunChannel("3"), 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer+10; i++ {
			broker.Broadcast(RunChannel("3"), []byte(`{"n":1}`))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on full subscriber buffer")
	}
	assert.Len(t, sub.ch, subscriptionBuffer, "excess events dropped, buffer intact")
}
