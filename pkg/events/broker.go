package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// catchupLimit caps how many missed events one subscription replays.
// Past it, a catchup.overflow message tells the client to reload via
// the REST endpoints instead of paginating.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block during
// subscribe. Without it a stalled connection would hang the HTTP
// handler that called Subscribe.
const listenTimeout = 10 * time.Second

// subscriptionBuffer is the per-subscriber queue depth. A subscriber
// that falls this far behind starts losing events; SSE clients recover
// through reconnect + catchup.
const subscriptionBuffer = 64

// ChannelListener manages the underlying PG LISTEN state.
// Implemented by NotifyListener.
type ChannelListener interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Subscription is one SSE client's event feed.
type Subscription struct {
	ID      string
	Channel string
	C       <-chan []byte
	ch      chan []byte
}

// Broker fans NOTIFY payloads out to local SSE subscriptions. Each pod
// runs one Broker; the NotifyListener feeds it cross-pod events.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // channel → sub id → sub

	listener   ChannelListener
	listenerMu sync.RWMutex

	catchup *CatchupStore
}

// NewBroker creates a Broker. catchup may be nil to disable replay.
func NewBroker(catchup *CatchupStore) *Broker {
	return &Broker{
		subs:    make(map[string]map[string]*Subscription),
		catchup: catchup,
	}
}

// SetListener wires the NotifyListener after both are constructed.
func (b *Broker) SetListener(l ChannelListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listener = l
}

// Subscribe registers a new subscription on a channel. The first
// subscriber triggers LISTEN synchronously, so the catchup replay that
// follows cannot miss events published in between. lastEventID > 0
// replays persisted events after that id; 0 replays everything the
// channel retains.
func (b *Broker) Subscribe(ctx context.Context, channel string, lastEventID int64) (*Subscription, error) {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: channel,
		ch:      make(chan []byte, subscriptionBuffer),
	}
	sub.C = sub.ch

	b.mu.Lock()
	needsListen := false
	if _, exists := b.subs[channel]; !exists {
		b.subs[channel] = make(map[string]*Subscription)
		needsListen = true
	}
	b.subs[channel][sub.ID] = sub
	b.mu.Unlock()

	if needsListen {
		b.listenerMu.RLock()
		l := b.listener
		b.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				b.removeSub(sub)
				return nil, fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	if b.catchup != nil {
		if err := b.replayCatchup(ctx, sub, lastEventID); err != nil {
			slog.Error("Catchup replay failed", "channel", channel, "error", err)
		}
	}
	return sub, nil
}

// Unsubscribe removes a subscription and stops LISTEN when the last
// subscriber of a channel leaves.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if b.removeSub(sub) {
		b.listenerMu.RLock()
		l := b.listener
		b.listenerMu.RUnlock()
		if l == nil {
			return
		}
		// Re-check before UNLISTEN: a rapid unsubscribe/resubscribe
		// cycle must not drop an active LISTEN.
		go func() {
			b.mu.RLock()
			_, resubscribed := b.subs[sub.Channel]
			b.mu.RUnlock()
			if resubscribed {
				return
			}
			if err := l.Unsubscribe(context.Background(), sub.Channel); err != nil {
				slog.Error("Failed to UNLISTEN channel", "channel", sub.Channel, "error", err)
			}
		}()
	}
}

// removeSub deletes the subscription and reports whether it was the
// channel's last one.
func (b *Broker) removeSub(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, exists := b.subs[sub.Channel]
	if !exists {
		return false
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.subs, sub.Channel)
		return true
	}
	return false
}

// Broadcast delivers a payload to every local subscriber of a channel.
// Slow subscribers are skipped, never blocked on.
func (b *Broker) Broadcast(channel string, payload []byte) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- payload:
		default:
			slog.Warn("Dropping event for slow subscriber",
				"subscription_id", sub.ID, "channel", channel)
		}
	}
}

// SubscriberCount returns the number of subscribers on a channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// replayCatchup queues missed persisted events onto a fresh
// subscription, injecting db_event_id so the client can track its
// position. The stored payload does not carry db_event_id; it is only
// added at NOTIFY time.
func (b *Broker) replayCatchup(ctx context.Context, sub *Subscription, sinceID int64) error {
	stored, err := b.catchup.EventsSince(ctx, sub.Channel, sinceID, catchupLimit+1)
	if err != nil {
		return err
	}

	hasMore := len(stored) > catchupLimit
	if hasMore {
		stored = stored[:catchupLimit]
	}

	for _, evt := range stored {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			return fmt.Errorf("subscription buffer full during catchup")
		}
	}

	if hasMore {
		overflow, _ := json.Marshal(map[string]any{
			"type":     "catchup.overflow",
			"channel":  sub.Channel,
			"has_more": true,
		})
		select {
		case sub.ch <- overflow:
		default:
		}
	}
	return nil
}
