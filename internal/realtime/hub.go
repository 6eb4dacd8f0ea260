// Package realtime fans out change notifications and broadcast signals to
// in-process subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

// subscriberBuffer absorbs bursts such as a queue drain replaying many
// archives. Publishing never blocks; a full subscriber misses the message.
const subscriberBuffer = 256

var ErrHubClosed = errors.New("realtime: hub closed")

type Message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscriber struct {
	channel string
	ch      chan Message
	closed  atomic.Bool
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      atomic.Bool
	dropped     atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[*subscriber]struct{})}
}

// Publish delivers a message to every subscriber of channel.
func (h *Hub) Publish(channel, event string, payload json.RawMessage) {
	if h.closed.Load() {
		return
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		if sub.channel == channel {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()

	msg := Message{Channel: channel, Event: event, Payload: payload}
	for _, sub := range subs {
		h.trySend(sub, msg)
	}
}

// Subscribe returns a channel of messages for channel. It is closed when ctx
// ends, the returned cancel func runs, or the hub shuts down.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	if h.closed.Load() {
		return nil, nil, ErrHubClosed
	}
	sub := &subscriber{channel: channel, ch: make(chan Message, subscriberBuffer)}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-subCtx.Done()
		h.remove(sub)
	}()
	return sub.ch, cancel, nil
}

// Listen runs handler for every message on channel in its own goroutine until
// the returned func is called.
func (h *Hub) Listen(ctx context.Context, channel string, handler func(Message)) (func(), error) {
	messages, cancel, err := h.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	go func() {
		for msg := range messages {
			handler(msg)
		}
	}()
	return cancel, nil
}

// Subscribers counts live subscriptions to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for sub := range h.subscribers {
		if sub.channel == channel {
			count++
		}
	}
	return count
}

// Dropped counts messages discarded because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) Shutdown() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	h.subscribers = nil
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers == nil {
		return
	}
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

func (h *Hub) trySend(sub *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			sub.closed.Store(true)
		}
	}()
	if sub.closed.Load() {
		return
	}
	select {
	case sub.ch <- msg:
	default:
		h.dropped.Add(1)
	}
}
