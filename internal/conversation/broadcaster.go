// ABOUTME: In-memory fan-out broadcaster for session activity events
// ABOUTME: Publishes node state changes to all subscribers of a session

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. Slow
// consumers drop events rather than stalling the publisher.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for SessionEvents. Subscribers
// register for a session key and receive node lifecycle events as they
// happen.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *SessionEvent // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *SessionEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given session. Returns
// a channel that receives events and a subscription ID. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan *SessionEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *SessionEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *SessionEvent)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given session.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *SessionEvent) {
	b.mu.RLock()
	subs, ok := b.subscribers[event.SessionID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy channels under read lock to avoid holding it during sends.
	targets := make([]chan *SessionEvent, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", event.SessionID,
				"kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Reading through a missing session key yields a nil map, which is
	// safe to index.
	ch, ok := b.subscribers[sessionID][subID]
	if !ok {
		return
	}

	delete(b.subscribers[sessionID], subID)
	close(ch)
	if len(b.subscribers[sessionID]) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("broadcaster closed")
}
