// Package realtime delivers chat message insert notifications.
//
// The Hub fans insert events out to per-chat subscribers inside one
// process. Events enter the hub from the in-memory chat store hook or,
// when Postgres is the record store, from a PGListener relaying
// pg_notify from every server instance.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHubStopped is returned when subscribing after the hub has shut down.
var ErrHubStopped = errors.New("realtime hub stopped")

// InsertEvent announces that a message was recorded in a chat.
type InsertEvent struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	At        time.Time `json:"at"`
}

// Subscription receives insert events for one chat.
type Subscription struct {
	chatID string
	events chan InsertEvent
}

// ChatID returns the chat this subscription watches.
func (s *Subscription) ChatID() string { return s.chatID }

// Events yields insert events. The channel is closed when the subscription
// ends (unsubscribe, slow consumer, or hub shutdown).
func (s *Subscription) Events() <-chan InsertEvent { return s.events }

// MaxSubscriptions bounds concurrent subscriptions per process.
const MaxSubscriptions = 10000

// subscriberBuffer is the per-subscription queue; a subscriber that falls
// this far behind is dropped.
const subscriberBuffer = 64

// Hub routes insert events to chat subscribers.
type Hub struct {
	topics     map[string]map[*Subscription]struct{}
	broadcast  chan InsertEvent
	register   chan *Subscription
	unregister chan *Subscription
	mu         sync.RWMutex
	logger     *slog.Logger
	started    chan struct{} // closed when Run starts
	done       chan struct{} // closed when Run exits
	startOnce  sync.Once
	maxSubs    int

	// Stats
	totalEvents  atomic.Int64
	totalSubs    atomic.Int64
	droppedSlow  atomic.Int64
	droppedEvent atomic.Int64
}

// NewHub creates a new hub. Call Run before subscribing.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		topics:     make(map[string]map[*Subscription]struct{}),
		broadcast:  make(chan InsertEvent, 1024),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		logger:     logger,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
		maxSubs:    MaxSubscriptions,
	}
}

// Run starts the hub's main loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.startOnce.Do(func() { close(h.started) })
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for chatID, subs := range h.topics {
				for sub := range subs {
					close(sub.events)
				}
				delete(h.topics, chatID)
			}
			h.mu.Unlock()
			h.logger.Info("realtime hub stopped")
			return

		case sub := <-h.register:
			h.mu.Lock()
			subs, ok := h.topics[sub.chatID]
			if !ok {
				subs = make(map[*Subscription]struct{})
				h.topics[sub.chatID] = subs
			}
			subs[sub] = struct{}{}
			h.mu.Unlock()
			h.totalSubs.Add(1)
			h.logger.Debug("chat subscription added", "chatId", sub.chatID)

		case sub := <-h.unregister:
			h.remove(sub)

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Subscription
			for sub := range h.topics[ev.ChatID] {
				select {
				case sub.events <- ev:
				default:
					slow = append(slow, sub)
				}
			}
			h.mu.RUnlock()
			for _, sub := range slow {
				h.droppedSlow.Add(1)
				h.logger.Warn("dropping slow chat subscriber", "chatId", sub.chatID)
				h.remove(sub)
			}
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.chatID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.events)
	if len(subs) == 0 {
		delete(h.topics, sub.chatID)
	}
}

// Subscribe registers interest in inserts for chatID.
func (h *Hub) Subscribe(ctx context.Context, chatID string) (*Subscription, error) {
	select {
	case <-h.done:
		return nil, ErrHubStopped
	default:
	}
	if h.count() >= h.maxSubs {
		return nil, errors.New("too many chat subscriptions")
	}

	sub := &Subscription{chatID: chatID, events: make(chan InsertEvent, subscriberBuffer)}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe ends sub. Safe to call more than once and after shutdown.
func (h *Hub) Unsubscribe(sub *Subscription) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// SubscribeInserts adapts Subscribe to a channel of message ids plus a
// cancel function.
func (h *Hub) SubscribeInserts(ctx context.Context, chatID string) (<-chan string, func(), error) {
	sub, err := h.Subscribe(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	ids := make(chan string, subscriberBuffer)
	stop := make(chan struct{})
	go func() {
		defer close(ids)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				select {
				case ids <- ev.MessageID:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			h.Unsubscribe(sub)
		})
	}
	return ids, cancel, nil
}

// PublishInsert announces a recorded message. It never blocks; events are
// dropped (and counted) when the hub is saturated.
func (h *Hub) PublishInsert(chatID, messageID string) {
	ev := InsertEvent{ChatID: chatID, MessageID: messageID, At: time.Now()}
	select {
	case h.broadcast <- ev:
	default:
		h.droppedEvent.Add(1)
		h.logger.Warn("broadcast channel full, dropping insert event", "chatId", chatID, "messageId", messageID)
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// Running reports whether Run is active.
func (h *Hub) Running() bool {
	select {
	case <-h.started:
	default:
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	topics := len(h.topics)
	h.mu.RUnlock()

	return map[string]interface{}{
		"activeChats":         topics,
		"activeSubscriptions": h.count(),
		"totalEvents":         h.totalEvents.Load(),
		"totalSubscriptions":  h.totalSubs.Load(),
		"droppedSubscribers":  h.droppedSlow.Load(),
		"droppedEvents":       h.droppedEvent.Load(),
	}
}
