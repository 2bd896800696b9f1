package negotiation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mbd888/trustmarket/internal/chat"
)

// ErrNoFeed is returned by Watch when the engine has no insert feed.
var ErrNoFeed = errors.New("live updates are not configured")

// Feed delivers the ids of messages inserted into a chat.
type Feed interface {
	SubscribeInserts(ctx context.Context, chatID string) (<-chan string, func(), error)
}

// Timeline is a live, ordered view of a chat's messages.
type Timeline struct {
	chatID   string
	mu       sync.Mutex
	messages []*chat.MessageView
	seen     map[string]bool
	updates  chan *chat.MessageView
	cancel   func()
	done     chan struct{}
	once     sync.Once
}

// Watch loads the chat's history and keeps the returned Timeline current
// until Close or ctx is done. Only participants may watch.
func (e *Engine) Watch(ctx context.Context, chatID, callerID string) (*Timeline, error) {
	if e.feed == nil {
		return nil, ErrNoFeed
	}
	if _, err := e.chats.Load(ctx, chatID, callerID); err != nil {
		return nil, err
	}

	// Subscribe before loading history so no insert falls in between.
	ctx, stop := context.WithCancel(ctx)
	ids, unsubscribe, err := e.feed.SubscribeInserts(ctx, chatID)
	if err != nil {
		stop()
		return nil, err
	}

	history, err := e.chats.Messages(ctx, chatID, callerID, 0)
	if err != nil {
		unsubscribe()
		stop()
		return nil, err
	}

	t := &Timeline{
		chatID:  chatID,
		seen:    make(map[string]bool, len(history)),
		updates: make(chan *chat.MessageView, 16),
		done:    make(chan struct{}),
	}
	for _, m := range history {
		t.seen[m.ID] = true
		t.messages = append(t.messages, m)
	}
	t.cancel = func() {
		unsubscribe()
		stop()
	}

	go e.follow(ctx, t, ids)
	return t, nil
}

func (e *Engine) follow(ctx context.Context, t *Timeline, ids <-chan string) {
	defer close(t.done)
	defer close(t.updates)

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				return
			}
			if t.has(id) {
				continue
			}
			msg, err := e.chats.Message(ctx, id)
			if err != nil {
				e.logger.Warn("timeline fetch failed", "chatId", t.chatID, "messageId", id, "error", err)
				continue
			}
			if !t.add(msg) {
				continue
			}
			select {
			case t.updates <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *Timeline) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[id]
}

// add inserts msg in timestamp order. Reports false for duplicates.
func (t *Timeline) add(msg *chat.MessageView) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen[msg.ID] {
		return false
	}
	t.seen[msg.ID] = true
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	t.messages = append(t.messages, nil)
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	return true
}

// Messages returns a snapshot of the ordered timeline.
func (t *Timeline) Messages() []*chat.MessageView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*chat.MessageView(nil), t.messages...)
}

// Updates delivers each newly inserted message once. It closes when the
// timeline stops.
func (t *Timeline) Updates() <-chan *chat.MessageView { return t.updates }

// Close stops following the chat and waits for the follower to exit.
func (t *Timeline) Close() {
	t.once.Do(t.cancel)
	<-t.done
}
