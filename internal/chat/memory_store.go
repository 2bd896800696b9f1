package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustmarket/internal/idgen"
	"github.com/mbd888/trustmarket/internal/pagination"
)

// InsertHook is called after a message is recorded, outside the store lock.
type InsertHook func(chatID, messageID string)

// MemoryStore is an in-memory chat store for demo/development mode.
type MemoryStore struct {
	chats    map[string]*Chat
	byTriple map[string]string     // post|low|high -> chat id
	messages map[string][]*Message // chat id -> timeline, insertion order
	byID     map[string]*Message
	commands map[string]string // chat id|key -> message id
	onInsert InsertHook
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory chat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*Chat),
		byTriple: make(map[string]string),
		messages: make(map[string][]*Message),
		byID:     make(map[string]*Message),
		commands: make(map[string]string),
	}
}

// OnInsert registers the hook fired for every recorded message.
func (m *MemoryStore) OnInsert(hook InsertHook) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInsert = hook
	return m
}

func tripleKey(postID string, participants []string) string {
	return postID + "|" + participants[0] + "|" + participants[1]
}

func (m *MemoryStore) CreateChat(ctx context.Context, chat *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tripleKey(chat.PostID, chat.ParticipantIDs)
	if _, exists := m.byTriple[key]; exists {
		return ErrDuplicateChat
	}
	m.byTriple[key] = chat.ID
	m.chats[chat.ID] = copyChat(chat)
	return nil
}

func (m *MemoryStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return copyChat(c), nil
}

func (m *MemoryStore) ListByPost(ctx context.Context, postID string) ([]*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Chat
	for _, c := range m.chats {
		if c.PostID == postID {
			result = append(result, copyChat(c))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Chat
	for _, c := range m.chats {
		if c.IsParticipant(userID) && after.OlderThan(c.CreatedAt, c.ID) {
			result = append(result, copyChat(c))
		}
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []DealStatus, afterID string, limit int) ([]*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[DealStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []*Chat
	for _, c := range m.chats {
		if want[c.DealStatus] && c.ID > afterID {
			result = append(result, copyChat(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Apply(ctx context.Context, cmd *Command) (*Result, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	c, ok := m.chats[cmd.ChatID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrChatNotFound
	}

	if cmd.IdempotencyKey != "" {
		if msgID, seen := m.commands[cmd.ChatID+"|"+cmd.IdempotencyKey]; seen {
			res := &Result{Chat: copyChat(c), Message: copyMessage(m.byID[msgID]), Replayed: true}
			m.mu.Unlock()
			return res, nil
		}
	}

	if err := cmd.check(c); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	msg := copyMessage(cmd.Append)
	if msg.ID == "" {
		msg.ID = idgen.Message()
	}
	msg.ChatID = cmd.ChatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	m.messages[cmd.ChatID] = append(m.messages[cmd.ChatID], msg)
	m.byID[msg.ID] = msg
	if cmd.IdempotencyKey != "" {
		m.commands[cmd.ChatID+"|"+cmd.IdempotencyKey] = msg.ID
	}
	cmd.apply(c, msg, now)

	res := &Result{Chat: copyChat(c), Message: copyMessage(msg)}
	hook := m.onInsert
	m.mu.Unlock()

	if hook != nil {
		hook(msg.ChatID, msg.ID)
	}
	return res, nil
}

func (m *MemoryStore) CommandMessage(ctx context.Context, chatID, key string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgID, ok := m.commands[chatID+"|"+key]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return copyMessage(m.byID[msgID]), nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.byID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return copyMessage(msg), nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timeline := m.messages[chatID]
	result := make([]*Message, 0, len(timeline))
	for _, msg := range timeline {
		result = append(result, copyMessage(msg))
	}
	// Insertion order breaks timestamp ties.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(chats []*Chat) {
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].CreatedAt.Equal(chats[j].CreatedAt) {
			return chats[i].ID > chats[j].ID
		}
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
