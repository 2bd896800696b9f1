package listings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustmarket/internal/pagination"
)

// MemoryStore is an in-memory listings store for demo/development mode.
type MemoryStore struct {
	posts  map[string]*Post
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory listings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:  make(map[string]*Post),
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) CreatePost(ctx context.Context, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *post
	m.posts[post.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPost(ctx context.Context, id string) (*Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, ErrPostNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdatePost(ctx context.Context, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[post.ID]; !ok {
		return ErrPostNotFound
	}
	cp := *post
	m.posts[post.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPosts(ctx context.Context, filter PostFilter, after *pagination.Cursor, limit int) ([]*Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Post
	for _, p := range m.posts {
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if filter.SellerID != "" && p.SellerID != filter.SellerID {
			continue
		}
		if p.Sold && !filter.IncludeSold {
			continue
		}
		if after != nil && !before(p.CreatedAt, p.ID, after) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// before reports whether (at, id) sorts strictly after the cursor in
// newest-first order.
func before(at time.Time, id string, c *pagination.Cursor) bool {
	if at.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return at.Before(c.CreatedAt)
}

func (m *MemoryStore) MarkSold(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrPostNotFound
	}
	if !p.Sold {
		p.Sold = true
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[order.PostID]; !ok {
		return ErrPostNotFound
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.IsParty(userID) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) HasPendingOrders(ctx context.Context, postID, buyerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.PostID == postID && o.BuyerID == buyerID && o.Status == OrderPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CompleteOrders(ctx context.Context, postID, buyerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	n := 0
	for _, o := range m.orders {
		if o.PostID == postID && o.BuyerID == buyerID && o.Status == OrderPending {
			o.Status = OrderCompleted
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
