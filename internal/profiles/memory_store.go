package profiles

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory profile store for demo/development mode.
type MemoryStore struct {
	profiles map[string]*Profile
	reviews  map[string][]*Review // subject id -> reviews
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		reviews:  make(map[string][]*Review),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, p *Profile) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	cp.Reviews = nil
	if existing, ok := m.profiles[p.UserID]; ok {
		cp.Verified = existing.Verified
		cp.CreatedAt = existing.CreatedAt
	}
	m.profiles[p.UserID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if p, ok := m.profiles[id]; ok {
			names[id] = p.DisplayName
		}
	}
	return names, nil
}

func (m *MemoryStore) AddReview(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[r.SubjectID]; !ok {
		return ErrProfileNotFound
	}
	cp := *r
	m.reviews[r.SubjectID] = append(m.reviews[r.SubjectID], &cp)
	return nil
}

func (m *MemoryStore) ListReviews(ctx context.Context, subjectID string, limit int) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.reviews[subjectID]
	out := make([]*Review, 0, len(src))
	for _, r := range src {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
