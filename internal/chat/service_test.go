package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/pagination"
	"github.com/mbd888/trustmarket/internal/retry"
)

type fakePosts map[string]string // post id -> owner

func (f fakePosts) PostOwner(_ context.Context, postID string) (string, error) {
	owner, ok := f[postID]
	if !ok {
		return "", fmt.Errorf("post %w", apperr.ErrNotFound)
	}
	return owner, nil
}

type fakeOrders map[string]*OrderParties

func (f fakeOrders) OrderParties(_ context.Context, orderID string) (*OrderParties, error) {
	p, ok := f[orderID]
	if !ok {
		return nil, fmt.Errorf("order %w", apperr.ErrNotFound)
	}
	return p, nil
}

type fakeNames map[string]string

func (f fakeNames) DisplayNames(_ context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range ids {
		if n, ok := f[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// racingStore simulates another instance inserting the same chat between
// our lookup and our insert.
type racingStore struct {
	*MemoryStore
	raced atomic.Bool
}

func (r *racingStore) CreateChat(ctx context.Context, c *Chat) error {
	if r.raced.CompareAndSwap(false, true) {
		winner := *c
		winner.ID = "winner"
		if err := r.MemoryStore.CreateChat(ctx, &winner); err != nil {
			return err
		}
	}
	return r.MemoryStore.CreateChat(ctx, c)
}

// flakyStore fails the first n ListByPost calls with a transport error.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) ListByPost(ctx context.Context, postID string) ([]*Chat, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.MemoryStore.ListByPost(ctx, postID)
}

func newTestService(store Store) *Service {
	posts := fakePosts{"post-1": "seller", "post-2": "seller"}
	return NewService(store, posts, slog.Default()).
		WithRetry(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
}

func TestResolve_CreatesOpenChat(t *testing.T) {
	svc := newTestService(NewMemoryStore())

	c, err := svc.Resolve(context.Background(), "post-1", "buyer", "seller")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.ID == "" {
		t.Fatal("expected chat id")
	}
	if c.DealStatus != StatusOpen {
		t.Errorf("expected open, got %s", c.DealStatus)
	}
	if c.BuyerID != "buyer" || c.SellerID != "seller" {
		t.Errorf("unexpected roles: buyer=%s seller=%s", c.BuyerID, c.SellerID)
	}
	if !c.HasParticipants("seller", "buyer") {
		t.Errorf("participants = %v", c.ParticipantIDs)
	}
}

func TestResolve_SameTripleReturnsSameChat(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "post-1", "buyer", "seller")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Resolve(ctx, "post-1", "buyer", "seller")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same chat, got %s and %s", first.ID, second.ID)
	}

	other, err := svc.Resolve(ctx, "post-2", "buyer", "seller")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("different post must get a different chat")
	}

	third, err := svc.Resolve(ctx, "post-1", "buyer-2", "seller")
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("different buyer must get a different chat")
	}
}

func TestResolve_ConcurrentCallsConverge(t *testing.T) {
	svc := newTestService(NewMemoryStore())

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := svc.Resolve(context.Background(), "post-1", "buyer", "seller")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent resolves returned different chats: %v", ids)
		}
	}
}

func TestResolve_InsertConflictRefetches(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore()}
	svc := newTestService(store)

	c, err := svc.Resolve(context.Background(), "post-1", "buyer", "seller")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.ID != "winner" {
		t.Errorf("expected the concurrently inserted chat, got %s", c.ID)
	}
}

func TestResolve_RetriesTransientStoreErrors(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	svc := newTestService(store)

	if _, err := svc.Resolve(context.Background(), "post-1", "buyer", "seller"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := store.calls.Load(); got != 3 {
		t.Errorf("expected 3 ListByPost calls, got %d", got)
	}
}

func TestResolve_ExhaustedRetriesArePersistenceErrors(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(10)
	svc := newTestService(store)

	_, err := svc.Resolve(context.Background(), "post-1", "buyer", "seller")
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if got := store.calls.Load(); got != 3 {
		t.Errorf("expected bounded attempts (3), got %d", got)
	}
}

func TestResolve_Validation(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name                string
		post, buyer, seller string
		want                error
	}{
		{"missing post", "", "buyer", "seller", apperr.ErrValidation},
		{"missing buyer", "post-1", "", "seller", apperr.ErrValidation},
		{"missing seller", "post-1", "buyer", "", apperr.ErrValidation},
		{"same party", "post-1", "seller", "seller", ErrSameParty},
		{"seller not owner", "post-1", "buyer", "someone-else", apperr.ErrValidation},
		{"unknown post", "post-9", "buyer", "seller", apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Resolve(ctx, tt.post, tt.buyer, tt.seller)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestOpen_UsesPostOwnerAsSeller(t *testing.T) {
	svc := newTestService(NewMemoryStore())

	c, err := svc.Open(context.Background(), "post-1", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if c.SellerID != "seller" {
		t.Errorf("expected seller from post owner, got %s", c.SellerID)
	}

	if _, err := svc.Open(context.Background(), "post-1", "seller"); !errors.Is(err, ErrSameParty) {
		t.Errorf("owner opening own post: expected ErrSameParty, got %v", err)
	}
}

func TestResolveOrder(t *testing.T) {
	orders := fakeOrders{"order-1": {PostID: "post-1", BuyerID: "buyer", SellerID: "seller"}}
	svc := newTestService(NewMemoryStore()).WithOrders(orders)
	ctx := context.Background()

	fromBuyer, err := svc.ResolveOrder(ctx, "order-1", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	fromSeller, err := svc.ResolveOrder(ctx, "order-1", "seller")
	if err != nil {
		t.Fatal(err)
	}
	if fromBuyer.ID != fromSeller.ID {
		t.Error("both parties should land in the same chat")
	}

	if _, err := svc.ResolveOrder(ctx, "order-1", "stranger"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
	if _, err := svc.ResolveOrder(ctx, "order-9", "buyer"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGet_ParticipantsOnly(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()
	c, _ := svc.Resolve(ctx, "post-1", "buyer", "seller")

	if _, err := svc.Get(ctx, c.ID, "buyer"); err != nil {
		t.Errorf("buyer: %v", err)
	}
	if _, err := svc.Get(ctx, c.ID, "seller"); err != nil {
		t.Errorf("seller: %v", err)
	}
	if _, err := svc.Get(ctx, c.ID, "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger: expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing", "buyer"); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("expected ErrChatNotFound, got %v", err)
	}
}

func TestListForUser_Paginates(t *testing.T) {
	store := NewMemoryStore()
	posts := fakePosts{}
	for i := 0; i < 5; i++ {
		posts[fmt.Sprintf("post-%d", i)] = "seller"
	}
	svc := NewService(store, posts, slog.Default())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := svc.Resolve(ctx, fmt.Sprintf("post-%d", i), "buyer", "seller"); err != nil {
			t.Fatal(err)
		}
	}

	seen := make(map[string]bool)
	page := pagination.Page{Limit: 2}
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		chats, next, err := svc.ListForUser(ctx, "buyer", page)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range chats {
			if seen[c.ID] {
				t.Fatalf("chat %s returned twice", c.ID)
			}
			seen[c.ID] = true
		}
		if next == "" {
			break
		}
		cursor, err := pagination.Decode(next)
		if err != nil {
			t.Fatal(err)
		}
		page.Cursor = cursor
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 chats across pages, got %d", len(seen))
	}

	chats, _, _ := svc.ListForUser(ctx, "stranger", pagination.Page{})
	if len(chats) != 0 {
		t.Errorf("stranger should see no chats, got %d", len(chats))
	}
}

func TestMessages_AttachesSenderNames(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store).WithNames(fakeNames{"buyer": "Bea"})
	ctx := context.Background()
	c, _ := svc.Resolve(ctx, "post-1", "buyer", "seller")

	for _, sender := range []string{"buyer", "seller"} {
		_, err := store.Apply(ctx, &Command{
			ChatID: c.ID,
			Append: &Message{SenderID: sender, Type: TypeText, Body: "hi from " + sender},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	views, err := svc.Messages(ctx, c.ID, "seller", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(views))
	}
	if views[0].SenderName != "Bea" {
		t.Errorf("expected Bea, got %q", views[0].SenderName)
	}
	if views[1].SenderName != "" {
		t.Errorf("unknown sender should have empty name, got %q", views[1].SenderName)
	}

	if _, err := svc.Messages(ctx, c.ID, "stranger", 0); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}

	one, err := svc.Message(ctx, views[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if one.Body != "hi from seller" {
		t.Errorf("unexpected body %q", one.Body)
	}
}
