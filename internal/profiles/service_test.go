package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/chat"
)

var _ chat.NameResolver = (*Service)(nil)

// setVerified flags a profile the way the verification provider would.
func (m *MemoryStore) setVerified(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[userID]; ok {
		p.Verified = true
	}
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, slog.Default()), store
}

func intPtr(v int) *int { return &v }

func TestUpsert(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	p, err := svc.Upsert(ctx, "alice", UpsertRequest{DisplayName: "  Alice  ", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if p.DisplayName != "Alice" || p.Verified {
		t.Errorf("unexpected profile %+v", p)
	}
	created := p.CreatedAt

	store.setVerified("alice")
	time.Sleep(time.Millisecond)
	p, err = svc.Upsert(ctx, "alice", UpsertRequest{DisplayName: "Alice B"})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Verified {
		t.Error("update should keep the verified flag")
	}
	if !p.CreatedAt.Equal(created) {
		t.Error("update should keep createdAt")
	}
	if p.Email != "" {
		t.Errorf("email should be cleared, got %q", p.Email)
	}
}

func TestUpsert_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name   string
		caller string
		req    UpsertRequest
		want   error
	}{
		{"anonymous", "", UpsertRequest{DisplayName: "x"}, apperr.ErrUnauthorized},
		{"blank name", "u", UpsertRequest{DisplayName: "   "}, apperr.ErrValidation},
		{"long name", "u", UpsertRequest{DisplayName: strings.Repeat("n", MaxDisplayNameLength+1)}, apperr.ErrValidation},
		{"bad email", "u", UpsertRequest{DisplayName: "x", Email: "not-an-email"}, apperr.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Upsert(ctx, tc.caller, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGet_HidesEmailFromOthers(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "alice", UpsertRequest{DisplayName: "Alice", Email: "alice@example.com"}); err != nil {
		t.Fatal(err)
	}

	own, err := svc.Get(ctx, "alice", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if own.Email != "alice@example.com" {
		t.Errorf("owner should see email, got %q", own.Email)
	}
	if own.Reviews == nil || len(own.Reviews) != 0 {
		t.Errorf("expected empty reviews, got %v", own.Reviews)
	}

	public, err := svc.Get(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if public.Email != "" {
		t.Errorf("email leaked to anonymous caller: %q", public.Email)
	}

	if _, err := svc.Get(ctx, "nobody", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAddReview(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "seller", UpsertRequest{DisplayName: "Sam"}); err != nil {
		t.Fatal(err)
	}

	r, err := svc.AddReview(ctx, "seller", "buyer", ReviewRequest{Kind: KindStructured, Text: "Great bike", Rating: intPtr(5)})
	if err != nil {
		t.Fatalf("AddReview structured: %v", err)
	}
	s, ok := r.Body.(Structured)
	if !ok || s.Rating != 5 || s.Body != "Great bike" {
		t.Errorf("unexpected body %#v", r.Body)
	}

	time.Sleep(time.Millisecond)
	if _, err := svc.AddReview(ctx, "seller", "other", ReviewRequest{Kind: KindPlain, Text: "Friendly"}); err != nil {
		t.Fatalf("AddReview plain: %v", err)
	}

	p, err := svc.Get(ctx, "seller", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(p.Reviews))
	}
	if _, ok := p.Reviews[0].Body.(PlainText); !ok {
		t.Errorf("newest review should be plain, got %#v", p.Reviews[0].Body)
	}
}

func TestAddReview_Errors(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "seller", UpsertRequest{DisplayName: "Sam"}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		subject string
		author  string
		req     ReviewRequest
		want    error
	}{
		{"self review", "seller", "seller", ReviewRequest{Kind: KindPlain, Text: "me"}, ErrSelfReview},
		{"anonymous", "seller", "", ReviewRequest{Kind: KindPlain, Text: "x"}, apperr.ErrUnauthorized},
		{"structured without rating", "seller", "buyer", ReviewRequest{Kind: KindStructured, Text: "x"}, apperr.ErrValidation},
		{"rating out of range", "seller", "buyer", ReviewRequest{Kind: KindStructured, Text: "x", Rating: intPtr(6)}, apperr.ErrValidation},
		{"plain with rating", "seller", "buyer", ReviewRequest{Kind: KindPlain, Text: "x", Rating: intPtr(3)}, apperr.ErrValidation},
		{"unknown kind", "seller", "buyer", ReviewRequest{Kind: "stars", Text: "x"}, apperr.ErrValidation},
		{"empty text", "seller", "buyer", ReviewRequest{Kind: KindPlain, Text: " "}, apperr.ErrValidation},
		{"unknown subject", "ghost", "buyer", ReviewRequest{Kind: KindPlain, Text: "x"}, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.AddReview(ctx, tc.subject, tc.author, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDisplayNames(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "alice", UpsertRequest{DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	names, err := svc.DisplayNames(ctx, []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if names["alice"] != "Alice" {
		t.Errorf("alice = %q", names["alice"])
	}
	if _, ok := names["bob"]; ok {
		t.Error("users without a profile should be omitted")
	}
}

func TestReviewJSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	structured := Review{ID: "r1", SubjectID: "s", AuthorID: "a", Body: Structured{Body: "good", Rating: 4}, CreatedAt: at}

	data, err := json.Marshal(structured)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["kind"] != "structured" || raw["rating"] != float64(4) {
		t.Errorf("unexpected wire form %s", data)
	}

	var back Review
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Body != (Structured{Body: "good", Rating: 4}) {
		t.Errorf("decoded body = %#v", back.Body)
	}

	plain, err := json.Marshal(Review{ID: "r2", Body: PlainText{Body: "ok"}, CreatedAt: at})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(plain), "rating") {
		t.Errorf("plain review should omit rating: %s", plain)
	}

	if err := json.Unmarshal([]byte(`{"id":"r3","text":"no kind"}`), &back); err == nil {
		t.Error("a review without a kind must not decode")
	}
	if _, err := json.Marshal(Review{ID: "r4"}); err == nil {
		t.Error("a review without a body must not encode")
	}
}
