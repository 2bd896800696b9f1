//go:build integration

package listings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/trustmarket/internal/pagination"
	"github.com/mbd888/trustmarket/internal/testutil"
)

func newPGPost(id, seller, category string, at time.Time) *Post {
	return &Post{
		ID: id, SellerID: seller, Title: "Item " + id, Price: "10.50",
		Category: category, CreatedAt: at, UpdatedAt: at,
	}
}

func TestPostgresStore_Posts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	ids := []string{
		"aaaaaaaa-0000-0000-0000-000000000001",
		"aaaaaaaa-0000-0000-0000-000000000002",
		"aaaaaaaa-0000-0000-0000-000000000003",
	}
	for i, id := range ids {
		if err := store.CreatePost(ctx, newPGPost(id, "seller", "bikes", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}
	}

	got, err := store.GetPost(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Price != "10.50" || got.ImageURL != "" || got.Sold {
		t.Errorf("unexpected post %+v", got)
	}
	if _, err := store.GetPost(ctx, "aaaaaaaa-0000-0000-0000-00000000000f"); !errors.Is(err, ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound, got %v", err)
	}

	got.ImageURL = "https://cdn.example.com/a.png"
	got.Price = "12.00"
	if err := store.UpdatePost(ctx, got); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkSold(ctx, ids[2]); err != nil {
		t.Fatal(err)
	}

	page, err := store.ListPosts(ctx, PostFilter{Category: "bikes"}, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Fatalf("first page = %v", page)
	}
	rest, err := store.ListPosts(ctx, PostFilter{Category: "bikes"}, &pagination.Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != ids[0] || rest[0].Price != "12.00" {
		t.Fatalf("second page = %v", rest)
	}

	all, err := store.ListPosts(ctx, PostFilter{IncludeSold: true}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 posts including sold, got %d", len(all))
	}
}

func TestPostgresStore_Orders(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	postID := "bbbbbbbb-0000-0000-0000-000000000001"
	if err := store.CreatePost(ctx, newPGPost(postID, "seller", "", now)); err != nil {
		t.Fatal(err)
	}

	for i, buyer := range []string{"buyer", "buyer", "other"} {
		o := &Order{
			ID:        "cccccccc-0000-0000-0000-00000000000" + string(rune('1'+i)),
			PostID:    postID,
			BuyerID:   buyer,
			SellerID:  "seller",
			Status:    OrderPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
		}
		if err := store.CreateOrder(ctx, o); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
	}

	err := store.CreateOrder(ctx, &Order{
		ID: "cccccccc-0000-0000-0000-0000000000ff", PostID: "bbbbbbbb-0000-0000-0000-00000000000f",
		BuyerID: "buyer", SellerID: "seller", Status: OrderPending, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound for unknown post, got %v", err)
	}

	pending, err := store.HasPendingOrders(ctx, postID, "buyer")
	if err != nil || !pending {
		t.Fatalf("HasPendingOrders before completion = %v, %v", pending, err)
	}

	n, err := store.CompleteOrders(ctx, postID, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 completed orders, got %d", n)
	}
	if pending, _ := store.HasPendingOrders(ctx, postID, "buyer"); pending {
		t.Error("buyer should have no pending orders after completion")
	}
	if pending, _ := store.HasPendingOrders(ctx, postID, "other"); !pending {
		t.Error("other buyer's order is still pending")
	}

	mine, err := store.ListOrdersByUser(ctx, "buyer", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range mine {
		if o.Status != OrderCompleted {
			t.Errorf("order %s status = %s", o.ID, o.Status)
		}
	}
	theirs, _ := store.GetOrder(ctx, "cccccccc-0000-0000-0000-000000000003")
	if theirs.Status != OrderPending {
		t.Errorf("other buyer's order = %s", theirs.Status)
	}
	sellerOrders, _ := store.ListOrdersByUser(ctx, "seller", 10)
	if len(sellerOrders) != 3 {
		t.Errorf("seller should see 3 orders, got %d", len(sellerOrders))
	}
}
