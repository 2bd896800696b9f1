// Package listings manages posts (items for sale) and the orders buyers
// place against them. It answers the chat resolver's post and order
// lookups and settles completed deals.
package listings

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/pagination"
)

var (
	ErrPostNotFound  = fmt.Errorf("post %w", apperr.ErrNotFound)
	ErrOrderNotFound = fmt.Errorf("order %w", apperr.ErrNotFound)
	ErrPostSold      = fmt.Errorf("%w: post is already sold", apperr.ErrInvalidState)
	ErrOwnPost       = fmt.Errorf("%w: sellers cannot order their own post", apperr.ErrValidation)
	ErrNotSeller     = apperr.Unauthorized("only the seller can change this post")
	ErrNotOrderParty = apperr.Unauthorized("caller is not a party to this order")
)

// OrderStatus is the lifecycle position of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
)

// Post is an item offered for sale.
type Post struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"sellerId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	Category    string    `json:"category,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Sold        bool      `json:"sold"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Order is a buyer's intent to purchase a post.
type Order struct {
	ID        string      `json:"id"`
	PostID    string      `json:"postId"`
	BuyerID   string      `json:"buyerId"`
	SellerID  string      `json:"sellerId"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// IsParty reports whether userID is the order's buyer or seller.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// PostFilter narrows ListPosts.
type PostFilter struct {
	Category    string
	SellerID    string
	IncludeSold bool
}

// Store persists posts and orders.
type Store interface {
	CreatePost(ctx context.Context, post *Post) error
	GetPost(ctx context.Context, id string) (*Post, error)
	UpdatePost(ctx context.Context, post *Post) error
	// ListPosts returns posts newest first, starting after the cursor.
	ListPosts(ctx context.Context, filter PostFilter, after *pagination.Cursor, limit int) ([]*Post, error)
	// MarkSold sets the sold flag. Marking a sold post again is a no-op.
	MarkSold(ctx context.Context, id string) error

	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	// CompleteOrders marks the buyer's pending orders for a post completed
	// and returns how many changed.
	CompleteOrders(ctx context.Context, postID, buyerID string) (int, error)
	// HasPendingOrders reports whether the buyer has a pending order for the post.
	HasPendingOrders(ctx context.Context, postID, buyerID string) (bool, error)
}
