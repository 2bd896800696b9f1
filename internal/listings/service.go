package listings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/blobstore"
	"github.com/mbd888/trustmarket/internal/chat"
	"github.com/mbd888/trustmarket/internal/idgen"
	"github.com/mbd888/trustmarket/internal/metrics"
	"github.com/mbd888/trustmarket/internal/money"
	"github.com/mbd888/trustmarket/internal/pagination"
	"github.com/mbd888/trustmarket/internal/retry"
	"github.com/mbd888/trustmarket/internal/validation"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
	MaxCategoryLength    = 64
)

// CreatePostRequest contains the fields of a new post.
type CreatePostRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Price       string `json:"price" binding:"required"`
	Category    string `json:"category"`
}

// UpdatePostRequest changes a post. Nil fields are left alone.
type UpdatePostRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Price       *string `json:"price"`
	Category    *string `json:"category"`
}

// ErrUploadsDisabled is returned by UploadImage without a blob store.
var ErrUploadsDisabled = errors.New("image uploads are not configured")

// Service implements listings business logic.
type Service struct {
	store  Store
	blobs  blobstore.Store
	retry  retry.Policy
	logger *slog.Logger
}

// NewService creates a new listings service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, retry: retry.DefaultPolicy, logger: logger}
}

// WithBlobs enables image uploads.
func (s *Service) WithBlobs(blobs blobstore.Store) *Service {
	s.blobs = blobs
	return s
}

// WithRetry sets the retry policy for store calls.
func (s *Service) WithRetry(p retry.Policy) *Service {
	s.retry = p
	return s
}

// CreatePost lists a new item for sellerID.
func (s *Service) CreatePost(ctx context.Context, sellerID string, req CreatePostRequest) (*Post, error) {
	if sellerID == "" {
		return nil, apperr.Unauthorized("an identified caller is required")
	}
	title := validation.SanitizeString(req.Title, MaxTitleLength+1)
	description := validation.SanitizeString(req.Description, MaxDescriptionLength+1)
	category := strings.ToLower(validation.SanitizeString(req.Category, MaxCategoryLength+1))
	if err := invalid(validation.Validate(
		validation.Required("title", title),
		validation.MaxLength("title", title, MaxTitleLength),
		validation.MaxLength("description", description, MaxDescriptionLength),
		validation.MaxLength("category", category, MaxCategoryLength),
		validation.Required("price", req.Price),
		validation.ValidAmount("price", req.Price),
	)); err != nil {
		return nil, err
	}
	price, err := normalizePrice(req.Price)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	post := &Post{
		ID:          idgen.New(),
		SellerID:    sellerID,
		Title:       title,
		Description: description,
		Price:       price,
		Category:    category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = retry.Do(ctx, s.retry, func() error {
		return apperr.Store("create post", s.store.CreatePost(ctx, post))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("post created", "postId", post.ID, "seller", sellerID, "price", price)
	return post, nil
}

// GetPost returns a post by id.
func (s *Service) GetPost(ctx context.Context, id string) (*Post, error) {
	return retry.Get(ctx, s.retry, func() (*Post, error) {
		p, err := s.store.GetPost(ctx, id)
		return p, apperr.Store("get post", err)
	})
}

// ListPosts returns a page of posts newest first and the next cursor.
func (s *Service) ListPosts(ctx context.Context, filter PostFilter, page pagination.Page) ([]*Post, string, error) {
	posts, err := retry.Get(ctx, s.retry, func() ([]*Post, error) {
		p, err := s.store.ListPosts(ctx, filter, page.Cursor, page.Limit+1)
		return p, apperr.Store("list posts", err)
	})
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(posts) > page.Limit {
		posts = posts[:page.Limit]
		last := posts[len(posts)-1]
		next = pagination.Encode(last.CreatedAt, last.ID)
	}
	return posts, next, nil
}

// UpdatePost applies req to an unsold post owned by callerID.
func (s *Service) UpdatePost(ctx context.Context, id, callerID string, req UpdatePostRequest) (*Post, error) {
	post, err := s.ownedPost(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if post.Sold {
		return nil, ErrPostSold
	}

	if req.Title != nil {
		title := validation.SanitizeString(*req.Title, MaxTitleLength+1)
		if err := invalid(validation.Validate(
			validation.Required("title", title),
			validation.MaxLength("title", title, MaxTitleLength),
		)); err != nil {
			return nil, err
		}
		post.Title = title
	}
	if req.Description != nil {
		description := validation.SanitizeString(*req.Description, MaxDescriptionLength+1)
		if err := invalid(validation.Validate(validation.MaxLength("description", description, MaxDescriptionLength))); err != nil {
			return nil, err
		}
		post.Description = description
	}
	if req.Price != nil {
		if err := invalid(validation.Validate(
			validation.Required("price", *req.Price),
			validation.ValidAmount("price", *req.Price),
		)); err != nil {
			return nil, err
		}
		price, err := normalizePrice(*req.Price)
		if err != nil {
			return nil, err
		}
		post.Price = price
	}
	if req.Category != nil {
		category := strings.ToLower(validation.SanitizeString(*req.Category, MaxCategoryLength+1))
		if err := invalid(validation.Validate(validation.MaxLength("category", category, MaxCategoryLength))); err != nil {
			return nil, err
		}
		post.Category = category
	}
	post.UpdatedAt = time.Now().UTC()

	err = retry.Do(ctx, s.retry, func() error {
		return apperr.Store("update post", s.store.UpdatePost(ctx, post))
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// MarkSold lets the seller close a listing.
func (s *Service) MarkSold(ctx context.Context, id, callerID string) (*Post, error) {
	if _, err := s.ownedPost(ctx, id, callerID); err != nil {
		return nil, err
	}
	err := retry.Do(ctx, s.retry, func() error {
		return apperr.Store("mark sold", s.store.MarkSold(ctx, id))
	})
	if err != nil {
		return nil, err
	}
	return s.GetPost(ctx, id)
}

// UploadImage stores an image for the post and records its public URL.
func (s *Service) UploadImage(ctx context.Context, id, callerID, contentType string, body io.Reader, size int64) (*Post, error) {
	if s.blobs == nil {
		return nil, ErrUploadsDisabled
	}
	post, err := s.ownedPost(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if err := blobstore.CheckImage(contentType, size); err != nil {
		metrics.BlobUploadsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}

	key := blobstore.ImageKey(post.ID, contentType, time.Now())
	url, err := s.blobs.Put(ctx, key, contentType, body, size)
	if errors.Is(err, blobstore.ErrTooLarge) {
		metrics.BlobUploadsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if err != nil {
		metrics.BlobUploadsTotal.WithLabelValues("failed").Inc()
		return nil, apperr.Store("upload image", err)
	}
	metrics.BlobUploadsTotal.WithLabelValues("ok").Inc()

	post.ImageURL = url
	post.UpdatedAt = time.Now().UTC()
	err = retry.Do(ctx, s.retry, func() error {
		return apperr.Store("update post", s.store.UpdatePost(ctx, post))
	})
	if err != nil {
		// The post still points at the old image; drop the orphan.
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.logger.Warn("orphaned post image", "postId", post.ID, "key", key, "error", delErr)
		}
		return nil, err
	}
	return post, nil
}

// CreateOrder records buyerID's intent to buy the post.
func (s *Service) CreateOrder(ctx context.Context, buyerID, postID string) (*Order, error) {
	if buyerID == "" {
		return nil, apperr.Unauthorized("an identified caller is required")
	}
	if err := invalid(validation.Validate(
		validation.Required("postId", postID),
		validation.ValidID("postId", postID),
	)); err != nil {
		return nil, err
	}
	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.SellerID == buyerID {
		return nil, ErrOwnPost
	}
	if post.Sold {
		return nil, ErrPostSold
	}

	now := time.Now().UTC()
	order := &Order{
		ID:        idgen.New(),
		PostID:    post.ID,
		BuyerID:   buyerID,
		SellerID:  post.SellerID,
		Status:    OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = retry.Do(ctx, s.retry, func() error {
		return apperr.Store("create order", s.store.CreateOrder(ctx, order))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created", "orderId", order.ID, "postId", post.ID, "buyer", buyerID)
	return order, nil
}

// GetOrder returns an order to one of its parties.
func (s *Service) GetOrder(ctx context.Context, id, callerID string) (*Order, error) {
	o, err := retry.Get(ctx, s.retry, func() (*Order, error) {
		o, err := s.store.GetOrder(ctx, id)
		return o, apperr.Store("get order", err)
	})
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrNotOrderParty
	}
	return o, nil
}

// ListOrders returns the caller's orders as buyer or seller.
func (s *Service) ListOrders(ctx context.Context, callerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	return retry.Get(ctx, s.retry, func() ([]*Order, error) {
		o, err := s.store.ListOrdersByUser(ctx, callerID, limit)
		return o, apperr.Store("list orders", err)
	})
}

// PostOwner returns the seller of a post.
func (s *Service) PostOwner(ctx context.Context, postID string) (string, error) {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return "", err
	}
	return p.SellerID, nil
}

// OrderParties returns the (post, buyer, seller) triple of an order.
func (s *Service) OrderParties(ctx context.Context, orderID string) (*chat.OrderParties, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &chat.OrderParties{PostID: o.PostID, BuyerID: o.BuyerID, SellerID: o.SellerID}, nil
}

// SettleDeal marks the post sold and completes the buyer's pending orders
// for it. Safe to repeat.
func (s *Service) SettleDeal(ctx context.Context, postID, buyerID string) error {
	err := retry.Do(ctx, s.retry, func() error {
		return apperr.Store("mark sold", s.store.MarkSold(ctx, postID))
	})
	if err != nil {
		return err
	}
	n, err := retry.Get(ctx, s.retry, func() (int, error) {
		n, err := s.store.CompleteOrders(ctx, postID, buyerID)
		return n, apperr.Store("complete orders", err)
	})
	if err != nil {
		return err
	}
	s.logger.Info("deal settled", "postId", postID, "buyer", buyerID, "ordersCompleted", n)
	return nil
}

// IsSettled reports whether a completed deal's post is marked sold and the
// buyer has no pending order left for it.
func (s *Service) IsSettled(ctx context.Context, postID, buyerID string) (bool, error) {
	p, err := s.GetPost(ctx, postID)
	if err != nil {
		return false, err
	}
	if !p.Sold {
		return false, nil
	}
	pending, err := retry.Get(ctx, s.retry, func() (bool, error) {
		pending, err := s.store.HasPendingOrders(ctx, postID, buyerID)
		return pending, apperr.Store("pending orders", err)
	})
	if err != nil {
		return false, err
	}
	return !pending, nil
}

func (s *Service) ownedPost(ctx context.Context, id, callerID string) (*Post, error) {
	post, err := s.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if post.SellerID != callerID {
		return nil, ErrNotSeller
	}
	return post, nil
}

// invalid converts the first validation failure to a ValidationError.
func invalid(errs validation.ValidationErrors) error {
	if len(errs) == 0 {
		return nil
	}
	return apperr.Validation(errs[0].Field, errs[0].Message)
}

func normalizePrice(price string) (string, error) {
	normalized, err := money.Normalize(price)
	if err != nil {
		return "", apperr.Validation("price", err.Error())
	}
	return normalized, nil
}
