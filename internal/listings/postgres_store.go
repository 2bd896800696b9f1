package listings

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/trustmarket/internal/pagination"
)

// foreignKeyViolation is the Postgres SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

// PostgresStore persists posts and orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postColumns = `id, seller_id, title, description, price::TEXT, category,
		       image_url, sold, created_at, updated_at`

const orderColumns = `id, post_id, buyer_id, seller_id, status, created_at, updated_at`

func (p *PostgresStore) CreatePost(ctx context.Context, post *Post) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO posts (
			id, seller_id, title, description, price, category,
			image_url, sold, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(15,2), $6, $7, $8, $9, $10)`,
		post.ID, post.SellerID, post.Title, post.Description, post.Price, post.Category,
		nullString(post.ImageURL), post.Sold, post.CreatedAt, post.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetPost(ctx context.Context, id string) (*Post, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)

	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	return post, err
}

func (p *PostgresStore) UpdatePost(ctx context.Context, post *Post) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE posts SET
			title = $2, description = $3, price = $4::NUMERIC(15,2), category = $5,
			image_url = $6, sold = $7, updated_at = $8
		WHERE id = $1`,
		post.ID, post.Title, post.Description, post.Price, post.Category,
		nullString(post.ImageURL), post.Sold, post.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPostNotFound
	}
	return nil
}

func (p *PostgresStore) ListPosts(ctx context.Context, filter PostFilter, after *pagination.Cursor, limit int) ([]*Post, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE ($1 = '' OR category = $1)
		  AND ($2 = '' OR seller_id = $2)
		  AND ($3 OR NOT sold)
		  AND ($4::TIMESTAMPTZ IS NULL OR (created_at, id) < ($4::TIMESTAMPTZ, $5::TEXT))
		ORDER BY created_at DESC, id DESC
		LIMIT $6`,
		filter.Category, filter.SellerID, filter.IncludeSold, afterAt, afterID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var posts []*Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (p *PostgresStore) MarkSold(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE posts SET sold = TRUE, updated_at = CASE WHEN sold THEN updated_at ELSE NOW() END
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPostNotFound
	}
	return nil
}

func (p *PostgresStore) CreateOrder(ctx context.Context, order *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, post_id, buyer_id, seller_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		order.ID, order.PostID, order.BuyerID, order.SellerID, string(order.Status),
		order.CreatedAt, order.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return ErrPostNotFound
	}
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *PostgresStore) CompleteOrders(ctx context.Context, postID, buyerID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE post_id = $1 AND buyer_id = $2 AND status = $4`,
		postID, buyerID, string(OrderCompleted), string(OrderPending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) HasPendingOrders(ctx context.Context, postID, buyerID string) (bool, error) {
	var pending bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE post_id = $1 AND buyer_id = $2 AND status = $3
		)`, postID, buyerID, string(OrderPending)).Scan(&pending)
	return pending, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(s scanner) (*Post, error) {
	var (
		post     Post
		imageURL sql.NullString
	)
	err := s.Scan(
		&post.ID, &post.SellerID, &post.Title, &post.Description, &post.Price, &post.Category,
		&imageURL, &post.Sold, &post.CreatedAt, &post.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	post.ImageURL = imageURL.String
	return &post, nil
}

func scanOrder(s scanner) (*Order, error) {
	var (
		o      Order
		status string
	)
	if err := s.Scan(&o.ID, &o.PostID, &o.BuyerID, &o.SellerID, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}
