package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// foreignKeyViolation is the Postgres SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

// PostgresStore persists profiles and reviews in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, pr *Profile) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO profiles (user_id, display_name, email, verified, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			updated_at = EXCLUDED.updated_at
		RETURNING user_id, display_name, email, verified, created_at, updated_at`,
		pr.UserID, pr.DisplayName, pr.Email, pr.CreatedAt, pr.UpdatedAt,
	)
	return scanProfile(row)
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, email, verified, created_at, updated_at
		FROM profiles WHERE user_id = $1`, userID)

	pr, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return pr, err
}

func (p *PostgresStore) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, display_name FROM profiles WHERE user_id = ANY($1)`, pq.Array(userIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (p *PostgresStore) AddReview(ctx context.Context, r *Review) error {
	var rating sql.NullInt16
	if s, ok := r.Body.(Structured); ok {
		rating = sql.NullInt16{Int16: int16(s.Rating), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (id, subject_id, author_id, kind, text, rating, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.SubjectID, r.AuthorID, string(r.Body.Kind()), r.Body.Text(), rating, r.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return ErrProfileNotFound
	}
	return err
}

func (p *PostgresStore) ListReviews(ctx context.Context, subjectID string, limit int) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, author_id, kind, text, rating, created_at
		FROM reviews
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subjectID, sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reviews []*Review
	for rows.Next() {
		var (
			r      Review
			kind   string
			text   string
			rating sql.NullInt16
		)
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.AuthorID, &kind, &text, &rating, &r.CreatedAt); err != nil {
			return nil, err
		}
		var ratingPtr *int
		if rating.Valid {
			v := int(rating.Int16)
			ratingPtr = &v
		}
		body, err := NewBody(ReviewKind(kind), text, ratingPtr)
		if err != nil {
			return nil, fmt.Errorf("review %s: %w", r.ID, err)
		}
		r.Body = body
		reviews = append(reviews, &r)
	}
	return reviews, rows.Err()
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var pr Profile
	if err := row.Scan(&pr.UserID, &pr.DisplayName, &pr.Email, &pr.Verified, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
		return nil, err
	}
	return &pr, nil
}
