// Package profiles stores user profiles and the reviews written about them.
//
// A review body is one of two variants, chosen by the author when the
// review is written and stored with an explicit kind:
//
//	Structured{Text, Rating 1..5}
//	PlainText{Text}
//
// Readers switch on the variant; nothing is inferred from the shape of
// the stored data.
package profiles

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
)

var (
	ErrProfileNotFound = fmt.Errorf("profile %w", apperr.ErrNotFound)
	ErrSelfReview      = fmt.Errorf("%w: users cannot review themselves", apperr.ErrValidation)
)

// ReviewKind tags a review body variant.
type ReviewKind string

const (
	KindStructured ReviewKind = "structured"
	KindPlain      ReviewKind = "plain"
)

// ReviewBody is Structured or PlainText.
type ReviewBody interface {
	Kind() ReviewKind
	Text() string
}

// Structured is a review with a 1..5 rating.
type Structured struct {
	Body   string
	Rating int
}

func (s Structured) Kind() ReviewKind { return KindStructured }
func (s Structured) Text() string     { return s.Body }

// PlainText is a free-text review.
type PlainText struct {
	Body string
}

func (p PlainText) Kind() ReviewKind { return KindPlain }
func (p PlainText) Text() string     { return p.Body }

// Review is one review of SubjectID written by AuthorID.
type Review struct {
	ID        string
	SubjectID string
	AuthorID  string
	Body      ReviewBody
	CreatedAt time.Time
}

// reviewJSON is the wire form of a Review.
type reviewJSON struct {
	ID        string     `json:"id"`
	SubjectID string     `json:"subjectId"`
	AuthorID  string     `json:"authorId"`
	Kind      ReviewKind `json:"kind"`
	Text      string     `json:"text"`
	Rating    *int       `json:"rating,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (r Review) MarshalJSON() ([]byte, error) {
	out := reviewJSON{
		ID:        r.ID,
		SubjectID: r.SubjectID,
		AuthorID:  r.AuthorID,
		CreatedAt: r.CreatedAt,
	}
	switch b := r.Body.(type) {
	case Structured:
		rating := b.Rating
		out.Kind, out.Text, out.Rating = KindStructured, b.Body, &rating
	case PlainText:
		out.Kind, out.Text = KindPlain, b.Body
	default:
		return nil, fmt.Errorf("review %s has no body", r.ID)
	}
	return json.Marshal(out)
}

func (r *Review) UnmarshalJSON(data []byte) error {
	var in reviewJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	body, err := NewBody(in.Kind, in.Text, in.Rating)
	if err != nil {
		return err
	}
	*r = Review{ID: in.ID, SubjectID: in.SubjectID, AuthorID: in.AuthorID, Body: body, CreatedAt: in.CreatedAt}
	return nil
}

// NewBody builds the variant named by kind. Structured reviews need a
// rating in 1..5; plain reviews must not carry one.
func NewBody(kind ReviewKind, text string, rating *int) (ReviewBody, error) {
	switch kind {
	case KindStructured:
		if rating == nil {
			return nil, apperr.Validation("rating", "is required for structured reviews")
		}
		if *rating < 1 || *rating > 5 {
			return nil, apperr.Validation("rating", "must be between 1 and 5")
		}
		return Structured{Body: text, Rating: *rating}, nil
	case KindPlain:
		if rating != nil {
			return nil, apperr.Validation("rating", "is not allowed on plain reviews")
		}
		return PlainText{Body: text}, nil
	}
	return nil, apperr.Validation("kind", `must be "structured" or "plain"`)
}

// Profile is a user's public identity in the marketplace.
type Profile struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Verified    bool      `json:"verified"`
	Reviews     []*Review `json:"reviews"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists profiles and reviews.
type Store interface {
	// Upsert creates or updates the profile's name and email. Verified and
	// CreatedAt are kept on update.
	Upsert(ctx context.Context, p *Profile) (*Profile, error)
	Get(ctx context.Context, userID string) (*Profile, error)
	// DisplayNames returns names for the ids that have profiles.
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)

	AddReview(ctx context.Context, r *Review) error
	ListReviews(ctx context.Context, subjectID string, limit int) ([]*Review, error)
}
