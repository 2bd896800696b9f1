package profiles

import (
	"context"
	"log/slog"
	"net/mail"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/idgen"
	"github.com/mbd888/trustmarket/internal/retry"
	"github.com/mbd888/trustmarket/internal/validation"
)

const (
	MaxDisplayNameLength = 80
	MaxEmailLength       = 254
	MaxReviewLength      = 2000

	// reviewsPerProfile bounds the reviews embedded in a profile response.
	reviewsPerProfile = 50
)

// UpsertRequest is the body of PUT /v1/profiles/me.
type UpsertRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
	Email       string `json:"email"`
}

// ReviewRequest is the body of POST /v1/profiles/:id/reviews.
type ReviewRequest struct {
	Kind   ReviewKind `json:"kind" binding:"required"`
	Text   string     `json:"text" binding:"required"`
	Rating *int       `json:"rating"`
}

// Service implements profile business logic.
type Service struct {
	store  Store
	retry  retry.Policy
	logger *slog.Logger
}

// NewService creates a new profile service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, retry: retry.DefaultPolicy, logger: logger}
}

// WithRetry sets the retry policy for store calls.
func (s *Service) WithRetry(p retry.Policy) *Service {
	s.retry = p
	return s
}

// Get returns a profile with its most recent reviews. The email is only
// shown to the profile's owner.
func (s *Service) Get(ctx context.Context, userID, callerID string) (*Profile, error) {
	p, err := retry.Get(ctx, s.retry, func() (*Profile, error) {
		p, err := s.store.Get(ctx, userID)
		return p, apperr.Store("get profile", err)
	})
	if err != nil {
		return nil, err
	}
	reviews, err := retry.Get(ctx, s.retry, func() ([]*Review, error) {
		r, err := s.store.ListReviews(ctx, userID, reviewsPerProfile)
		return r, apperr.Store("list reviews", err)
	})
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []*Review{}
	}
	p.Reviews = reviews
	if callerID != userID {
		p.Email = ""
	}
	return p, nil
}

// Upsert creates or updates the caller's own profile.
func (s *Service) Upsert(ctx context.Context, callerID string, req UpsertRequest) (*Profile, error) {
	if callerID == "" {
		return nil, apperr.Unauthorized("an identified caller is required")
	}
	name := validation.SanitizeString(req.DisplayName, MaxDisplayNameLength+1)
	email := validation.SanitizeString(req.Email, MaxEmailLength+1)
	if err := invalid(validation.Validate(
		validation.Required("displayName", name),
		validation.MaxLength("displayName", name, MaxDisplayNameLength),
		validation.MaxLength("email", email, MaxEmailLength),
	)); err != nil {
		return nil, err
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, apperr.Validation("email", "is not a valid address")
		}
	}

	now := time.Now().UTC()
	in := &Profile{UserID: callerID, DisplayName: name, Email: email, CreatedAt: now, UpdatedAt: now}
	p, err := retry.Get(ctx, s.retry, func() (*Profile, error) {
		p, err := s.store.Upsert(ctx, in)
		return p, apperr.Store("upsert profile", err)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("profile saved", "userId", callerID)
	return p, nil
}

// AddReview records a review of subjectID by authorID.
func (s *Service) AddReview(ctx context.Context, subjectID, authorID string, req ReviewRequest) (*Review, error) {
	if authorID == "" {
		return nil, apperr.Unauthorized("an identified caller is required")
	}
	if subjectID == authorID {
		return nil, ErrSelfReview
	}
	text := validation.SanitizeString(req.Text, MaxReviewLength+1)
	if err := invalid(validation.Validate(
		validation.Required("text", text),
		validation.MaxLength("text", text, MaxReviewLength),
	)); err != nil {
		return nil, err
	}
	body, err := NewBody(req.Kind, text, req.Rating)
	if err != nil {
		return nil, err
	}

	review := &Review{
		ID:        idgen.New(),
		SubjectID: subjectID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	err = retry.Do(ctx, s.retry, func() error {
		return apperr.Store("add review", s.store.AddReview(ctx, review))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("review added", "subject", subjectID, "author", authorID, "kind", body.Kind())
	return review, nil
}

// DisplayNames maps user ids to display names for message enrichment.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	return retry.Get(ctx, s.retry, func() (map[string]string, error) {
		names, err := s.store.DisplayNames(ctx, userIDs)
		return names, apperr.Store("display names", err)
	})
}

// invalid converts the first validation failure to a ValidationError.
func invalid(errs validation.ValidationErrors) error {
	if len(errs) == 0 {
		return nil
	}
	return apperr.Validation(errs[0].Field, errs[0].Message)
}
