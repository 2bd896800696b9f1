package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/idgen"
	"github.com/mbd888/trustmarket/internal/metrics"
	"github.com/mbd888/trustmarket/internal/pagination"
	"github.com/mbd888/trustmarket/internal/retry"
	"github.com/mbd888/trustmarket/internal/syncutil"
	"github.com/mbd888/trustmarket/internal/traces"
)

// PostLookup resolves the owner of a post. Implementations return an
// apperr.ErrNotFound error for unknown posts.
type PostLookup interface {
	PostOwner(ctx context.Context, postID string) (string, error)
}

// OrderParties identifies the triple an order negotiates.
type OrderParties struct {
	PostID   string
	BuyerID  string
	SellerID string
}

// OrderLookup resolves an order to its parties.
type OrderLookup interface {
	OrderParties(ctx context.Context, orderID string) (*OrderParties, error)
}

// NameResolver maps user ids to display names. Unknown users are omitted.
type NameResolver interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Service resolves chat sessions and serves chat reads.
type Service struct {
	store  Store
	posts  PostLookup
	orders OrderLookup
	names  NameResolver
	retry  retry.Policy
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
}

// NewService creates a new chat service.
func NewService(store Store, posts PostLookup, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		posts:  posts,
		retry:  retry.DefaultPolicy,
		locks:  syncutil.NewKeyedMutex(0),
		logger: logger,
	}
}

// WithOrders enables ResolveOrder.
func (s *Service) WithOrders(orders OrderLookup) *Service {
	s.orders = orders
	return s
}

// WithNames attaches sender display names to message views.
func (s *Service) WithNames(names NameResolver) *Service {
	s.names = names
	return s
}

// WithRetry sets the retry policy for store calls.
func (s *Service) WithRetry(p retry.Policy) *Service {
	s.retry = p
	return s
}

// Store returns the underlying chat store.
func (s *Service) Store() Store { return s.store }

// Resolve finds the chat for (postID, buyerID, sellerID) or creates it in
// the open state. Calling it again for the same triple returns the same chat.
func (s *Service) Resolve(ctx context.Context, postID, buyerID, sellerID string) (*Chat, error) {
	ctx, span := traces.StartSpan(ctx, "chat.Resolve", traces.PostID(postID), traces.UserID(buyerID))
	c, err := s.resolve(ctx, postID, buyerID, sellerID)
	traces.End(span, err)
	return c, err
}

func (s *Service) resolve(ctx context.Context, postID, buyerID, sellerID string) (*Chat, error) {
	switch {
	case postID == "":
		return nil, apperr.Validation("postId", "is required")
	case buyerID == "":
		return nil, apperr.Validation("buyerId", "is required")
	case sellerID == "":
		return nil, apperr.Validation("sellerId", "is required")
	case buyerID == sellerID:
		return nil, ErrSameParty
	}

	owner, err := retry.Get(ctx, s.retry, func() (string, error) {
		owner, err := s.posts.PostOwner(ctx, postID)
		return owner, apperr.Store("get post", err)
	})
	if err != nil {
		return nil, err
	}
	if owner != sellerID {
		return nil, apperr.Validation("sellerId", "must be the owner of the post")
	}

	pair := Participants(buyerID, sellerID)
	unlock, err := s.locks.Lock(ctx, syncutil.Key(postID, pair[0], pair[1]))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.find(ctx, postID, buyerID, sellerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.ChatsResolvedTotal.WithLabelValues("found").Inc()
		return existing, nil
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &Chat{
		ID:             idgen.New(),
		PostID:         postID,
		BuyerID:        buyerID,
		SellerID:       sellerID,
		ParticipantIDs: pair,
		DealStatus:     StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = retry.Do(ctx, s.retry, func() error {
		err := s.store.CreateChat(ctx, c)
		if errors.Is(err, ErrDuplicateChat) {
			return retry.Permanent(err)
		}
		return apperr.Store("create chat", err)
	})
	if errors.Is(err, ErrDuplicateChat) {
		// Another instance won the insert race; the stored chat is the answer.
		metrics.ChatsResolvedTotal.WithLabelValues("conflict").Inc()
		existing, ferr := s.find(ctx, postID, buyerID, sellerID)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, apperr.Store("refetch chat", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.ChatsResolvedTotal.WithLabelValues("created").Inc()
	s.logger.Info("chat created", "chatId", c.ID, "postId", postID, "buyer", buyerID, "seller", sellerID)
	return c, nil
}

// find scans the post's chats for one whose participant set is exactly
// {buyerID, sellerID}. Returns (nil, nil) when none matches.
func (s *Service) find(ctx context.Context, postID, buyerID, sellerID string) (*Chat, error) {
	chats, err := retry.Get(ctx, s.retry, func() ([]*Chat, error) {
		chats, err := s.store.ListByPost(ctx, postID)
		return chats, apperr.Store("list chats by post", err)
	})
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		if c.HasParticipants(buyerID, sellerID) {
			return c, nil
		}
	}
	return nil, nil
}

// Open resolves the chat between callerID, as buyer, and the post's owner.
func (s *Service) Open(ctx context.Context, postID, callerID string) (*Chat, error) {
	if postID == "" {
		return nil, apperr.Validation("postId", "is required")
	}
	owner, err := retry.Get(ctx, s.retry, func() (string, error) {
		owner, err := s.posts.PostOwner(ctx, postID)
		return owner, apperr.Store("get post", err)
	})
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, postID, callerID, owner)
}

// ResolveOrder resolves the chat for an order's triple. Only the order's
// buyer or seller may open it.
func (s *Service) ResolveOrder(ctx context.Context, orderID, callerID string) (*Chat, error) {
	if s.orders == nil {
		return nil, errors.New("order lookup not configured")
	}
	parties, err := retry.Get(ctx, s.retry, func() (*OrderParties, error) {
		p, err := s.orders.OrderParties(ctx, orderID)
		return p, apperr.Store("get order", err)
	})
	if err != nil {
		return nil, err
	}
	if callerID != parties.BuyerID && callerID != parties.SellerID {
		return nil, apperr.Unauthorized("only the order's buyer or seller may open its chat")
	}
	return s.Resolve(ctx, parties.PostID, parties.BuyerID, parties.SellerID)
}

// Get returns a chat visible to callerID.
func (s *Service) Get(ctx context.Context, chatID, callerID string) (*Chat, error) {
	c, err := retry.Get(ctx, s.retry, func() (*Chat, error) {
		c, err := s.store.GetChat(ctx, chatID)
		return c, apperr.Store("get chat", err)
	})
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// ListForUser returns the caller's chats newest first.
func (s *Service) ListForUser(ctx context.Context, callerID string, page pagination.Page) ([]*Chat, string, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	chats, err := retry.Get(ctx, s.retry, func() ([]*Chat, error) {
		chats, err := s.store.ListByParticipant(ctx, callerID, page.Cursor, limit+1)
		return chats, apperr.Store("list chats", err)
	})
	if err != nil {
		return nil, "", err
	}
	chats, next, _ := pagination.ComputePage(chats, limit, func(c *Chat) (time.Time, string) {
		return c.CreatedAt, c.ID
	})
	return chats, next, nil
}

// Messages returns the chat timeline with sender names attached.
func (s *Service) Messages(ctx context.Context, chatID, callerID string, limit int) ([]*MessageView, error) {
	if _, err := s.Get(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	msgs, err := retry.Get(ctx, s.retry, func() ([]*Message, error) {
		msgs, err := s.store.ListMessages(ctx, chatID, limit)
		return msgs, apperr.Store("list messages", err)
	})
	if err != nil {
		return nil, err
	}
	return s.Views(ctx, msgs), nil
}

// Message fetches one message as a view. Used by live timelines when an
// insert notification arrives.
func (s *Service) Message(ctx context.Context, messageID string) (*MessageView, error) {
	msg, err := retry.Get(ctx, s.retry, func() (*Message, error) {
		m, err := s.store.GetMessage(ctx, messageID)
		return m, apperr.Store("get message", err)
	})
	if err != nil {
		return nil, err
	}
	return s.Views(ctx, []*Message{msg})[0], nil
}

// Views attaches sender display names. Name lookup failures degrade to
// empty names rather than failing the read.
func (s *Service) Views(ctx context.Context, msgs []*Message) []*MessageView {
	views := make([]*MessageView, len(msgs))
	var names map[string]string
	if s.names != nil && len(msgs) > 0 {
		seen := make(map[string]bool)
		var ids []string
		for _, m := range msgs {
			if !seen[m.SenderID] {
				seen[m.SenderID] = true
				ids = append(ids, m.SenderID)
			}
		}
		var err error
		names, err = s.names.DisplayNames(ctx, ids)
		if err != nil {
			s.logger.Warn("display name lookup failed", "error", err)
		}
	}
	for i, m := range msgs {
		views[i] = &MessageView{Message: *m, SenderName: names[m.SenderID]}
	}
	return views
}

// Lock serializes mutations of one chat within this process. Callers must
// invoke the returned release function.
func (s *Service) Lock(ctx context.Context, chatID string) (func(), error) {
	return s.locks.Lock(ctx, syncutil.Key("chat", chatID))
}

// Load returns the chat for callerID, who must be a participant. Unlike Get
// it is meant for mutating paths that already hold Lock.
func (s *Service) Load(ctx context.Context, chatID, callerID string) (*Chat, error) {
	if chatID == "" {
		return nil, apperr.Validation("chatId", "is required")
	}
	if callerID == "" {
		return nil, apperr.Unauthorized("an identified caller is required")
	}
	return s.Get(ctx, chatID, callerID)
}

// Recorded returns the message previously appended under an idempotency
// key, or nil when the key is new.
func (s *Service) Recorded(ctx context.Context, chatID, key string) (*Message, error) {
	msg, err := retry.Get(ctx, s.retry, func() (*Message, error) {
		m, err := s.store.CommandMessage(ctx, chatID, key)
		return m, apperr.Store("get command", err)
	})
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil
	}
	return msg, err
}

// Execute applies cmd with bounded retry and re-reads the chat so callers
// see the committed state. A retry after an ambiguous failure is safe
// because cmd carries an idempotency key.
func (s *Service) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	res, err := retry.Get(ctx, s.retry, func() (*Result, error) {
		r, err := s.store.Apply(ctx, cmd)
		return r, apperr.Store("apply command", err)
	})
	if err != nil {
		return nil, err
	}

	fresh, err := retry.Get(ctx, s.retry, func() (*Chat, error) {
		c, err := s.store.GetChat(ctx, cmd.ChatID)
		return c, apperr.Store("get chat", err)
	})
	if err != nil {
		return nil, err
	}
	res.Chat = fresh

	if res.Replayed {
		metrics.CommandReplaysTotal.Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues(string(res.Message.Type)).Inc()
	}
	return res, nil
}
