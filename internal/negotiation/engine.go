// Package negotiation runs price negotiation inside a chat: free text,
// offers, counteroffers, acceptance and rejection.
//
// Only the chat's active offer can be acted on. Sending an offer or a
// counteroffer makes it the active offer; accepting or rejecting clears it.
// Acceptance moves the deal from open to accepted and records the agreed
// amount.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/chat"
	"github.com/mbd888/trustmarket/internal/idgen"
	"github.com/mbd888/trustmarket/internal/metrics"
	"github.com/mbd888/trustmarket/internal/money"
	"github.com/mbd888/trustmarket/internal/traces"
)

// MaxTextLength bounds a text message body, in characters.
const MaxTextLength = 4000

var (
	ErrNoActiveOffer = fmt.Errorf("%w: there is no active offer", apperr.ErrInvalidState)
	ErrStaleOffer    = chat.ErrStaleOffer
	ErrOwnOffer      = fmt.Errorf("%w: only the recipient of an offer can respond to it", apperr.ErrUnauthorized)
	ErrNotAnOffer    = fmt.Errorf("%w: message is not an offer", apperr.ErrValidation)
)

// Call identifies who acts on which chat. IdempotencyKey is optional; a
// repeated key returns the originally recorded message.
type Call struct {
	ChatID         string
	CallerID       string
	IdempotencyKey string
}

// Engine applies negotiation operations to chats.
type Engine struct {
	chats  *chat.Service
	feed   Feed
	logger *slog.Logger
}

// NewEngine creates a negotiation engine over the chat service.
func NewEngine(chats *chat.Service, logger *slog.Logger) *Engine {
	return &Engine{chats: chats, logger: logger}
}

// WithFeed enables Watch.
func (e *Engine) WithFeed(feed Feed) *Engine {
	e.feed = feed
	return e
}

// SendText appends a text message. Allowed in every deal status.
func (e *Engine) SendText(ctx context.Context, call Call, body string) (*chat.Result, error) {
	body = strings.TrimSpace(body)
	return e.run(ctx, "send_text", call, func(c *chat.Chat) (*chat.Command, error) {
		if body == "" {
			return nil, apperr.Validation("body", "is required")
		}
		if utf8.RuneCountInString(body) > MaxTextLength {
			return nil, apperr.Validation("body", fmt.Sprintf("must be at most %d characters", MaxTextLength))
		}
		return &chat.Command{
			Append: &chat.Message{SenderID: call.CallerID, Type: chat.TypeText, Body: body},
		}, nil
	})
}

// SendOffer proposes a price. The offer becomes the active offer.
func (e *Engine) SendOffer(ctx context.Context, call Call, amount string) (*chat.Result, error) {
	return e.run(ctx, "send_offer", call, func(c *chat.Chat) (*chat.Command, error) {
		normalized, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		if c.DealStatus != chat.StatusOpen {
			return nil, apperr.InvalidState("send offer", string(c.DealStatus), string(chat.StatusOpen))
		}
		return &chat.Command{
			ExpectStatus: chat.StatusOpen,
			Offer:        chat.OfferSet,
			Append: &chat.Message{
				SenderID:    call.CallerID,
				Type:        chat.TypeOffer,
				Body:        "Offer: " + money.Display(normalized),
				OfferAmount: normalized,
			},
		}, nil
	})
}

// CounterOffer answers offerID (or the active offer when empty) with a new
// amount, which becomes the active offer.
func (e *Engine) CounterOffer(ctx context.Context, call Call, offerID, amount string) (*chat.Result, error) {
	return e.run(ctx, "counter_offer", call, func(c *chat.Chat) (*chat.Command, error) {
		normalized, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		offer, err := e.actionableOffer(ctx, c, call.CallerID, offerID, "counter offer")
		if err != nil {
			return nil, err
		}
		return &chat.Command{
			ExpectStatus: chat.StatusOpen,
			ExpectOffer:  offer.ID,
			Offer:        chat.OfferSet,
			Append: &chat.Message{
				SenderID:    call.CallerID,
				Type:        chat.TypeCounteroffer,
				Body:        "Counteroffer: " + money.Display(normalized),
				OfferAmount: normalized,
			},
		}, nil
	})
}

// AcceptOffer accepts offerID (or the active offer when empty) and moves the
// deal to accepted.
func (e *Engine) AcceptOffer(ctx context.Context, call Call, offerID string) (*chat.Result, error) {
	return e.run(ctx, "accept_offer", call, func(c *chat.Chat) (*chat.Command, error) {
		offer, err := e.actionableOffer(ctx, c, call.CallerID, offerID, "accept offer")
		if err != nil {
			return nil, err
		}
		return &chat.Command{
			ExpectStatus: chat.StatusOpen,
			ExpectOffer:  offer.ID,
			Advance:      chat.StatusAccepted,
			Offer:        chat.OfferClear,
			AgreedAmount: offer.OfferAmount,
			Append: &chat.Message{
				SenderID:      call.CallerID,
				Type:          chat.TypeOfferAccepted,
				Body:          "Offer accepted for " + money.Display(offer.OfferAmount),
				EnteredStatus: chat.StatusAccepted,
			},
		}, nil
	})
}

// RejectOffer declines offerID (or the active offer when empty). The deal
// stays open with no active offer.
func (e *Engine) RejectOffer(ctx context.Context, call Call, offerID string) (*chat.Result, error) {
	return e.run(ctx, "reject_offer", call, func(c *chat.Chat) (*chat.Command, error) {
		offer, err := e.actionableOffer(ctx, c, call.CallerID, offerID, "reject offer")
		if err != nil {
			return nil, err
		}
		return &chat.Command{
			ExpectStatus: chat.StatusOpen,
			ExpectOffer:  offer.ID,
			Offer:        chat.OfferClear,
			Append: &chat.Message{
				SenderID: call.CallerID,
				Type:     chat.TypeOfferRejected,
				Body:     "Offer rejected",
			},
		}, nil
	})
}

// run loads the chat under its lock, builds the command and applies it.
func (e *Engine) run(ctx context.Context, op string, call Call, build func(*chat.Chat) (*chat.Command, error)) (*chat.Result, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation."+op, traces.ChatID(call.ChatID), traces.UserID(call.CallerID))
	res, err := e.execute(ctx, op, call, build)
	if err != nil {
		metrics.DealRejectionsTotal.WithLabelValues(op, string(apperr.KindOf(err))).Inc()
	} else {
		span.SetAttributes(traces.DealStatus(string(res.Chat.DealStatus)))
	}
	traces.End(span, err)
	return res, err
}

func (e *Engine) execute(ctx context.Context, op string, call Call, build func(*chat.Chat) (*chat.Command, error)) (*chat.Result, error) {
	if call.ChatID == "" {
		return nil, apperr.Validation("chatId", "is required")
	}
	unlock, err := e.chats.Lock(ctx, call.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := e.chats.Load(ctx, call.ChatID, call.CallerID)
	if err != nil {
		return nil, err
	}

	key := call.IdempotencyKey
	if key != "" {
		key = call.CallerID + ":" + key
		prior, err := e.chats.Recorded(ctx, call.ChatID, key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			metrics.CommandReplaysTotal.Inc()
			return &chat.Result{Chat: c, Message: prior, Replayed: true}, nil
		}
	} else {
		// Store retries must not append twice.
		key = "gen:" + idgen.New()
	}

	cmd, err := build(c)
	if err != nil {
		return nil, err
	}
	cmd.ChatID = call.ChatID
	cmd.IdempotencyKey = key

	res, err := e.chats.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if cmd.Advance != "" && !res.Replayed {
		metrics.DealTransitionsTotal.WithLabelValues(string(cmd.Advance)).Inc()
		e.logger.Info("deal status changed",
			"chatId", call.ChatID, "from", string(c.DealStatus), "to", string(cmd.Advance),
			"caller", call.CallerID, "op", op, "agreedAmount", cmd.AgreedAmount)
	}
	return res, nil
}

// actionableOffer resolves offerID to the chat's active offer and checks the
// caller may respond to it.
func (e *Engine) actionableOffer(ctx context.Context, c *chat.Chat, callerID, offerID, op string) (*chat.Message, error) {
	if c.DealStatus != chat.StatusOpen {
		return nil, apperr.InvalidState(op, string(c.DealStatus), string(chat.StatusOpen))
	}
	if offerID == "" {
		offerID = c.ActiveOfferID
		if offerID == "" {
			return nil, ErrNoActiveOffer
		}
	} else if !idgen.IsMessageID(offerID) {
		return nil, apperr.Validation("messageId", "is not a message id")
	}

	offer, err := e.chats.Message(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.ChatID != c.ID {
		return nil, chat.ErrMessageNotFound
	}
	if !offer.Type.IsOffer() {
		return nil, ErrNotAnOffer
	}
	if offer.ID != c.ActiveOfferID {
		return nil, ErrStaleOffer
	}
	if offer.SenderID == callerID {
		return nil, ErrOwnOffer
	}
	return &offer.Message, nil
}

// parseAmount validates an offer amount and returns it normalized to two
// decimals.
func parseAmount(amount string) (string, error) {
	normalized, err := money.Normalize(amount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return normalized, nil
}
