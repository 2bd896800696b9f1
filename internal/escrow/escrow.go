// Package escrow drives an accepted deal through payment, shipment and
// delivery confirmation.
//
// Flow:
//  1. Buyer pays into escrow       → accepted → paid
//  2. Seller marks the item shipped → paid → shipped
//  3. Buyer confirms delivery      → shipped → completed, funds released
//
// Each step appends a system message and advances the deal status in one
// chat command. No funds are actually moved; the status is the record.
package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/chat"
	"github.com/mbd888/trustmarket/internal/metrics"
	"github.com/mbd888/trustmarket/internal/traces"
)

var (
	ErrBuyerOnly  = apperr.Unauthorized("only the buyer can do this")
	ErrSellerOnly = apperr.Unauthorized("only the seller can do this")
)

// Role is the participant a step belongs to.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// System message bodies, one per step.
const (
	PaidMessage      = "Payment in escrow: funds are held until the buyer confirms delivery."
	ShippedMessage   = "Item marked as shipped by the seller."
	CompletedMessage = "Delivery confirmed, funds released to the seller."
)

// Step is one escrow transition.
type Step struct {
	Name string
	Role Role
	From chat.DealStatus
	To   chat.DealStatus
	Body string
}

var (
	PayStep     = Step{Name: "pay", Role: RoleBuyer, From: chat.StatusAccepted, To: chat.StatusPaid, Body: PaidMessage}
	ShipStep    = Step{Name: "ship", Role: RoleSeller, From: chat.StatusPaid, To: chat.StatusShipped, Body: ShippedMessage}
	ConfirmStep = Step{Name: "confirm", Role: RoleBuyer, From: chat.StatusShipped, To: chat.StatusCompleted, Body: CompletedMessage}
)

// Settler finalizes the marketplace side of a completed deal.
type Settler interface {
	SettleDeal(ctx context.Context, postID, buyerID string) error
}

// Controller implements the escrow lifecycle.
type Controller struct {
	chats   *chat.Service
	settler Settler
	logger  *slog.Logger
}

// NewController creates an escrow controller over the chat service.
func NewController(chats *chat.Service, logger *slog.Logger) *Controller {
	return &Controller{chats: chats, logger: logger}
}

// WithSettler adds a hook that runs when a deal completes.
func (c *Controller) WithSettler(s Settler) *Controller {
	c.settler = s
	return c
}

// PayEscrow records the buyer's payment into escrow.
func (c *Controller) PayEscrow(ctx context.Context, chatID, callerID string) (*chat.Chat, error) {
	return c.Advance(ctx, PayStep, chatID, callerID)
}

// MarkAsShipped records that the seller shipped the item.
func (c *Controller) MarkAsShipped(ctx context.Context, chatID, callerID string) (*chat.Chat, error) {
	return c.Advance(ctx, ShipStep, chatID, callerID)
}

// ConfirmDelivery records the buyer's confirmation and completes the deal.
func (c *Controller) ConfirmDelivery(ctx context.Context, chatID, callerID string) (*chat.Chat, error) {
	return c.Advance(ctx, ConfirmStep, chatID, callerID)
}

// Advance applies step to the chat and returns the re-read chat.
func (c *Controller) Advance(ctx context.Context, step Step, chatID, callerID string) (*chat.Chat, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+step.Name, traces.ChatID(chatID), traces.UserID(callerID))
	res, err := c.advance(ctx, step, chatID, callerID)
	if err != nil {
		metrics.DealRejectionsTotal.WithLabelValues(step.Name, string(apperr.KindOf(err))).Inc()
	}
	traces.End(span, err)
	return res, err
}

func (c *Controller) advance(ctx context.Context, step Step, chatID, callerID string) (*chat.Chat, error) {
	unlock, err := c.chats.Lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := c.chats.Load(ctx, chatID, callerID)
	if err != nil {
		return nil, err
	}
	if err := authorize(current, step.Role, callerID); err != nil {
		return nil, err
	}
	if current.DealStatus != step.From {
		return nil, apperr.InvalidState(step.Name, string(current.DealStatus), string(step.From))
	}

	res, err := c.chats.Execute(ctx, &chat.Command{
		ChatID: chatID,
		// Deterministic per transition: a retried step can only ever
		// record one system message.
		IdempotencyKey: chatID + ":" + string(step.To),
		ExpectStatus:   step.From,
		Advance:        step.To,
		Append: &chat.Message{
			SenderID:      callerID,
			Type:          chat.TypeSystem,
			Body:          step.Body,
			EnteredStatus: step.To,
		},
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		metrics.DealTransitionsTotal.WithLabelValues(string(step.To)).Inc()
		c.logger.Info("deal status changed",
			"chatId", chatID, "from", string(step.From), "to", string(step.To), "caller", callerID, "op", step.Name)
	}

	if step.To == chat.StatusCompleted {
		metrics.DealDuration.Observe(time.Since(res.Chat.CreatedAt).Seconds())
		c.settle(ctx, res.Chat)
	}
	return res.Chat, nil
}

// settle runs the settlement hook. Failures are left for reconciliation.
func (c *Controller) settle(ctx context.Context, done *chat.Chat) {
	if c.settler == nil {
		return
	}
	if err := c.settler.SettleDeal(ctx, done.PostID, done.BuyerID); err != nil {
		c.logger.Error("deal settlement failed, reconciliation will retry",
			"chatId", done.ID, "postId", done.PostID, "buyer", done.BuyerID, "error", err)
	}
}

func authorize(c *chat.Chat, role Role, callerID string) error {
	switch role {
	case RoleBuyer:
		if callerID != c.BuyerID {
			return ErrBuyerOnly
		}
	case RoleSeller:
		if callerID != c.SellerID {
			return ErrSellerOnly
		}
	}
	return nil
}
