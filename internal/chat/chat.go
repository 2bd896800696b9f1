// Package chat owns the negotiation session between one buyer and one
// seller about one post: the Chat record, its Message timeline, and the
// resolver that finds or creates the Chat for a (post, buyer, seller)
// triple.
//
// Deal status only moves forward:
//
//	open → accepted → paid → shipped → completed
//
// Every mutation of a Chat is a Command that appends one Message and
// optionally advances the status. Stores apply a Command atomically.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/pagination"
)

var (
	ErrChatNotFound    = fmt.Errorf("chat %w", apperr.ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("message %w", apperr.ErrNotFound)
	ErrNotParticipant  = fmt.Errorf("%w: caller is not a participant in this chat", apperr.ErrUnauthorized)
	ErrSameParty       = fmt.Errorf("%w: buyer and seller must be different users", apperr.ErrValidation)
	ErrStatusChanged   = fmt.Errorf("%w: deal status changed concurrently", apperr.ErrInvalidState)
	ErrStaleOffer      = fmt.Errorf("%w: offer is no longer active", apperr.ErrInvalidState)
	ErrStatusRegressed = fmt.Errorf("%w: deal status cannot move backwards", apperr.ErrInvalidState)

	// ErrDuplicateChat is returned by Store.CreateChat when a chat already
	// exists for the same post and participant pair.
	ErrDuplicateChat = errors.New("chat already exists for post and participants")
)

// DealStatus is the position of a chat in the deal lifecycle.
type DealStatus string

const (
	StatusOpen      DealStatus = "open"      // Negotiating
	StatusAccepted  DealStatus = "accepted"  // An offer was accepted
	StatusPaid      DealStatus = "paid"      // Buyer paid into escrow
	StatusShipped   DealStatus = "shipped"   // Seller shipped the item
	StatusCompleted DealStatus = "completed" // Buyer confirmed delivery, funds released
)

var statusRank = map[DealStatus]int{
	StatusOpen:      0,
	StatusAccepted:  1,
	StatusPaid:      2,
	StatusShipped:   3,
	StatusCompleted: 4,
}

// Valid reports whether s is a known status.
func (s DealStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses; unknown statuses rank -1.
func (s DealStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Next returns the status that directly follows s, or "" for terminal and
// unknown statuses.
func (s DealStatus) Next() DealStatus {
	switch s {
	case StatusOpen:
		return StatusAccepted
	case StatusAccepted:
		return StatusPaid
	case StatusPaid:
		return StatusShipped
	case StatusShipped:
		return StatusCompleted
	}
	return ""
}

// MessageType classifies timeline entries.
type MessageType string

const (
	TypeText          MessageType = "text"
	TypeOffer         MessageType = "offer"
	TypeCounteroffer  MessageType = "counteroffer"
	TypeOfferAccepted MessageType = "offer_accepted"
	TypeOfferRejected MessageType = "offer_rejected"
	TypeSystem        MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeOffer, TypeCounteroffer, TypeOfferAccepted, TypeOfferRejected, TypeSystem:
		return true
	}
	return false
}

// IsOffer reports whether messages of this type carry an amount and can
// be accepted, rejected or countered.
func (t MessageType) IsOffer() bool {
	return t == TypeOffer || t == TypeCounteroffer
}

// Chat is the negotiation session for one (post, buyer, seller) triple.
type Chat struct {
	ID             string     `json:"id"`
	PostID         string     `json:"postId"`
	BuyerID        string     `json:"buyerId"`
	SellerID       string     `json:"sellerId"`
	ParticipantIDs []string   `json:"participantIds"`
	DealStatus     DealStatus `json:"dealStatus"`
	ActiveOfferID  string     `json:"activeOfferMessageId,omitempty"`
	AgreedAmount   string     `json:"agreedAmount,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (c *Chat) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.BuyerID || userID == c.SellerID)
}

// HasParticipants reports set equality between the chat's participants
// and {a, b}.
func (c *Chat) HasParticipants(a, b string) bool {
	if len(c.ParticipantIDs) != 2 {
		return false
	}
	want := Participants(a, b)
	return c.ParticipantIDs[0] == want[0] && c.ParticipantIDs[1] == want[1]
}

// Participants returns the normalized (sorted) participant pair.
func Participants(a, b string) []string {
	p := []string{a, b}
	sort.Strings(p)
	return p
}

// Message is one immutable entry in a chat timeline.
type Message struct {
	ID            string      `json:"id"`
	ChatID        string      `json:"chatId"`
	SenderID      string      `json:"senderId"`
	Type          MessageType `json:"messageType"`
	Body          string      `json:"body"`
	OfferAmount   string      `json:"offerAmount,omitempty"`
	EnteredStatus DealStatus  `json:"enteredStatus,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// MessageView is a message with its sender's display name attached.
type MessageView struct {
	Message
	SenderName string `json:"senderName"`
}

// OfferChange says what a command does to the chat's active offer.
type OfferChange int

const (
	OfferKeep  OfferChange = iota // leave the pointer alone
	OfferSet                      // the appended message becomes the active offer
	OfferClear                    // no offer is active afterwards
)

// Command is one atomic chat mutation: append Message, then optionally
// advance the deal status and move the active-offer pointer.
type Command struct {
	ChatID string

	// IdempotencyKey, when set, makes the command replay-safe: applying a
	// command whose key was already recorded for the chat returns the
	// originally appended message instead of appending again.
	IdempotencyKey string

	// ExpectStatus, when set, must equal the chat's status at apply time.
	ExpectStatus DealStatus
	// ExpectOffer, when set, must equal the chat's active offer at apply time.
	ExpectOffer string

	// Advance, when set, becomes the new deal status. It must rank above
	// the current status.
	Advance      DealStatus
	Offer        OfferChange
	AgreedAmount string

	Append *Message
}

// Result is the outcome of applying a Command.
type Result struct {
	Chat     *Chat
	Message  *Message
	Replayed bool // true when answered from an earlier idempotency key
}

// Store persists chats and their messages.
type Store interface {
	// CreateChat inserts a chat. Returns ErrDuplicateChat when a chat
	// for the same post and participant pair exists.
	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	ListByPost(ctx context.Context, postID string) ([]*Chat, error)
	// ListByParticipant returns the user's chats newest first, starting
	// after the cursor.
	ListByParticipant(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Chat, error)
	// ListByStatus returns chats in the given statuses ordered by id,
	// starting after afterID.
	ListByStatus(ctx context.Context, statuses []DealStatus, afterID string, limit int) ([]*Chat, error)

	// Apply executes cmd atomically.
	Apply(ctx context.Context, cmd *Command) (*Result, error)
	// CommandMessage returns the message recorded under an idempotency
	// key, or ErrMessageNotFound.
	CommandMessage(ctx context.Context, chatID, key string) (*Message, error)

	GetMessage(ctx context.Context, id string) (*Message, error)
	// ListMessages returns a chat's messages in timeline order. A limit
	// <= 0 returns the whole timeline.
	ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
}

// check validates cmd against the chat's current state. Stores call it
// while holding the chat lock.
func (cmd *Command) check(c *Chat) error {
	if cmd.ExpectStatus != "" && c.DealStatus != cmd.ExpectStatus {
		return ErrStatusChanged
	}
	if cmd.ExpectOffer != "" && c.ActiveOfferID != cmd.ExpectOffer {
		return ErrStaleOffer
	}
	if cmd.Advance != "" && cmd.Advance.Rank() <= c.DealStatus.Rank() {
		return ErrStatusRegressed
	}
	return nil
}

// apply mutates c to reflect cmd after msg was recorded.
func (cmd *Command) apply(c *Chat, msg *Message, now time.Time) {
	if cmd.Advance != "" {
		c.DealStatus = cmd.Advance
	}
	switch cmd.Offer {
	case OfferSet:
		c.ActiveOfferID = msg.ID
	case OfferClear:
		c.ActiveOfferID = ""
	}
	if cmd.AgreedAmount != "" {
		c.AgreedAmount = cmd.AgreedAmount
	}
	c.UpdatedAt = now
}

// validate checks the command's own shape.
func (cmd *Command) validate() error {
	if cmd.ChatID == "" {
		return fmt.Errorf("%w: command has no chat", apperr.ErrValidation)
	}
	if cmd.Append == nil {
		return fmt.Errorf("%w: command appends no message", apperr.ErrValidation)
	}
	if !cmd.Append.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", apperr.ErrValidation, cmd.Append.Type)
	}
	if cmd.Advance != "" && !cmd.Advance.Valid() {
		return fmt.Errorf("%w: unknown deal status %q", apperr.ErrValidation, cmd.Advance)
	}
	if cmd.Offer == OfferSet && !cmd.Append.Type.IsOffer() {
		return fmt.Errorf("%w: only offers can become the active offer", apperr.ErrValidation)
	}
	return nil
}

// Replay folds a timeline into the deal status and active offer it
// implies. Reconciliation compares the result with the stored chat.
func Replay(messages []*Message) (status DealStatus, activeOffer string) {
	status = StatusOpen
	for _, m := range messages {
		switch {
		case m.Type.IsOffer():
			if status == StatusOpen {
				activeOffer = m.ID
			}
		case m.Type == TypeOfferRejected:
			activeOffer = ""
		}
		if m.EnteredStatus != "" && m.EnteredStatus.Rank() > status.Rank() {
			status = m.EnteredStatus
			activeOffer = ""
		}
	}
	return status, activeOffer
}

func copyChat(c *Chat) *Chat {
	cp := *c
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return &cp
}

func copyMessage(m *Message) *Message {
	cp := *m
	return &cp
}
