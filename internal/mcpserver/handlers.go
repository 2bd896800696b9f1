package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MarketClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MarketClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListPosts browses listings.
func (h *Handlers) HandleListPosts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category := req.GetString("category", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListPosts(ctx, category, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list posts: %v", err)), nil
	}

	text, err := formatPostList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse posts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOpenChat resolves the chat for a post.
func (h *Handlers) HandleOpenChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	postID := req.GetString("post_id", "")
	if postID == "" {
		return mcp.NewToolResultError("post_id is required"), nil
	}

	raw, err := h.client.OpenChat(ctx, postID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open chat: %v", err)), nil
	}
	return chatResult(raw)
}

// HandleGetChat shows a chat's deal state.
func (h *Handlers) HandleGetChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := req.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}

	raw, err := h.client.GetChat(ctx, chatID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get chat: %v", err)), nil
	}
	return chatResult(raw)
}

// HandleListMessages prints a chat's history.
func (h *Handlers) HandleListMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := req.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}

	raw, err := h.client.ListMessages(ctx, chatID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list messages: %v", err)), nil
	}

	text, err := formatMessageList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse messages: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSendMessage sends a text message.
func (h *Handlers) HandleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := req.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}
	body := req.GetString("body", "")
	if strings.TrimSpace(body) == "" {
		return mcp.NewToolResultError("body is required"), nil
	}

	raw, err := h.client.SendMessage(ctx, chatID, body, req.GetString("idempotency_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}
	return commandResult(raw, "Message sent")
}

// HandleSendOffer proposes a price.
func (h *Handlers) HandleSendOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := req.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.SendOffer(ctx, chatID, amount, req.GetString("idempotency_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Offer failed: %v", err)), nil
	}
	return commandResult(raw, "Offer sent")
}

// HandleCounterOffer answers an offer with a new price.
func (h *Handlers) HandleCounterOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := req.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.CounterOffer(ctx, chatID, req.GetString("offer_id", ""), amount, req.GetString("idempotency_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Counteroffer failed: %v", err)), nil
	}
	return commandResult(raw, "Counteroffer sent")
}

// HandleAcceptOffer accepts an offer.
func (h *Handlers) HandleAcceptOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := req.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}

	raw, err := h.client.AcceptOffer(ctx, chatID, req.GetString("offer_id", ""), req.GetString("idempotency_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Accept failed: %v", err)), nil
	}
	return commandResult(raw, "Offer accepted")
}

// HandleRejectOffer rejects an offer.
func (h *Handlers) HandleRejectOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := req.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}

	raw, err := h.client.RejectOffer(ctx, chatID, req.GetString("offer_id", ""), req.GetString("idempotency_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reject failed: %v", err)), nil
	}
	return commandResult(raw, "Offer rejected")
}

// escrowStep builds the handler for one escrow transition.
func (h *Handlers) escrowStep(step, done string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chatID := req.GetString("chat_id", "")
		if chatID == "" {
			return mcp.NewToolResultError("chat_id is required"), nil
		}

		raw, err := h.client.EscrowStep(ctx, chatID, step)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Escrow %s failed: %v", step, err)), nil
		}
		var resp struct {
			Chat chatInfo `json:"chat"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse chat: %v", err)), nil
		}
		return mcp.NewToolResultText(done + "\n\n" + formatChat(resp.Chat)), nil
	}
}

// --- Formatting helpers ---

type postInfo struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`
	Title    string `json:"title"`
	Price    string `json:"price"`
	Category string `json:"category"`
	ImageURL string `json:"imageUrl"`
}

type chatInfo struct {
	ID            string `json:"id"`
	PostID        string `json:"postId"`
	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`
	DealStatus    string `json:"dealStatus"`
	ActiveOfferID string `json:"activeOfferMessageId"`
	AgreedAmount  string `json:"agreedAmount"`
}

type messageInfo struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Type        string `json:"messageType"`
	Body        string `json:"body"`
	OfferAmount string `json:"offerAmount"`
}

func formatPostList(raw json.RawMessage) (string, error) {
	var resp struct {
		Posts []postInfo `json:"posts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected posts response format")
	}
	if len(resp.Posts) == 0 {
		return "No posts found matching your criteria.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d post(s):\n\n", len(resp.Posts)))
	for i, p := range resp.Posts {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, p.Title))
		sb.WriteString(fmt.Sprintf("   ID: %s | Price: %s\n", p.ID, p.Price))
		sb.WriteString(fmt.Sprintf("   Seller: %s\n", p.SellerID))
		if p.Category != "" {
			sb.WriteString(fmt.Sprintf("   Category: %s\n", p.Category))
		}
		if i < len(resp.Posts)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func chatResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	var resp struct {
		Chat *chatInfo `json:"chat"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Chat == nil {
		return mcp.NewToolResultError("Unexpected chat response:\n" + formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(formatChat(*resp.Chat)), nil
}

func formatChat(c chatInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chat: %s\n", c.ID)
	fmt.Fprintf(&sb, "  Post:   %s\n", c.PostID)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", c.BuyerID)
	fmt.Fprintf(&sb, "  Seller: %s\n", c.SellerID)
	fmt.Fprintf(&sb, "  Deal status: %s\n", c.DealStatus)
	if c.ActiveOfferID != "" {
		fmt.Fprintf(&sb, "  Active offer: %s\n", c.ActiveOfferID)
	}
	if c.AgreedAmount != "" {
		fmt.Fprintf(&sb, "  Agreed amount: %s\n", c.AgreedAmount)
	}
	return sb.String()
}

func commandResult(raw json.RawMessage, done string) (*mcp.CallToolResult, error) {
	var resp struct {
		Message  messageInfo `json:"message"`
		Chat     chatInfo    `json:"chat"`
		Replayed bool        `json:"replayed"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(done)
	if resp.Replayed {
		sb.WriteString(" (already recorded, nothing new was sent)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Message ID: %s\n", resp.Message.ID)
	if resp.Message.OfferAmount != "" {
		fmt.Fprintf(&sb, "Amount: %s\n", resp.Message.OfferAmount)
	}
	sb.WriteString("\n")
	sb.WriteString(formatChat(resp.Chat))
	return mcp.NewToolResultText(sb.String()), nil
}

func formatMessageList(raw json.RawMessage) (string, error) {
	var resp struct {
		Messages []messageInfo `json:"messages"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected messages response format")
	}
	if len(resp.Messages) == 0 {
		return "No messages yet.", nil
	}

	var sb strings.Builder
	for _, m := range resp.Messages {
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		switch m.Type {
		case "offer", "counteroffer":
			fmt.Fprintf(&sb, "[%s] %s %s %s\n", m.ID, who, m.Type, m.OfferAmount)
		case "text":
			fmt.Fprintf(&sb, "[%s] %s: %s\n", m.ID, who, m.Body)
		default:
			fmt.Fprintf(&sb, "[%s] %s (%s)\n", m.ID, m.Body, m.Type)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
