package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the marketplace MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListPosts = mcp.NewTool("list_posts",
	mcp.WithDescription(
		"Browse open marketplace listings. "+
			"Returns each post's id, title, price and seller. Use a post id with open_chat to start negotiating."),
	mcp.WithString("category",
		mcp.Description("Only show posts in this category (e.g. 'bikes', 'furniture')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of posts to return (default 20)")),
)

var ToolOpenChat = mcp.NewTool("open_chat",
	mcp.WithDescription(
		"Open the buyer chat for a post, or return the existing one. "+
			"Each buyer has exactly one chat per post with its seller."),
	mcp.WithString("post_id",
		mcp.Required(),
		mcp.Description("The post to ask about")),
)

var ToolGetChat = mcp.NewTool("get_chat",
	mcp.WithDescription(
		"Show a chat's participants, deal status (open, accepted, paid, shipped, completed), "+
			"the active offer and the agreed amount."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id returned by open_chat")),
)

var ToolListMessages = mcp.NewTool("list_messages",
	mcp.WithDescription(
		"Read a chat's full history, oldest first, including offers and deal events."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
)

var ToolSendMessage = mcp.NewTool("send_message",
	mcp.WithDescription("Send a plain text message in a chat."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
	mcp.WithString("body",
		mcp.Required(),
		mcp.Description("Message text")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional key; retrying with the same key never sends twice")),
)

var ToolSendOffer = mcp.NewTool("send_offer",
	mcp.WithDescription(
		"Propose a price while the deal is open. "+
			"The new offer replaces any earlier one and the other participant may accept, reject or counter it."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Offered price, e.g. '120' or '99.50'")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional key; retrying with the same key never sends twice")),
)

var ToolCounterOffer = mcp.NewTool("counter_offer",
	mcp.WithDescription(
		"Answer the other participant's offer with a different price."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Counter price, e.g. '110'")),
	mcp.WithString("offer_id",
		mcp.Description("Offer message id; defaults to the active offer")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional key; retrying with the same key never sends twice")),
)

var ToolAcceptOffer = mcp.NewTool("accept_offer",
	mcp.WithDescription(
		"Accept the other participant's offer. The deal moves to accepted at the offered price "+
			"and the buyer can then pay into escrow."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
	mcp.WithString("offer_id",
		mcp.Description("Offer message id; defaults to the active offer")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional key; retrying with the same key never sends twice")),
)

var ToolRejectOffer = mcp.NewTool("reject_offer",
	mcp.WithDescription(
		"Reject the other participant's offer. The deal stays open."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
	mcp.WithString("offer_id",
		mcp.Description("Offer message id; defaults to the active offer")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional key; retrying with the same key never sends twice")),
)

var ToolPayEscrow = mcp.NewTool("pay_escrow",
	mcp.WithDescription(
		"As the buyer, pay the agreed amount into escrow. Only valid once an offer was accepted."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
)

var ToolMarkShipped = mcp.NewTool("mark_shipped",
	mcp.WithDescription(
		"As the seller, record that the item was shipped. Only valid after the buyer paid."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"As the buyer, confirm the item arrived. Completes the deal and releases escrow to the seller."),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("The chat id")),
)
