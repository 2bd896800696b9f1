package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all marketplace tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("trustmarket", version)
	h := NewHandlers(NewMarketClient(cfg))

	s.AddTool(ToolListPosts, h.HandleListPosts)
	s.AddTool(ToolOpenChat, h.HandleOpenChat)
	s.AddTool(ToolGetChat, h.HandleGetChat)
	s.AddTool(ToolListMessages, h.HandleListMessages)
	s.AddTool(ToolSendMessage, h.HandleSendMessage)
	s.AddTool(ToolSendOffer, h.HandleSendOffer)
	s.AddTool(ToolCounterOffer, h.HandleCounterOffer)
	s.AddTool(ToolAcceptOffer, h.HandleAcceptOffer)
	s.AddTool(ToolRejectOffer, h.HandleRejectOffer)
	s.AddTool(ToolPayEscrow, h.escrowStep("pay", "Payment held in escrow"))
	s.AddTool(ToolMarkShipped, h.escrowStep("ship", "Marked as shipped"))
	s.AddTool(ToolConfirmDelivery, h.escrowStep("confirm", "Delivery confirmed, deal completed"))

	return s
}
