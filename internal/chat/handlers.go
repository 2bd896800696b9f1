package chat

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/identity"
	"github.com/mbd888/trustmarket/internal/pagination"
)

// Handler provides HTTP endpoints for chat sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new chat handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up chat routes. All require an identified caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/chats", h.OpenChat)
	r.GET("/chats", h.ListChats)
	r.GET("/chats/:id", h.GetChat)
	r.GET("/chats/:id/messages", h.ListMessages)
	r.POST("/orders/:id/chat", h.OpenOrderChat)
}

// OpenChatRequest is the body of POST /v1/chats.
type OpenChatRequest struct {
	PostID string `json:"postId" binding:"required"`
}

// OpenChat handles POST /v1/chats
func (h *Handler) OpenChat(c *gin.Context) {
	var req OpenChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "postId is required")
		return
	}

	chat, err := h.service.Open(c.Request.Context(), req.PostID, identity.CurrentUser(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat": chat, "chatId": chat.ID})
}

// OpenOrderChat handles POST /v1/orders/:id/chat
func (h *Handler) OpenOrderChat(c *gin.Context) {
	chat, err := h.service.ResolveOrder(c.Request.Context(), c.Param("id"), identity.CurrentUser(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat": chat, "chatId": chat.ID})
}

// ListChats handles GET /v1/chats
func (h *Handler) ListChats(c *gin.Context) {
	page, err := pagination.FromQuery(c.Query("cursor"), c.Query("limit"))
	if err != nil {
		apperr.BadRequest(c, "invalid cursor")
		return
	}

	chats, next, err := h.service.ListForUser(c.Request.Context(), identity.CurrentUser(c), page)
	if err != nil {
		apperr.Write(c, err)
		return
	}

	resp := gin.H{
		"chats": chats,
		"count": len(chats),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetChat handles GET /v1/chats/:id
func (h *Handler) GetChat(c *gin.Context) {
	chat, err := h.service.Get(c.Request.Context(), c.Param("id"), identity.CurrentUser(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// ListMessages handles GET /v1/chats/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 0)

	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), identity.CurrentUser(c), limit)
	if err != nil {
		apperr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}
