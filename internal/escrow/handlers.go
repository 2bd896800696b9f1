package escrow

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/chat"
	"github.com/mbd888/trustmarket/internal/identity"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	controller *Controller
}

// NewHandler creates a new escrow handler.
func NewHandler(controller *Controller) *Handler {
	return &Handler{controller: controller}
}

// RegisterProtectedRoutes sets up escrow routes. All require an identified
// caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/chats/:id/escrow/pay", h.step(h.controller.PayEscrow))
	r.POST("/chats/:id/escrow/ship", h.step(h.controller.MarkAsShipped))
	r.POST("/chats/:id/escrow/confirm", h.step(h.controller.ConfirmDelivery))
}

type stepFunc func(ctx context.Context, chatID, callerID string) (*chat.Chat, error)

func (h *Handler) step(fn stepFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := fn(c.Request.Context(), c.Param("id"), identity.CurrentUser(c))
		if err != nil {
			apperr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"chat":       updated,
			"dealStatus": updated.DealStatus,
		})
	}
}
