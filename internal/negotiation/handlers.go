package negotiation

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/chat"
	"github.com/mbd888/trustmarket/internal/identity"
	"github.com/mbd888/trustmarket/internal/realtime"
)

// maxIdempotencyKeyLength bounds the Idempotency-Key header.
const maxIdempotencyKeyLength = 128

// activeOffer is the path value that addresses the chat's active offer.
const activeOffer = "active"

// StreamPath is the websocket timeline route, relative to the API group.
const StreamPath = "/chats/:id/stream"

// Handler provides HTTP endpoints for negotiation.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new negotiation handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterProtectedRoutes sets up negotiation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/chats/:id/messages", h.SendText)
	r.POST("/chats/:id/offers", h.SendOffer)
	r.POST("/chats/:id/offers/:messageId/counter", h.CounterOffer)
	r.POST("/chats/:id/offers/:messageId/accept", h.AcceptOffer)
	r.POST("/chats/:id/offers/:messageId/reject", h.RejectOffer)
}

// RegisterStreamRoutes sets up the websocket timeline. The route must sit
// behind identity.RequireAuth; browsers pass the token as a query parameter,
// so identity.Middleware must list the route's full path.
func (h *Handler) RegisterStreamRoutes(r *gin.RouterGroup) {
	r.GET(StreamPath, h.Stream)
}

// Amount accepts a JSON number or string so malformed amounts reach the
// engine's validation instead of failing to bind.
type Amount string

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	*a = Amount(b)
	return nil
}

// SendTextRequest is the body of POST /v1/chats/:id/messages.
type SendTextRequest struct {
	Body string `json:"body"`
}

// OfferRequest is the body of offer and counteroffer requests.
type OfferRequest struct {
	Amount Amount `json:"amount"`
}

// SendText handles POST /v1/chats/:id/messages
func (h *Handler) SendText(c *gin.Context) {
	call, ok := h.call(c)
	if !ok {
		return
	}
	var req SendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}

	res, err := h.engine.SendText(c.Request.Context(), call, req.Body)
	respond(c, res, err)
}

// SendOffer handles POST /v1/chats/:id/offers
func (h *Handler) SendOffer(c *gin.Context) {
	call, ok := h.call(c)
	if !ok {
		return
	}
	var req OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}

	res, err := h.engine.SendOffer(c.Request.Context(), call, string(req.Amount))
	respond(c, res, err)
}

// CounterOffer handles POST /v1/chats/:id/offers/:messageId/counter
func (h *Handler) CounterOffer(c *gin.Context) {
	call, ok := h.call(c)
	if !ok {
		return
	}
	var req OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}

	res, err := h.engine.CounterOffer(c.Request.Context(), call, offerParam(c), string(req.Amount))
	respond(c, res, err)
}

// AcceptOffer handles POST /v1/chats/:id/offers/:messageId/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	call, ok := h.call(c)
	if !ok {
		return
	}
	res, err := h.engine.AcceptOffer(c.Request.Context(), call, offerParam(c))
	respond(c, res, err)
}

// RejectOffer handles POST /v1/chats/:id/offers/:messageId/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	call, ok := h.call(c)
	if !ok {
		return
	}
	res, err := h.engine.RejectOffer(c.Request.Context(), call, offerParam(c))
	respond(c, res, err)
}

// Stream handles GET /v1/chats/:id/stream
func (h *Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.engine.Watch(ctx, c.Param("id"), identity.CurrentUser(c))
	if err != nil {
		if errors.Is(err, ErrNoFeed) {
			c.JSON(http.StatusNotImplemented, gin.H{
				"error":   "not_configured",
				"message": err.Error(),
			})
			return
		}
		apperr.Write(c, err)
		return
	}
	defer t.Close()

	history := t.Messages()
	initial := make([]realtime.Frame, 0, len(history))
	for _, m := range history {
		initial = append(initial, realtime.Frame{Type: "message", Data: m})
	}

	frames := make(chan realtime.Frame)
	go func() {
		defer close(frames)
		for m := range t.Updates() {
			select {
			case frames <- realtime.Frame{Type: "message", Data: m}:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := realtime.Stream(ctx, c.Writer, c.Request, initial, frames, h.logger); err != nil {
		h.logger.Debug("chat stream ended", "chatId", c.Param("id"), "error", err)
	}
}

func (h *Handler) call(c *gin.Context) (Call, bool) {
	key := c.GetHeader("Idempotency-Key")
	if len(key) > maxIdempotencyKeyLength {
		apperr.BadRequest(c, "Idempotency-Key is too long")
		return Call{}, false
	}
	return Call{
		ChatID:         c.Param("id"),
		CallerID:       identity.CurrentUser(c),
		IdempotencyKey: key,
	}, true
}

func offerParam(c *gin.Context) string {
	id := c.Param("messageId")
	if id == activeOffer {
		return ""
	}
	return id
}

func respond(c *gin.Context, res *chat.Result, err error) {
	if err != nil {
		apperr.Write(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"message":  res.Message,
		"chat":     res.Chat,
		"replayed": res.Replayed,
	})
}
