package profiles

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/identity"
)

// Handler provides HTTP endpoints for profiles.
type Handler struct {
	service *Service
}

// NewHandler creates a new profile handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/profiles/:id", h.GetProfile)
}

// RegisterProtectedRoutes sets up routes that need an identified caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PUT("/profiles/me", h.UpsertProfile)
	r.POST("/profiles/:id/reviews", h.AddReview)
}

// GetProfile handles GET /v1/profiles/:id
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"), identity.CurrentUser(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// UpsertProfile handles PUT /v1/profiles/me
func (h *Handler) UpsertProfile(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "displayName is required")
		return
	}
	p, err := h.service.Upsert(c.Request.Context(), identity.CurrentUser(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// AddReview handles POST /v1/profiles/:id/reviews
func (h *Handler) AddReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "kind and text are required")
		return
	}
	review, err := h.service.AddReview(c.Request.Context(), c.Param("id"), identity.CurrentUser(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"review": review})
}
