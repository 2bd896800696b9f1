package listings

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustmarket/internal/apperr"
	"github.com/mbd888/trustmarket/internal/identity"
	"github.com/mbd888/trustmarket/internal/pagination"
)

// MaxUploadRequestSize bounds a multipart image upload request.
const MaxUploadRequestSize = 6 << 20

// Handler provides HTTP endpoints for posts and orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new listings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/posts", h.ListPosts)
	r.GET("/posts/:id", h.GetPost)
}

// RegisterProtectedRoutes sets up routes that need an identified caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/posts", h.CreatePost)
	r.PATCH("/posts/:id", h.UpdatePost)
	r.POST("/posts/:id/sold", h.MarkSold)
	r.POST("/posts/:id/image", h.UploadImage)
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
}

// CreateOrderRequest is the body of POST /v1/orders.
type CreateOrderRequest struct {
	PostID string `json:"postId" binding:"required"`
}

// ListPosts handles GET /v1/posts
func (h *Handler) ListPosts(c *gin.Context) {
	page, err := pagination.FromQuery(c.Query("cursor"), c.Query("limit"))
	if err != nil {
		apperr.BadRequest(c, "Invalid cursor")
		return
	}
	filter := PostFilter{
		Category:    c.Query("category"),
		SellerID:    c.Query("seller"),
		IncludeSold: c.Query("includeSold") == "true",
	}

	posts, next, err := h.service.ListPosts(c.Request.Context(), filter, page)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	if posts == nil {
		posts = []*Post{}
	}
	c.JSON(http.StatusOK, gin.H{
		"posts":      posts,
		"count":      len(posts),
		"nextCursor": next,
	})
}

// GetPost handles GET /v1/posts/:id
func (h *Handler) GetPost(c *gin.Context) {
	post, err := h.service.GetPost(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": post})
}

// CreatePost handles POST /v1/posts
func (h *Handler) CreatePost(c *gin.Context) {
	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "title and price are required")
		return
	}
	post, err := h.service.CreatePost(c.Request.Context(), identity.CurrentUser(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"post": post})
}

// UpdatePost handles PATCH /v1/posts/:id
func (h *Handler) UpdatePost(c *gin.Context) {
	var req UpdatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	post, err := h.service.UpdatePost(c.Request.Context(), c.Param("id"), identity.CurrentUser(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": post})
}

// MarkSold handles POST /v1/posts/:id/sold
func (h *Handler) MarkSold(c *gin.Context) {
	post, err := h.service.MarkSold(c.Request.Context(), c.Param("id"), identity.CurrentUser(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": post})
}

// UploadImage handles POST /v1/posts/:id/image (multipart field "image")
func (h *Handler) UploadImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadRequestSize)
	header, err := c.FormFile("image")
	if err != nil {
		apperr.BadRequest(c, "multipart field 'image' is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		apperr.BadRequest(c, "could not read uploaded file")
		return
	}
	defer func() { _ = file.Close() }()

	post, err := h.service.UploadImage(c.Request.Context(), c.Param("id"), identity.CurrentUser(c),
		header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		if errors.Is(err, ErrUploadsDisabled) {
			c.JSON(http.StatusNotImplemented, gin.H{
				"error":   "not_configured",
				"message": err.Error(),
			})
			return
		}
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"post":     post,
		"imageUrl": post.ImageURL,
	})
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "postId is required")
		return
	}
	order, err := h.service.CreateOrder(c.Request.Context(), identity.CurrentUser(c), req.PostID)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), pagination.DefaultLimit)
	orders, err := h.service.ListOrders(c.Request.Context(), identity.CurrentUser(c), limit)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"), identity.CurrentUser(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}
