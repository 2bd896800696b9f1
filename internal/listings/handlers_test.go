package listings

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustmarket/internal/blobstore"
	"github.com/mbd888/trustmarket/internal/identity"
)

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	svc.WithBlobs(blobstore.NewMemoryStore("http://localhost/blobs"))
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	protected := v1.Group("")
	// X-User-ID stands in for the JWT middleware.
	protected.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(identity.ContextKeyUserID, id)
		}
		c.Next()
	})
	protected.Use(identity.RequireAuth())
	handler.RegisterProtectedRoutes(protected)
	return r, svc
}

func send(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type postResponse struct {
	Post Post `json:"post"`
}

func createPost(t *testing.T, r *gin.Engine, seller string) Post {
	t.Helper()
	w := send(r, http.MethodPost, "/v1/posts", seller, CreatePostRequest{Title: "Bike", Price: "150", Category: "bikes"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp postResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Post
}

func TestHandler_PostLifecycle(t *testing.T) {
	router, _ := setupTestRouter()
	post := createPost(t, router, "seller")
	assert.Equal(t, "150.00", post.Price)

	w := send(router, http.MethodGet, "/v1/posts/"+post.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = send(router, http.MethodGet, "/v1/posts?category=bikes", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Posts []Post `json:"posts"`
		Count int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = send(router, http.MethodPatch, "/v1/posts/"+post.ID, "seller", map[string]string{"price": "140"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated postResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "140.00", updated.Post.Price)

	w = send(router, http.MethodPatch, "/v1/posts/"+post.ID, "buyer", map[string]string{"price": "1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(router, http.MethodPost, "/v1/posts/"+post.ID+"/sold", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sold postResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sold))
	assert.True(t, sold.Post.Sold)
}

func TestHandler_CreatePostErrors(t *testing.T) {
	router, _ := setupTestRouter()

	w := send(router, http.MethodPost, "/v1/posts", "", CreatePostRequest{Title: "x", Price: "1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(router, http.MethodPost, "/v1/posts", "seller", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(router, http.MethodPost, "/v1/posts", "seller", CreatePostRequest{Title: "x", Price: "-5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(router, http.MethodGet, "/v1/posts/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Orders(t *testing.T) {
	router, _ := setupTestRouter()
	post := createPost(t, router, "seller")

	w := send(router, http.MethodPost, "/v1/orders", "buyer", CreateOrderRequest{PostID: post.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Order Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, OrderPending, created.Order.Status)

	w = send(router, http.MethodPost, "/v1/orders", "seller", CreateOrderRequest{PostID: post.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(router, http.MethodGet, "/v1/orders/"+created.Order.ID, "seller", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = send(router, http.MethodGet, "/v1/orders/"+created.Order.ID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(router, http.MethodGet, "/v1/orders", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandler_UploadImage(t *testing.T) {
	router, _ := setupTestRouter()
	post := createPost(t, router, "seller")

	upload := func(user, contentType string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="bike.png"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, _ = part.Write([]byte("\x89PNG fake image"))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/v1/posts/"+post.ID+"/image", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := upload("seller", "image/png")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		ImageURL string `json:"imageUrl"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.ImageURL, "/posts/"+post.ID+"/")

	assert.Equal(t, http.StatusBadRequest, upload("seller", "application/pdf").Code)
	assert.Equal(t, http.StatusForbidden, upload("buyer", "image/png").Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/posts/"+post.ID+"/image", nil)
	req.Header.Set("X-User-ID", "seller")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
