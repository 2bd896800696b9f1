package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the marketplace API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token identifying the acting user
}

// MarketClient is a pure HTTP client for the marketplace API.
type MarketClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMarketClient creates a new client for the marketplace API.
func NewMarketClient(cfg Config) *MarketClient {
	return &MarketClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *MarketClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, idempotencyKey string) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListPosts browses open listings.
func (c *MarketClient) ListPosts(ctx context.Context, category string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/posts", q, nil, "")
}

// OpenChat resolves the caller's chat about a post.
func (c *MarketClient) OpenChat(ctx context.Context, postID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/chats", nil, map[string]string{"postId": postID}, "")
}

// GetChat returns a chat the caller participates in.
func (c *MarketClient) GetChat(ctx context.Context, chatID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, chatPath(chatID), nil, nil, "")
}

// ListMessages returns a chat's history, oldest first.
func (c *MarketClient) ListMessages(ctx context.Context, chatID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, chatPath(chatID)+"/messages", nil, nil, "")
}

// SendMessage posts a text message.
func (c *MarketClient) SendMessage(ctx context.Context, chatID, body, key string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, chatPath(chatID)+"/messages", nil, map[string]string{"body": body}, key)
}

// SendOffer proposes a price.
func (c *MarketClient) SendOffer(ctx context.Context, chatID, amount, key string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, chatPath(chatID)+"/offers", nil, map[string]string{"amount": amount}, key)
}

// CounterOffer answers an offer with a new price. An empty offerID
// targets the active offer.
func (c *MarketClient) CounterOffer(ctx context.Context, chatID, offerID, amount, key string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, offerPath(chatID, offerID)+"/counter", nil, map[string]string{"amount": amount}, key)
}

// AcceptOffer agrees to an offer.
func (c *MarketClient) AcceptOffer(ctx context.Context, chatID, offerID, key string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, offerPath(chatID, offerID)+"/accept", nil, nil, key)
}

// RejectOffer declines an offer.
func (c *MarketClient) RejectOffer(ctx context.Context, chatID, offerID, key string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, offerPath(chatID, offerID)+"/reject", nil, nil, key)
}

// EscrowStep advances the deal: step is "pay", "ship" or "confirm".
func (c *MarketClient) EscrowStep(ctx context.Context, chatID, step string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, chatPath(chatID)+"/escrow/"+step, nil, nil, "")
}

func chatPath(chatID string) string {
	return "/v1/chats/" + url.PathEscape(chatID)
}

func offerPath(chatID, offerID string) string {
	if offerID == "" {
		offerID = "active"
	}
	return chatPath(chatID) + "/offers/" + url.PathEscape(offerID)
}
