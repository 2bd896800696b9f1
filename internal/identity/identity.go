// Package identity authenticates callers with HMAC-signed JWTs and exposes
// the current user to handlers and services.
package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/trustmarket/internal/logging"
)

// ContextKeyUserID is the gin context key holding the authenticated user id.
const ContextKeyUserID = "authUserID"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by marketplace tokens. Subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates and issues tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for userID valid for ttl. Used by development tooling
// and tests; production tokens come from the identity provider.
func (v *Verifier) Issue(userID, name string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts a bearer token from the Authorization header.
func TokenFromRequest(r *http.Request) string {
	after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(after)
}

// Middleware verifies the caller's token when present and records the user
// on the gin context and the request's logger. It never rejects.
//
// queryTokenRoutes lists gin route patterns (c.FullPath()) that also accept
// the token as a "token" query parameter, for websocket upgrades where
// browsers cannot set headers. Other routes ignore the query parameter.
func Middleware(v *Verifier, queryTokenRoutes ...string) gin.HandlerFunc {
	allowQuery := make(map[string]bool, len(queryTokenRoutes))
	for _, route := range queryTokenRoutes {
		allowQuery[route] = true
	}
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" && allowQuery[c.FullPath()] {
			token = c.Query("token")
		}
		if token != "" {
			claims, err := v.Verify(token)
			if err == nil {
				c.Set(ContextKeyUserID, claims.Subject)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), claims.Subject))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user id, or "" when anonymous.
func CurrentUser(c *gin.Context) string {
	v, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	id, _ := v.(string)
	return id
}
