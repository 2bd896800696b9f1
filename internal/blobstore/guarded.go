package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mbd888/trustmarket/internal/circuitbreaker"
)

// Guarded wraps a Store in a circuit breaker so uploads fail fast while
// the backend is down instead of holding requests open.
type Guarded struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps inner with breaker.
func NewGuarded(inner Store, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Put uploads through the breaker.
func (g *Guarded) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	var url string
	err := g.breaker.Execute("put", func() error {
		var err error
		url, err = g.inner.Put(ctx, key, contentType, body, size)
		return err
	}, backendFailure)
	return url, err
}

// Delete removes through the breaker.
func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.breaker.Execute("delete", func() error {
		return g.inner.Delete(ctx, key)
	}, backendFailure)
}

// Ping reports an open circuit, then checks the backend when it can.
func (g *Guarded) Ping(ctx context.Context) error {
	if g.breaker.AnyOpen() {
		return circuitbreaker.ErrOpen
	}
	if p, ok := g.inner.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("blob store ping: %w", err)
		}
	}
	return nil
}

// backendFailure separates outages from caller mistakes and cancellations.
func backendFailure(err error) bool {
	switch {
	case errors.Is(err, ErrTooLarge), errors.Is(err, ErrUnsupportedType), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
