package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/trustmarket/internal/circuitbreaker"
)

type flakyStore struct {
	err   error
	calls int
}

func (f *flakyStore) Put(_ context.Context, key, _ string, _ io.Reader, _ int64) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.example/" + key, nil
}

func (f *flakyStore) Delete(context.Context, string) error {
	f.calls++
	return f.err
}

func TestGuarded_OpensOnBackendFailures(t *testing.T) {
	inner := &flakyStore{err: errors.New("connection reset")}
	g := NewGuarded(inner, circuitbreaker.New("blobs-test", 2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Put(ctx, "k", "image/png", strings.NewReader("x"), 1); err == nil {
			t.Fatal("expected backend error")
		}
	}
	_, err := g.Put(ctx, "k", "image/png", strings.NewReader("x"), 1)
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("backend called %d times, want 2", inner.calls)
	}
	if err := g.Ping(ctx); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Ping = %v, want ErrOpen", err)
	}
}

func TestGuarded_ClientErrorsDoNotTrip(t *testing.T) {
	inner := &flakyStore{err: ErrTooLarge}
	g := NewGuarded(inner, circuitbreaker.New("blobs-test", 1, time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.Put(ctx, "k", "image/png", strings.NewReader("x"), 1); !errors.Is(err, ErrTooLarge) {
			t.Fatalf("Put = %v, want ErrTooLarge", err)
		}
	}
	if err := g.Ping(ctx); err != nil {
		t.Errorf("Ping = %v, want nil", err)
	}
}

func TestGuarded_PassesThrough(t *testing.T) {
	g := NewGuarded(NewMemoryStore("/blobs"), circuitbreaker.New("blobs-test", 1, time.Minute))
	ctx := context.Background()

	url, err := g.Put(ctx, "posts/p/1.png", "image/png", strings.NewReader("png"), 3)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "/blobs/posts/p/1.png" {
		t.Errorf("url = %q", url)
	}
	if err := g.Delete(ctx, "posts/p/1.png"); err != nil {
		t.Errorf("Delete: %v", err)
	}
}
