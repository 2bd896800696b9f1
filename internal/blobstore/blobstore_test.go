package blobstore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCheckImage(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		size        int64
		want        error
	}{
		{"png", "image/png", 1024, nil},
		{"jpeg at limit", "image/jpeg", MaxImageSize, nil},
		{"pdf", "application/pdf", 1024, ErrUnsupportedType},
		{"empty", "image/png", 0, ErrTooLarge},
		{"too large", "image/webp", MaxImageSize + 1, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckImage(tt.contentType, tt.size)
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckImage(%q, %d) = %v, want %v", tt.contentType, tt.size, err, tt.want)
			}
		})
	}
}

func TestImageKey(t *testing.T) {
	at := time.Unix(0, 1700000000000000000)
	if got := ImageKey("post-1", "image/png", at); got != "posts/post-1/1700000000000000000.png" {
		t.Errorf("ImageKey = %q", got)
	}
}

func TestPublicURL(t *testing.T) {
	if got := PublicURL("https://cdn.example.com/", "/posts/a.png"); got != "https://cdn.example.com/posts/a.png" {
		t.Errorf("PublicURL = %q", got)
	}
}

func TestMemoryStore_PutGetDelete(t *testing.T) {
	s := NewMemoryStore("http://localhost:8080/blobs")
	ctx := context.Background()

	url, err := s.Put(ctx, "posts/p/1.png", "image/png", strings.NewReader("png-bytes"), 9)
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://localhost:8080/blobs/posts/p/1.png" {
		t.Errorf("url = %q", url)
	}

	obj, err := s.Get("posts/p/1.png")
	if err != nil {
		t.Fatal(err)
	}
	if obj.ContentType != "image/png" || string(obj.Data) != "png-bytes" {
		t.Errorf("unexpected object %+v", obj)
	}

	if err := s.Delete(ctx, "posts/p/1.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("posts/p/1.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RejectsOversizedBody(t *testing.T) {
	s := NewMemoryStore("http://localhost")
	body := bytes.NewReader(make([]byte, MaxImageSize+1))
	if _, err := s.Put(context.Background(), "big", "image/png", body, 1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}
