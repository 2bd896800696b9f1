package pagination

import (
	"testing"
	"time"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	c, err := Decode(Encode(ts, "post-1"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !c.CreatedAt.Equal(ts) || c.ID != "post-1" {
		t.Errorf("round trip mismatch: %+v", c)
	}
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	if err != nil || c != nil {
		t.Errorf("expected nil cursor and nil error, got %v, %v", c, err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm8tc2VwYXJhdG9y", "YWJjfGlk", "MTIzfA"} {
		if _, err := Decode(s); err != ErrInvalidCursor {
			t.Errorf("Decode(%q) error = %v, want ErrInvalidCursor", s, err)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", DefaultLimit},
		{"10", 10},
		{"-3", DefaultLimit},
		{"abc", DefaultLimit},
		{"5000", MaxLimit},
	}
	for _, tt := range tests {
		if got := ParseLimit(tt.in, DefaultLimit); got != tt.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFromQuery(t *testing.T) {
	p, err := FromQuery(Encode(time.Unix(10, 0), "x"), "20")
	if err != nil {
		t.Fatalf("FromQuery: %v", err)
	}
	if p.Limit != 20 || p.Cursor == nil || p.Cursor.ID != "x" {
		t.Errorf("unexpected page %+v", p)
	}
	if _, err := FromQuery("garbage!", ""); err == nil {
		t.Error("expected error for bad cursor")
	}
}

func TestCursor_OlderThan(t *testing.T) {
	now := time.Now()
	c := &Cursor{CreatedAt: now, ID: "m"}

	if !c.OlderThan(now.Add(-time.Second), "z") {
		t.Error("earlier timestamp should be older")
	}
	if c.OlderThan(now.Add(time.Second), "a") {
		t.Error("later timestamp should not be older")
	}
	if !c.OlderThan(now, "a") || c.OlderThan(now, "z") {
		t.Error("equal timestamps should tie-break on id")
	}
	var none *Cursor
	if !none.OlderThan(now, "a") {
		t.Error("nil cursor admits everything")
	}
}

func TestComputePage(t *testing.T) {
	base := time.Now()
	items := []int{5, 4, 3}
	key := func(i int) (time.Time, string) { return base.Add(time.Duration(i) * time.Second), "id" }

	page, next, more := ComputePage(items, 3, key)
	if len(page) != 3 || next != "" || more {
		t.Errorf("exact limit should not have more: %v %q %v", page, next, more)
	}

	page, next, more = ComputePage(items, 2, key)
	if len(page) != 2 || !more || next == "" {
		t.Fatalf("expected a second page: %v %q %v", page, next, more)
	}
	c, _ := Decode(next)
	if !c.CreatedAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("cursor should point at last returned item, got %v", c.CreatedAt)
	}
}
