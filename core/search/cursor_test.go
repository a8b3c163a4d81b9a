package search

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{SortKey: "2024-06-15T10:00:00.123456789Z", ResourceID: "abc-123"}
	decoded, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded != c {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, c)
	}
}

func TestCursorRejectsGarbage(t *testing.T) {
	if _, err := DecodeCursor("not-a-valid-cursor!!"); err == nil {
		t.Fatal("expected invalid-cursor error")
	}
	if _, err := DecodeCursor(""); err == nil {
		t.Fatal("expected invalid-cursor error for empty string")
	}
}

func TestClampCount(t *testing.T) {
	ten := 10
	if got := ClampCount(&ten, 20, 100); got != 10 {
		t.Fatalf("got %d want 10", got)
	}
	if got := ClampCount(nil, 20, 100); got != 20 {
		t.Fatalf("got %d want 20 (default)", got)
	}
	big := 5000
	if got := ClampCount(&big, 20, 100); got != 100 {
		t.Fatalf("got %d want 100 (clamped)", got)
	}
}
