package models

import (
	"testing"
	"time"
)

func TestTrackedResource_CursorTime(t *testing.T) {
	cursor := "2024-01-01T00:00:00Z"
	empty := ""
	bad := "not-a-time"

	tests := []struct {
		name   string
		cursor *string
		ok     bool
	}{
		{"nil cursor", nil, false},
		{"empty cursor", &empty, false},
		{"invalid cursor", &bad, false},
		{"valid cursor", &cursor, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := TrackedResource{SyncCursor: tt.cursor}
			got, ok := res.CursorTime()
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && !got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("Unexpected cursor time %s", got)
			}
		})
	}
}

func TestFormatCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 5, 10, 30, 0, 123000000, time.FixedZone("IST", 19800))
	s := FormatCursor(ts)
	res := TrackedResource{SyncCursor: &s}
	got, ok := res.CursorTime()
	if !ok || !got.Equal(ts) {
		t.Errorf("Expected %s, got %s (ok=%v)", ts, got, ok)
	}
	if res.FullName() != "/" {
		t.Errorf("Expected empty full name, got %s", res.FullName())
	}
}
