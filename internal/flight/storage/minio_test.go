package storage

import (
	"testing"

	"github.com/autopeer-io/flightgate/pkg/options"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, key, want string
	}{
		{"", "a.jsonl", "a.jsonl"},
		{"sessions", "a.jsonl", "sessions/a.jsonl"},
		{"sessions/", "2024/a.jsonl", "sessions/2024/a.jsonl"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, tt.key); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
		}
	}
}

func TestNewMinIOProvider(t *testing.T) {
	if _, err := NewMinIOProvider(options.NewS3Options()); err != nil {
		t.Fatalf("NewMinIOProvider: %v", err)
	}

	opts := options.NewS3Options()
	opts.Endpoint = "localhost:9000/recordings"
	if _, err := NewMinIOProvider(opts); err == nil {
		t.Error("expected an error for an endpoint with a path")
	}
}
