package notify

import (
	"strings"
	"testing"
)

func TestPreviewShortTextUntouched(t *testing.T) {
	if got := Preview("hello"); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestPreviewTruncatesAtRuneBoundary(t *testing.T) {
	long := strings.Repeat("ü", 200)
	got := Preview(long)
	if want := strings.Repeat("ü", 128) + "..."; got != want {
		t.Fatalf("got %d runes, want %d plus ellipsis", len([]rune(got)), 128)
	}
}

func TestPreviewExactLimitKept(t *testing.T) {
	exact := strings.Repeat("a", 128)
	if got := Preview(exact); got != exact {
		t.Fatalf("exact-limit payload was altered: %q", got)
	}
}
