package rag

import (
	"strings"
	"testing"
)

func TestSplitChunks_Empty(t *testing.T) {
	if got := SplitChunks("", 900, 150); got != nil {
		t.Errorf("expected nil for empty text, got %v", got)
	}
	if got := SplitChunks("   \n\t  ", 900, 150); got != nil {
		t.Errorf("expected nil for whitespace-only text, got %v", got)
	}
}

func TestSplitChunks_SingleWindow(t *testing.T) {
	got := SplitChunks("short text", 900, 150)
	if len(got) != 1 || got[0] != "short text" {
		t.Fatalf("expected one chunk with full text, got %v", got)
	}
}

func TestSplitChunks_WindowAndOverlap(t *testing.T) {
	text := strings.Repeat("a", 10) + strings.Repeat("b", 10)
	got := SplitChunks(text, 10, 4)

	// step = 6: windows start at 0, 6, 12, 18
	if len(got) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %v", len(got), got)
	}
	if got[0] != "aaaaaaaaaa" {
		t.Errorf("chunk 0: got %q", got[0])
	}
	if got[1] != "aaaabbbbbb" {
		t.Errorf("chunk 1: got %q", got[1])
	}
	// Consecutive chunks share the overlap region.
	if got[0][6:] != got[1][:4] {
		t.Errorf("overlap mismatch: %q vs %q", got[0][6:], got[1][:4])
	}
}

func TestSplitChunks_Deterministic(t *testing.T) {
	text := strings.Repeat("the quick brown fox. ", 200)
	a := SplitChunks(text, 900, 150)
	b := SplitChunks(text, 900, 150)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs", i)
		}
	}
}

func TestSplitChunks_OverlapAtLeastSizeTerminates(t *testing.T) {
	text := strings.Repeat("x", 50)
	got := SplitChunks(text, 10, 10) // step clamps to 1
	if len(got) != 50 {
		t.Errorf("expected 50 chunks with unit step, got %d", len(got))
	}
	got = SplitChunks(text, 10, 25) // overlap > size still terminates
	if len(got) != 50 {
		t.Errorf("expected 50 chunks, got %d", len(got))
	}
}

func TestSplitChunks_DropsWhitespaceWindows(t *testing.T) {
	text := "abcde" + strings.Repeat(" ", 20) + "z"
	got := SplitChunks(text, 5, 0)
	for _, c := range got {
		if strings.TrimSpace(c) == "" {
			t.Errorf("whitespace-only chunk survived: %q", c)
		}
	}
}

func TestNormalizeDocText(t *testing.T) {
	got := normalizeDocText("\ufeffline1\r\nline2\rline3")
	if got != "line1\nline2\nline3" {
		t.Errorf("got %q", got)
	}
}
