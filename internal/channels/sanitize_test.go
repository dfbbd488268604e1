package channels

import (
	"strings"
	"testing"
)

func TestStripThinkBlocksRemovesClosedBlock(t *testing.T) {
	in := "before <think>reasoning here\nmultiline</think> after"
	got := StripThinkBlocks(in)
	if got != "before  after" {
		t.Fatalf("StripThinkBlocks = %q", got)
	}
}

func TestStripThinkBlocksIsIdempotent(t *testing.T) {
	in := "a <think>x</think> b <think>y</think> c"
	once := StripThinkBlocks(in)
	twice := StripThinkBlocks(once)
	if once != twice {
		t.Fatalf("not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestStripThinkBlocksLeavesPlainTextAlone(t *testing.T) {
	in := "nothing to strip here"
	if got := StripThinkBlocks(in); got != in {
		t.Fatalf("StripThinkBlocks = %q, want unchanged", got)
	}
}

func TestSanitizeStreamingDisplayHidesOpenBlock(t *testing.T) {
	in := "visible text <think>still reasoning, not done yet"
	got := SanitizeStreamingDisplay(in)
	if got != "visible text " {
		t.Fatalf("SanitizeStreamingDisplay = %q", got)
	}
}

func TestSanitizeStreamingDisplayShowsClosedBlockResult(t *testing.T) {
	in := "before <think>reasoning</think> after"
	got := SanitizeStreamingDisplay(in)
	if got != "before  after" {
		t.Fatalf("SanitizeStreamingDisplay = %q", got)
	}
}

func TestEscapeMarkdownV2EscapesSpecialChars(t *testing.T) {
	got := escapeMarkdownV2("a.b!c-d")
	want := `a\.b\!c\-d`
	if got != want {
		t.Fatalf("escapeMarkdownV2 = %q, want %q", got, want)
	}
}

func TestEscapeMarkdownV2LeavesPlainTextAlone(t *testing.T) {
	in := "plain text with no special chars"
	if got := escapeMarkdownV2(in); got != in {
		t.Fatalf("escapeMarkdownV2 = %q, want unchanged", got)
	}
}

func TestSegmentTextReturnsSingleSegmentUnderLimit(t *testing.T) {
	segs := segmentText("short text", 100)
	if len(segs) != 1 || segs[0] != "short text" {
		t.Fatalf("segments = %#v", segs)
	}
}

func TestSegmentTextBreaksAtNewlineBoundaries(t *testing.T) {
	text := strings.Repeat("line\n", 10) // 50 bytes
	segs := segmentText(text, 12)
	for _, s := range segs {
		if len(s) > 12 {
			t.Fatalf("segment exceeds max: %q (%d bytes)", s, len(s))
		}
	}
	if strings.Join(segs, "") != text {
		t.Fatalf("segments do not reconstitute original text")
	}
}

func TestSegmentTextHardSplitsAnOverlongLine(t *testing.T) {
	text := strings.Repeat("x", 30)
	segs := segmentText(text, 10)
	if len(segs) != 3 {
		t.Fatalf("len(segs) = %d, want 3", len(segs))
	}
	if strings.Join(segs, "") != text {
		t.Fatalf("segments do not reconstitute original text")
	}
}
