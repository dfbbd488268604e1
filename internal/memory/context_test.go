package memory

import "testing"

func TestBuildContextBlocksOrdersSummaryFirst(t *testing.T) {
	blocks := BuildContextBlocks("earlier conversation", []VectorRecord{
		{Text: "memory one", Score: 0.9},
		{Text: "memory two", Score: 0.7},
	})
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].Kind != BlockKindSummary || blocks[0].Text != "earlier conversation" {
		t.Fatalf("expected summary block first, got %+v", blocks[0])
	}
	if blocks[1].Kind != BlockKindVector || blocks[1].Text != "memory one" {
		t.Fatalf("expected first vector block second, got %+v", blocks[1])
	}
	if blocks[2].Kind != BlockKindVector || blocks[2].Text != "memory two" {
		t.Fatalf("expected second vector block third, got %+v", blocks[2])
	}
}

func TestBuildContextBlocksOmitsEmptySummary(t *testing.T) {
	blocks := BuildContextBlocks("", []VectorRecord{{Text: "only memory"}})
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Kind != BlockKindVector {
		t.Fatalf("expected the surviving block to be a vector block, got %+v", blocks[0])
	}
}

func TestBuildContextBlocksNoInputsReturnsEmpty(t *testing.T) {
	blocks := BuildContextBlocks("", nil)
	if len(blocks) != 0 {
		t.Fatalf("expected no blocks, got %+v", blocks)
	}
}
