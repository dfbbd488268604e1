package memory

import "sort"

// ContextBlock is one independent slice of assembled context, tagged by
// where it came from so callers can log or budget by block kind.
type ContextBlock struct {
	Kind string // "summary" or "vector"
	Text string
}

const (
	BlockKindSummary = "summary"
	BlockKindVector  = "vector"
)

// BuildContextBlocks assembles the summary and vector-retrieved memory
// blocks in a fixed order: summary first, then vectors by descending
// score. Each is independent — nothing here merges their text — so a
// caller renders them as separate sections rather than one blended blob.
func BuildContextBlocks(summary string, records []VectorRecord) []ContextBlock {
	var blocks []ContextBlock
	if summary != "" {
		blocks = append(blocks, ContextBlock{Kind: BlockKindSummary, Text: summary})
	}
	sorted := append([]VectorRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	for _, r := range sorted {
		blocks = append(blocks, ContextBlock{Kind: BlockKindVector, Text: r.Text})
	}
	return blocks
}
