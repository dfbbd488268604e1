package memory

import (
	"context"
	"fmt"
)

// Summarizer compresses messages that have fallen out of the short-term
// window into a brief carried-forward summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []WindowMessage) (string, error)
}

// StaticSummarizer is a summarizer that doesn't call a model: it names
// how many messages were dropped rather than compressing their content.
// Used as a fallback when no model-backed summarizer is configured.
type StaticSummarizer struct{}

func (s *StaticSummarizer) Summarize(ctx context.Context, messages []WindowMessage) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	return fmt.Sprintf("[%d earlier messages omitted]", len(messages)), nil
}

var _ Summarizer = (*StaticSummarizer)(nil)
