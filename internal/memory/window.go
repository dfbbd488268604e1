package memory

// WindowConfig controls how much of a task's short-term conversation
// history is kept in the model's context on each iteration.
type WindowConfig struct {
	MaxMessages    int // max messages to keep in window
	MaxTokens      int // max total tokens for messages
	SummaryBudget  int // tokens reserved for the summary block
	ReservedTokens int // tokens reserved for system prompt + tool schemas
}

// DefaultWindowConfig mirrors the short-term window ceiling used elsewhere
// in the fabric's task defaults.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MaxMessages:    20,
		MaxTokens:      8000,
		SummaryBudget:  500,
		ReservedTokens: 2000,
	}
}

// WindowMessage is a single message as seen by the windowing calculation.
type WindowMessage struct {
	Role    string
	Content string
	Tokens  int
}

// WindowResult is the output of BuildWindow: the messages that fit plus
// an optional carried-forward summary of what didn't.
type WindowResult struct {
	Summary        string
	Messages       []WindowMessage
	TotalTokens    int
	TruncatedCount int
}

// BuildWindow selects the newest messages that fit within cfg's budget,
// oldest first. messages must already be ordered oldest to newest.
func BuildWindow(messages []WindowMessage, summary string, cfg WindowConfig) WindowResult {
	if len(messages) == 0 {
		return WindowResult{Summary: summary, Messages: []WindowMessage{}, TotalTokens: 0}
	}

	availableBudget := cfg.MaxTokens - cfg.ReservedTokens - cfg.SummaryBudget
	if availableBudget < 100 {
		availableBudget = 100
	}

	var selected []WindowMessage
	totalTokens := 0
	summaryTokens := EstimateTokens(summary)

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if len(selected) >= cfg.MaxMessages {
			break
		}
		if totalTokens+msg.Tokens+summaryTokens > availableBudget {
			break
		}
		selected = append(selected, msg)
		totalTokens += msg.Tokens
	}

	for i := 0; i < len(selected)/2; i++ {
		j := len(selected) - 1 - i
		selected[i], selected[j] = selected[j], selected[i]
	}

	return WindowResult{
		Summary:        summary,
		Messages:       selected,
		TotalTokens:    totalTokens + summaryTokens,
		TruncatedCount: len(messages) - len(selected),
	}
}
