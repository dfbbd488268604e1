package channels

import (
	"regexp"
	"strings"
)

// telegramMaxMessageLen is Telegram's hard cap on a single message's
// text length.
const telegramMaxMessageLen = 4096

const thinkOpenTag = "<think>"

var thinkBlockPattern = regexp.MustCompile(`(?is)<think>.*?</think>`)

// StripThinkBlocks removes every closed <think>...</think> span from s,
// repeating until no closed span is left, so a block whose removal joins
// the text around it into a new block is removed as well. Idempotent:
// running it twice is the same as running it once.
func StripThinkBlocks(s string) string {
	for {
		next := thinkBlockPattern.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}

// SanitizeStreamingDisplay is StripThinkBlocks plus a truncation at any
// still-open <think> tag, so a reasoning block in progress never leaks
// onto the screen mid-stream — only once its closing tag arrives (and
// StripThinkBlocks removes the whole span) does the text past it appear.
func SanitizeStreamingDisplay(raw string) string {
	clean := StripThinkBlocks(raw)
	if idx := strings.LastIndex(clean, thinkOpenTag); idx != -1 {
		clean = clean[:idx]
	}
	return clean
}

// markdownV2Special is the character set Telegram's MarkdownV2 parse
// mode requires escaping, per the platform's own spec.
const markdownV2Special = "_*[]()~`>#+-=|{}.!"

// escapeMarkdownV2 escapes every MarkdownV2 special character in s so
// arbitrary model or user output can be sent with ParseMode
// "MarkdownV2" without Telegram rejecting it as malformed markup.
func escapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(markdownV2Special, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// segmentText splits s into chunks no longer than max, preferring to
// break after a newline so a segment never cuts a line in half unless
// the line itself exceeds max.
func segmentText(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}

	var segments []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.SplitAfter(s, "\n") {
		if line == "" {
			continue
		}
		for len(line) > max {
			flush()
			segments = append(segments, line[:max])
			line = line[max:]
		}
		if cur.Len()+len(line) > max {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return segments
}
