package pipeline

import (
	"strings"
	"unicode/utf8"
)

// Default meaningfulness thresholds for web-app submissions.
const (
	DefaultMinCommentChars = 10
	DefaultMinCommentWords = 3
)

// CommentFilter decides whether a raw comment carries enough signal to be
// worth an LLM call. A comment passes when it reaches either threshold.
type CommentFilter struct {
	MinChars int
	MinWords int
}

// DefaultFilter uses the web-app thresholds.
var DefaultFilter = CommentFilter{
	MinChars: DefaultMinCommentChars,
	MinWords: DefaultMinCommentWords,
}

// Meaningful reports whether the text passes the length or word-count
// threshold. Words are split on single spaces, matching how submissions are
// normalized upstream.
func (f CommentFilter) Meaningful(text string) bool {
	if utf8.RuneCountInString(text) >= f.MinChars {
		return true
	}
	return len(strings.Split(text, " ")) >= f.MinWords
}
