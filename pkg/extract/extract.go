// Package extract recovers structured JSON from free-form model output.
//
// Model responses rarely arrive as clean JSON: they carry prose, markdown
// fences, chain-of-thought markers, // comments, or several concatenated
// objects. A fixed chain of strategies is tried in order, most precise
// first; the first one yielding a valid object or array wins. Extraction is
// pure and deterministic.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrNoJSON indicates every extraction strategy failed. The wrapped message
// carries the first 200 characters of the offending response.
var ErrNoJSON = errors.New("no JSON value in model output")

// Value is a decoded JSON payload. Exactly one of Object or Array is set;
// responses with a scalar root are treated as a failed parse.
type Value struct {
	Object map[string]any
	Array  []any
}

// IsArray reports whether the payload decoded to a bare array.
func (v Value) IsArray() bool { return v.Array != nil }

var (
	fenceRe          = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	thinkRe          = regexp.MustCompile(`(?s)</think>\s*(\{.*\})`)
	claimsRe         = regexp.MustCompile(`(?s)(\{"claims":\s*\[.*?\]\s*\})`)
	taxonomyLooseRe  = regexp.MustCompile(`(?s)(\{"taxonomy".*?\}\s*\]?\s*\})`)
	taxonomyStrictRe = regexp.MustCompile(`(?s)(\{[^{}]*"taxonomy"[^{}]*\[.*?\]\s*\})`)
	proseRe          = regexp.MustCompile(`(?is)(?:output|result|json|taxonomy|claims):\s*(\{.*?\})`)
)

// JSON extracts a single JSON value from text.
//
// Strategies, in order:
//  1. the whole string, as-is and with // comments stripped
//  2. the first fenced code block
//  3. the first object after a </think> marker
//  4. several {"claims": [...]} objects folded into one
//  5. objects matched by taxonomy/claims field patterns
//  6. an object framed by introductory prose ("result: {...}")
//  7. the span from the first '{' to the last '}', repaired
func JSON(text string) (Value, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return Value{}, fmt.Errorf("%w: empty response", ErrNoJSON)
	}

	if v, ok := parseValue(content); ok {
		return v, nil
	}
	if v, ok := parseValue(stripLineComments(content)); ok {
		return v, nil
	}

	if obj, ok := matchObject(fenceRe, content, true); ok {
		return Value{Object: obj}, nil
	}
	if obj, ok := matchObject(thinkRe, content, true); ok {
		return Value{Object: obj}, nil
	}
	if obj, ok := mergeClaimObjects(content); ok {
		return Value{Object: obj}, nil
	}
	if obj, ok := matchTaxonomy(content); ok {
		return Value{Object: obj}, nil
	}
	if obj, ok := matchObject(claimsRe, content, true); ok {
		return Value{Object: obj}, nil
	}
	if obj, ok := matchObject(proseRe, content, false); ok {
		return Value{Object: obj}, nil
	}
	if obj, ok := repairBracketSpan(content); ok {
		return Value{Object: obj}, nil
	}

	return Value{}, fmt.Errorf("%w: %.200s", ErrNoJSON, content)
}

// stripLineComments removes // comments that sit outside string literals,
// tracking quote state and backslash escapes per line. Lines left empty are
// dropped.
func stripLineComments(s string) string {
	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		inString := false
		escapeNext := false
		commentAt := -1
		for i := 0; i < len(line); i++ {
			c := line[i]
			if escapeNext {
				escapeNext = false
				continue
			}
			switch {
			case c == '\\':
				escapeNext = true
			case c == '"':
				inString = !inString
			case !inString && c == '/' && i+1 < len(line) && line[i+1] == '/':
				commentAt = i
			}
			if commentAt >= 0 {
				break
			}
		}
		if commentAt >= 0 {
			line = strings.TrimRightFunc(line[:commentAt], unicode.IsSpace)
		}
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func parseValue(s string) (Value, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Value{}, false
	}
	switch t := v.(type) {
	case map[string]any:
		return Value{Object: t}, true
	case []any:
		if t == nil {
			t = []any{}
		}
		return Value{Array: t}, true
	}
	return Value{}, false
}

func parseObject(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func parseObjectClean(s string) (map[string]any, bool) {
	if m, ok := parseObject(s); ok {
		return m, true
	}
	return parseObject(stripLineComments(s))
}

// matchObject parses the first capture group of re. When clean is set, a
// comment-stripped reparse is attempted before giving up.
func matchObject(re *regexp.Regexp, content string, clean bool) (map[string]any, bool) {
	m := re.FindStringSubmatch(content)
	if m == nil {
		return nil, false
	}
	candidate := strings.TrimSpace(m[1])
	if clean {
		return parseObjectClean(candidate)
	}
	return parseObject(candidate)
}

// mergeClaimObjects folds two or more {"claims": [...]} objects into a
// single object by concatenating their claims arrays. One match alone is
// left for the plain claims pattern.
func mergeClaimObjects(content string) (map[string]any, bool) {
	matches := claimsRe.FindAllString(content, -1)
	if len(matches) < 2 {
		return nil, false
	}
	var merged []any
	for _, m := range matches {
		obj, ok := parseObject(strings.TrimSpace(m))
		if !ok {
			continue
		}
		if claims, ok := obj["claims"].([]any); ok {
			merged = append(merged, claims...)
		}
	}
	if len(merged) == 0 {
		return nil, false
	}
	return map[string]any{"claims": merged}, true
}

// matchTaxonomy tries the two taxonomy field patterns. A candidate missing
// its trailing brace gets one appended before parsing.
func matchTaxonomy(content string) (map[string]any, bool) {
	for _, re := range []*regexp.Regexp{taxonomyLooseRe, taxonomyStrictRe} {
		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if !strings.HasSuffix(candidate, "}") {
			candidate += "}"
		}
		if obj, ok := parseObjectClean(candidate); ok {
			return obj, true
		}
	}
	return nil, false
}

// repairBracketSpan takes the span from the first '{' to the last '}'.
// When the span holds several {"claims" objects it is split on brace depth
// and their arrays merged; otherwise the span is parsed as one object.
func repairBracketSpan(content string) (map[string]any, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	span := content[start : end+1]

	if strings.Count(span, `{"claims"`) > 1 {
		if obj, ok := splitClaimObjects(span); ok {
			return obj, true
		}
	}
	return parseObjectClean(span)
}

func splitClaimObjects(span string) (map[string]any, bool) {
	var merged []any
	rest := span
	for {
		start := strings.Index(rest, `{"claims"`)
		if start == -1 {
			break
		}
		end := closingBrace(rest, start)
		if end <= start {
			break
		}
		if obj, ok := parseObject(rest[start : end+1]); ok {
			if claims, ok := obj["claims"].([]any); ok {
				merged = append(merged, claims...)
			}
		}
		rest = rest[end+1:]
	}
	if len(merged) == 0 {
		return nil, false
	}
	return map[string]any{"claims": merged}, true
}

// closingBrace walks brace depth from start and returns the index of the
// balancing '}', or -1 when the span is unbalanced. The walk is not
// string-aware; braces inside literals count, matching the repair's
// best-effort nature.
func closingBrace(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
