// Package evaluation implements the LLM judge: single-document graded
// evaluation and pairwise comparison, score aggregation, and Elo ranking.
package evaluation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports judge output that could not be parsed into the expected
// JSON shape. Parse errors are retriable at the judge layer (a fresh call may
// produce well-formed output).
type ParseError struct {
	Message string
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Snippet)
	}
	return e.Message
}

func newParseError(msg, text string) *ParseError {
	snippet := strings.TrimSpace(text)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return &ParseError{Message: msg, Snippet: snippet}
}

// ParseJSONObject extracts a JSON object from judge output using the
// declared grammar: first a fenced ```json block; else any fenced block
// containing a balanced object; else the first balanced object in the text.
// Mis-parses are structured *ParseError values, never nil maps.
func ParseJSONObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, newParseError("empty response", text)
	}

	candidates := []string{}

	for _, block := range fencedBlocks(trimmed) {
		candidates = append(candidates, block)
	}
	if body := firstBalanced(trimmed, '{', '}'); body != "" {
		candidates = append(candidates, body)
	}

	for _, cand := range candidates {
		cand = strings.TrimSpace(cand)
		if body := firstBalanced(cand, '{', '}'); body != "" {
			cand = body
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(cand), &obj); err == nil {
			return obj, nil
		}
	}

	return nil, newParseError("no valid JSON object found in response", text)
}

// fencedBlocks returns the bodies of all ``` fenced blocks, json-tagged
// blocks first.
func fencedBlocks(text string) []string {
	var tagged, plain []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		tag := strings.TrimSpace(rest[:nl])
		rest = rest[nl+1:]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		body := rest[:end]
		rest = rest[end+3:]
		if strings.EqualFold(tag, "json") {
			tagged = append(tagged, body)
		} else {
			plain = append(plain, body)
		}
	}
	return append(tagged, plain...)
}

// firstBalanced returns the first balanced open..close span in text,
// respecting JSON string literals and escapes.
func firstBalanced(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
