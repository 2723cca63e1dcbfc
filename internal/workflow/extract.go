package workflow

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/devloopfleet/devloop/internal/corerr"
)

// fencedBlock matches a ```json fenced block, or a bare ``` fenced block.
var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// postPhrase matches a common lead-in phrase before the JSON payload, so
// the ladder can skip straight to the brace that follows it.
var postPhrase = regexp.MustCompile(`(?i)(?:here(?:'s| is)[^\n{]*:|changes?:)\s*`)

// RepairFunc asks an agent to reduce malformed text to valid JSON. It is
// the AI-fallback rung of the extraction ladder; callers that don't have a
// live agent handy may leave it nil, in which case the ladder gives up
// after the mechanical strategies.
type RepairFunc func(text string) (string, error)

// ExtractResult captures which rung of the ladder succeeded, for the
// Metrics Bridge's json:* routing.
type ExtractResult struct {
	Changes    *CodeChanges
	Strategy   string
	RetryCount int
}

// ExtractCodeChanges reduces an agent's free-text response to CodeChanges,
// trying progressively more aggressive strategies: direct parse, fenced
// code block, post-phrase brace scan, balanced-brace scan, then (if repair
// is non-nil) an AI-fallback repair pass.
func ExtractCodeChanges(text string, repair RepairFunc) (*ExtractResult, error) {
	trimmed := strings.TrimSpace(text)

	if changes, ok := tryParse(trimmed); ok {
		return &ExtractResult{Changes: changes, Strategy: "direct", RetryCount: 0}, nil
	}

	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		if changes, ok := tryParse(strings.TrimSpace(m[1])); ok {
			return &ExtractResult{Changes: changes, Strategy: "fenced_block", RetryCount: 1}, nil
		}
	}

	if loc := postPhrase.FindStringIndex(trimmed); loc != nil {
		rest := trimmed[loc[1]:]
		if candidate, ok := scanBalancedBrace(rest); ok {
			if changes, ok := tryParse(candidate); ok {
				return &ExtractResult{Changes: changes, Strategy: "post_phrase", RetryCount: 1}, nil
			}
		}
	}

	if candidate, ok := scanBalancedBrace(trimmed); ok {
		if changes, ok := tryParse(candidate); ok {
			return &ExtractResult{Changes: changes, Strategy: "sanitize_brace_scan", RetryCount: 2}, nil
		}
	}

	if repair != nil {
		repaired, err := repair(trimmed)
		if err == nil {
			if changes, ok := tryParse(repaired); ok {
				return &ExtractResult{Changes: changes, Strategy: "ai_fallback_success", RetryCount: 3}, nil
			}
		}
	}

	return nil, &corerr.ParseError{Reason: corerr.JSONUnparseable, Raw: truncate(trimmed, 2000), Msg: "agent text could not be reduced to CodeChanges"}
}

// scanBalancedBrace finds the first "{" in s and returns the substring up
// to its matching closing brace, respecting string literals so braces
// inside quoted JSON strings don't throw off the depth count.
func scanBalancedBrace(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// tryParse validates candidate as JSON via gjson (cheap structural check
// before paying for a full unmarshal), normalizes defaults via sjson, then
// decodes into CodeChanges.
func tryParse(candidate string) (*CodeChanges, bool) {
	if candidate == "" || !gjson.Valid(candidate) {
		return nil, false
	}

	normalized := normalizeDefaults(candidate)

	var changes CodeChanges
	if err := json.Unmarshal([]byte(normalized), &changes); err != nil {
		return nil, false
	}
	if len(changes.Files) == 0 {
		return nil, false
	}
	return &changes, true
}

// normalizeDefaults fills in a default "update" op for any file entry
// missing one, so a partially-populated agent response still decodes into
// a fully-specified CodeChanges.
func normalizeDefaults(candidate string) string {
	result := gjson.Get(candidate, "files")
	if !result.IsArray() {
		return candidate
	}

	out := candidate
	result.ForEach(func(key, value gjson.Result) bool {
		if !value.Get("op").Exists() {
			path := "files." + key.String() + ".op"
			if patched, err := sjson.Set(out, path, string(FileOpUpdate)); err == nil {
				out = patched
			}
		}
		return true
	})
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
