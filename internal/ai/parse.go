package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// Response shapes, used in errors and metrics labels.
const (
	ShapePair      = "pair"
	ShapeSelection = "selection"
)

// ParseError reports a comparison response that does not have the expected shape.
type ParseError struct {
	Shape  string
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("malformed %s response: %s (response: %s)", e.Shape, e.Reason, raw)
}

type rawPair struct {
	Verdict    *string  `json:"verdict"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

type rawSelection struct {
	Candidates []struct {
		Key        *string  `json:"key"`
		Similarity *float64 `json:"similarity"`
	} `json:"candidates"`
	BestKey    string   `json:"best_key"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

// parsePair decodes and validates a pairwise verdict.
func parsePair(content string) (*PairResult, error) {
	fail := func(format string, args ...any) error {
		return &ParseError{Shape: ShapePair, Reason: fmt.Sprintf(format, args...), Raw: content}
	}

	var raw rawPair
	if err := json.Unmarshal([]byte(extractJSON(content)), &raw); err != nil {
		return nil, fail("invalid JSON: %v", err)
	}
	if raw.Verdict == nil {
		return nil, fail("missing verdict")
	}
	verdict := product.Verdict(strings.ToLower(strings.TrimSpace(*raw.Verdict)))
	if !verdict.Valid() {
		return nil, fail("unknown verdict %q", *raw.Verdict)
	}
	if raw.Confidence == nil {
		return nil, fail("missing confidence")
	}
	if !unitInterval(*raw.Confidence) {
		return nil, fail("confidence %v outside [0,1]", *raw.Confidence)
	}
	return &PairResult{
		Verdict:    verdict,
		Confidence: *raw.Confidence,
		Rationale:  raw.Rationale,
	}, nil
}

// parseSelection decodes a multi-candidate response. The echoed keys must
// be exactly the input keys, each once. Scores are returned in input order.
func parseSelection(content string, keys []string) (*SelectionResult, error) {
	fail := func(format string, args ...any) error {
		return &ParseError{Shape: ShapeSelection, Reason: fmt.Sprintf(format, args...), Raw: content}
	}

	var raw rawSelection
	if err := json.Unmarshal([]byte(extractJSON(content)), &raw); err != nil {
		return nil, fail("invalid JSON: %v", err)
	}

	expected := make(map[string]bool, len(keys))
	for _, k := range keys {
		expected[k] = true
	}
	seen := make(map[string]float64, len(keys))
	for i, c := range raw.Candidates {
		if c.Key == nil {
			return nil, fail("candidate %d: missing key", i)
		}
		key := *c.Key
		if !expected[key] {
			return nil, fail("unexpected candidate key %q", key)
		}
		if _, dup := seen[key]; dup {
			return nil, fail("candidate key %q repeated", key)
		}
		if c.Similarity == nil {
			return nil, fail("candidate %q: missing similarity", key)
		}
		if !unitInterval(*c.Similarity) {
			return nil, fail("candidate %q: similarity %v outside [0,1]", key, *c.Similarity)
		}
		seen[key] = *c.Similarity
	}
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			return nil, fail("candidate key %q missing", k)
		}
	}

	result := &SelectionResult{
		Scores:    make([]Similarity, 0, len(keys)),
		BestKey:   raw.BestKey,
		Rationale: raw.Rationale,
	}
	for _, k := range keys {
		result.Scores = append(result.Scores, Similarity{Key: k, Similarity: seen[k]})
	}

	if raw.BestKey != "" {
		if !expected[raw.BestKey] {
			return nil, fail("best_key %q is not a candidate", raw.BestKey)
		}
		if raw.Confidence == nil {
			return nil, fail("missing confidence for best_key")
		}
	}
	if raw.Confidence != nil {
		if !unitInterval(*raw.Confidence) {
			return nil, fail("confidence %v outside [0,1]", *raw.Confidence)
		}
		result.Confidence = *raw.Confidence
	}
	return result, nil
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return content
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}

	return content[start:]
}
