package review

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"helix/internal/types"
)

type wireFinding struct {
	Severity  *string `json:"severity"`
	Category  string  `json:"category"`
	Rationale string  `json:"rationale"`
}

type wireReview struct {
	Findings *[]wireFinding `json:"findings"`
}

var known = func() map[string]bool {
	m := map[string]bool{types.CategoryAmbiguous: true, types.CategoryOther: true}
	for _, item := range types.Checklist {
		m[item.Category] = true
	}
	return m
}()

// ParseFindings decodes a reviewer answer: one JSON object with a findings
// array, either bare or inside a fenced code block. Any finding without a
// known severity or a category makes the whole answer invalid.
func ParseFindings(text string) ([]types.SecurityFinding, error) {
	body, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	var w wireReview
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode findings: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after findings object")
	}
	if w.Findings == nil {
		return nil, errors.New("answer has no findings array")
	}

	out := make([]types.SecurityFinding, 0, len(*w.Findings))
	for i, f := range *w.Findings {
		if f.Severity == nil {
			return nil, fmt.Errorf("finding %d: missing severity", i)
		}
		sev, err := types.ParseSeverity(*f.Severity)
		if err != nil {
			return nil, fmt.Errorf("finding %d: %w", i, err)
		}
		cat := strings.ToLower(strings.TrimSpace(f.Category))
		if cat == "" {
			return nil, fmt.Errorf("finding %d: missing category", i)
		}
		if !known[cat] {
			cat = types.CategoryOther
		}
		out = append(out, types.SecurityFinding{
			Severity:  sev,
			Category:  cat,
			Rationale: strings.TrimSpace(f.Rationale),
		})
	}
	return out, nil
}

func extractJSON(text string) ([]byte, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		nl := strings.IndexByte(s, '\n')
		if nl < 0 {
			return nil, errors.New("unterminated code fence")
		}
		if tag := strings.TrimSpace(s[:nl]); tag != "" && tag != "json" {
			return nil, fmt.Errorf("code fence tagged %q, want json", tag)
		}
		s = s[nl+1:]
		end := strings.LastIndex(s, "```")
		if end < 0 {
			return nil, errors.New("unterminated code fence")
		}
		s = strings.TrimSpace(s[:end])
	}
	if !strings.HasPrefix(s, "{") {
		return nil, errors.New("answer is not a JSON object")
	}
	return []byte(s), nil
}
