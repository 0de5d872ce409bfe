package insight

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
)

var openingFence = regexp.MustCompile("^```[a-zA-Z0-9]*\n?")

// ParseLoose turns model output into a JSON value. Code fences and prose
// around the outermost {...} span are dropped. Text that still does not
// decode is kept verbatim as {"raw": text}. Empty or falsy results become {}.
func ParseLoose(text string) any {
	if text == "" {
		return map[string]any{}
	}

	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = openingFence.ReplaceAllString(cleaned, "")
		cleaned = strings.TrimRight(cleaned, "`")
	}
	if i, j := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}"); i >= 0 && j > i {
		cleaned = cleaned[i : j+1]
	}

	v, err := decodeStrict(cleaned)
	if err != nil {
		return map[string]any{"raw": text}
	}
	if isFalsy(v) {
		return map[string]any{}
	}
	return v
}

func decodeStrict(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func isFalsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// Extract pulls risk_level and recommendations out of a parsed payload.
// risk_level is kept only when it names a known level, recommendations
// whenever the key is present.
func Extract(payload any) (riskLevel *string, recommendations json.RawMessage, err error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, nil, nil
	}
	if s, ok := m["risk_level"].(string); ok {
		riskLevel = normalizeRisk(s)
	}
	if rec, ok := m["recommendations"]; ok {
		recommendations, err = marshal(rec)
		if err != nil {
			return nil, nil, err
		}
	}
	return riskLevel, recommendations, nil
}

// normalizeRisk keeps only the levels the prompt asks for. Anything else
// stays in the stored content but leaves the column empty.
func normalizeRisk(s string) *string {
	level := strings.ToLower(strings.TrimSpace(s))
	switch level {
	case "low", "medium", "high":
		return &level
	}
	return nil
}

// marshal encodes without HTML escaping so stored content matches the reply.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
