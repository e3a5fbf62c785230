package reconcile

import (
	"encoding/json"
	"regexp"
	"strings"

	"formline/internal/domain"
)

// Extract pulls answers out of a reply body. An embedded JSON object wins;
// otherwise "Key: value" lines are read with keys normalized to snake case.
// ok is false when neither yields a key.
func Extract(body string) (map[string]any, bool) {
	if obj, ok := firstJSONObject(body); ok {
		return obj, true
	}
	out := map[string]any{}
	for _, line := range strings.Split(stripQuoted(body), "\n") {
		m := kvLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := normalizeKey(m[1])
		value := strings.TrimSpace(m[2])
		if key == "" || value == "" || strings.HasPrefix(value, "//") {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = value
		}
	}
	return out, len(out) > 0
}

var (
	kvLine      = regexp.MustCompile(`^\s*[-*]?\s*([A-Za-z][A-Za-z0-9 _\-./()']{0,63}?)\s*:\s*(.+)$`)
	wroteLine   = regexp.MustCompile(`(?i)^\s*On .+wrote:\s*$`)
	nonKeyChars = regexp.MustCompile(`[^a-z0-9]+`)
)

// stripQuoted drops quoted history: lines starting with ">" and everything
// from an "On ... wrote:" line or an original-message separator on.
func stripQuoted(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if wroteLine.MatchString(line) || strings.HasPrefix(trimmed, "-----Original Message-----") {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func normalizeKey(k string) string {
	k = nonKeyChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(k)), "_")
	return strings.Trim(k, "_")
}

// firstJSONObject scans for the first balanced {...} that decodes to a non-empty object.
func firstJSONObject(body string) (map[string]any, bool) {
	for start := strings.IndexByte(body, '{'); start >= 0; {
		if end := matchBrace(body, start); end > start {
			var obj map[string]any
			if err := json.Unmarshal([]byte(body[start:end+1]), &obj); err == nil && len(obj) > 0 {
				for k, v := range obj {
					obj[k] = flattenJSON(v)
				}
				return obj, true
			}
		}
		next := strings.IndexByte(body[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
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
				return i
			}
		}
	}
	return -1
}

// flattenJSON keeps strings, numbers, booleans and string lists; anything else is re-encoded as text.
func flattenJSON(v any) any {
	switch t := v.(type) {
	case nil, string, float64, bool:
		return t
	case []any:
		for _, item := range t {
			if _, ok := item.(string); !ok {
				b, _ := json.Marshal(t)
				return string(b)
			}
		}
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// mapToFields rekeys extracted answers onto the form's field ids. A key
// matches a field by id, by normalized id or by normalized label.
func mapToFields(answers map[string]any, fields []domain.FieldSpec) map[string]any {
	index := map[string]string{}
	for _, f := range fields {
		index[normalizeKey(f.Label)] = f.ID
	}
	for _, f := range fields {
		index[normalizeKey(f.ID)] = f.ID
	}
	out := map[string]any{}
	for k, v := range answers {
		id, ok := index[normalizeKey(k)]
		if !ok {
			continue
		}
		if _, exact := answers[id]; exact && k != id {
			continue
		}
		out[id] = v
	}
	return out
}
