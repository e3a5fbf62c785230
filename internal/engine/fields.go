package engine

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"formline/internal/domain"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	telPattern   = regexp.MustCompile(`^[0-9+\-(). ]+$`)
)

// ValidateFields checks a template definition and reports every problem at once.
func ValidateFields(fields []domain.FieldSpec) error {
	verr := &domain.ValidationError{}
	if len(fields) == 0 {
		verr.Add("fields", "at least one field is required")
		return verr
	}
	seen := map[string]bool{}
	for i, f := range fields {
		key := fmt.Sprintf("fields[%d]", i)
		id := strings.TrimSpace(f.ID)
		switch {
		case id == "":
			verr.Add(key+".id", "is required")
		case seen[id]:
			verr.Add(key+".id", fmt.Sprintf("duplicate id %q", id))
		}
		seen[id] = true
		if strings.TrimSpace(f.Label) == "" {
			verr.Add(key+".label", "is required")
		}
		if !f.Type.Valid() {
			verr.Add(key+".type", fmt.Sprintf("unknown type %q", f.Type))
			continue
		}
		if f.Type.HasOptions() {
			if len(f.Options) == 0 {
				verr.Add(key+".options", "are required for "+string(f.Type))
			}
			for _, o := range f.Options {
				if strings.TrimSpace(o) == "" {
					verr.Add(key+".options", "must not contain blank values")
					break
				}
			}
		} else if len(f.Options) > 0 {
			verr.Add(key+".options", "are only allowed for select, radio and checkbox")
		}
	}
	return verr.OrNil()
}

// ValidateAnswers checks raw answers against a frozen field snapshot and
// returns the normalized answer map. Every offending field is reported.
// Keys that are not in the snapshot are dropped.
func ValidateAnswers(fields []domain.FieldSpec, raw map[string]any) (map[string]any, error) {
	verr := &domain.ValidationError{}
	out := map[string]any{}
	for _, f := range fields {
		value, present := raw[f.ID]
		if f.Type == domain.FieldCheckbox {
			values, ok := toStrings(value)
			if present && !ok {
				verr.Add(f.ID, "must be a list of options")
				continue
			}
			if len(values) == 0 {
				if f.Required {
					verr.Add(f.ID, "is required")
				}
				continue
			}
			if !subset(values, f.Options) {
				verr.Add(f.ID, "contains values outside the allowed options")
				continue
			}
			out[f.ID] = values
			continue
		}

		s, ok := toString(value)
		if present && !ok {
			verr.Add(f.ID, "must be a single value")
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			if f.Required {
				verr.Add(f.ID, "is required")
			}
			continue
		}
		if msg := checkValue(f, s); msg != "" {
			verr.Add(f.ID, msg)
			continue
		}
		out[f.ID] = s
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkValue(f domain.FieldSpec, s string) string {
	switch f.Type {
	case domain.FieldEmail:
		if !emailPattern.MatchString(s) {
			return "invalid format"
		}
	case domain.FieldTel:
		if !telPattern.MatchString(s) {
			return "must contain only digits and separators"
		}
		if countDigits(s) < 10 {
			return "must contain at least 10 digits"
		}
	case domain.FieldURL:
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "must be a valid URL"
		}
	case domain.FieldSelect, domain.FieldRadio:
		if !contains(f.Options, s) {
			return "must be one of the allowed options"
		}
	case domain.FieldDate:
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return "must be a date (YYYY-MM-DD)"
		}
	case domain.FieldNumber:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "must be a number"
		}
	}
	return ""
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

func subset(values, options []string) bool {
	for _, v := range values {
		if !contains(options, v) {
			return false
		}
	}
	return true
}

// toString accepts scalar JSON values.
func toString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// toStrings accepts a list of strings or a comma separated string.
func toStrings(v any) ([]string, bool) {
	var out []string
	appendTrimmed := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch t := v.(type) {
	case nil:
		return nil, true
	case string:
		for _, part := range strings.Split(t, ",") {
			appendTrimmed(part)
		}
	case []string:
		for _, s := range t {
			appendTrimmed(s)
		}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			appendTrimmed(s)
		}
	default:
		return nil, false
	}
	return out, true
}
