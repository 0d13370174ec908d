package skills

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	maxStringLen   = 1000
	maxListLen     = 50
	maxListItemLen = 100
)

// forbiddenSeqs are shell metacharacters that never appear in a legitimate
// parameter value.
var forbiddenSeqs = []string{";", "&", "|", "`", "$("}

// SanitizeParams validates keys and cleans every value. Strings longer than
// the cap are truncated, lists are capped in length and element size, and
// nested maps are rejected.
func SanitizeParams(params map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if !paramKeyRe.MatchString(k) {
			return nil, &ValidationError{Field: "parameters", Reason: fmt.Sprintf("invalid key %q", k)}
		}
		clean, err := sanitizeValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = clean
	}
	return out, nil
}

func sanitizeValue(key string, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, int, int64, float64:
		return val, nil
	case string:
		return sanitizeString(key, val, maxStringLen)
	case []string:
		items := make([]interface{}, len(val))
		for i, s := range val {
			items[i] = s
		}
		return sanitizeList(key, items)
	case []interface{}:
		return sanitizeList(key, val)
	case map[string]interface{}:
		return nil, &ValidationError{Field: key, Reason: "nested objects are not allowed"}
	}
	return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("unsupported value type %T", v)}
}

func sanitizeList(key string, items []interface{}) ([]interface{}, error) {
	if len(items) > maxListLen {
		items = items[:maxListLen]
	}
	out := make([]interface{}, 0, len(items))
	for i, item := range items {
		switch iv := item.(type) {
		case string:
			s, err := sanitizeString(fmt.Sprintf("%s[%d]", key, i), iv, maxListItemLen)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		case bool, int, int64, float64:
			out = append(out, iv)
		default:
			return nil, &ValidationError{Field: key, Reason: "list elements must be scalars"}
		}
	}
	return out, nil
}

func sanitizeString(field, s string, limit int) (string, error) {
	for _, seq := range forbiddenSeqs {
		if strings.Contains(s, seq) {
			return "", &ValidationError{Field: field, Reason: fmt.Sprintf("contains forbidden sequence %q", seq)}
		}
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", &ValidationError{Field: field, Reason: "contains control characters"}
		}
	}
	if r := []rune(s); len(r) > limit {
		s = string(r[:limit])
	}
	return s, nil
}

// MissingParams returns required keys absent from params.
func MissingParams(required []string, params map[string]interface{}) []string {
	var missing []string
	for _, k := range required {
		if v, ok := params[k]; !ok || v == nil || v == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
