package trace

import (
	"reflect"
	"strings"
	"unicode"
)

// RedactedValue replaces the value of every sensitive key.
const RedactedValue = "[REDACTED]"

// DefaultSensitiveKeys are matched against normalized attribute keys.
var DefaultSensitiveKeys = []string{
	"secret",
	"token",
	"password",
	"api_key",
	"credential",
	"auth",
	"authorization",
	"bearer",
	"private_key",
}

var defaultTerms = compileTerms(DefaultSensitiveKeys)

// Redact returns a copy of attrs with sensitive values replaced. Nested maps
// and slices are walked; the input is never modified.
func Redact(attrs map[string]any) map[string]any {
	return RedactWith(attrs, nil)
}

// RedactWith is Redact with a custom term list. A nil list uses the defaults.
func RedactWith(attrs map[string]any, terms []string) map[string]any {
	if attrs == nil {
		return nil
	}
	compiled := defaultTerms
	if terms != nil {
		compiled = compileTerms(terms)
	}
	return redactMap(attrs, compiled)
}

// IsSensitiveKey reports whether key matches one of the default terms.
func IsSensitiveKey(key string) bool {
	return matches(normalizeKey(key), defaultTerms)
}

func redactMap(in map[string]any, terms [][]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if matches(normalizeKey(k), terms) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v, terms)
	}
	return out
}

func redactValue(v any, terms [][]string) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return redactMap(val, terms)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			if matches(normalizeKey(k), terms) {
				out[k] = RedactedValue
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, terms)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = redactMap(item, terms)
		}
		return out
	case string, bool, int, int64, float64:
		return val
	}
	return redactReflect(reflect.ValueOf(v), terms)
}

// redactReflect handles typed slices and string-keyed maps the fast path
// above does not name. Other kinds are returned unchanged.
func redactReflect(rv reflect.Value, terms [][]string) any {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return rv.Interface()
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = redactValue(rv.Index(i).Interface(), terms)
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return rv.Interface()
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if matches(normalizeKey(k), terms) {
				out[k] = RedactedValue
				continue
			}
			out[k] = redactValue(iter.Value().Interface(), terms)
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return rv.Interface()
		}
		return redactValue(rv.Elem().Interface(), terms)
	}
	return rv.Interface()
}

// normalizeKey splits a key into lowercase segments: "X-Auth-Token",
// "accessToken" and "access.token" become [x auth token], [access token]
// and [access token].
func normalizeKey(key string) []string {
	var sb strings.Builder
	runes := []rune(key)
	for i, r := range runes {
		switch {
		case r == '-' || r == '.' || r == ' ' || r == '_':
			sb.WriteRune('_')
		case unicode.IsUpper(r):
			if i > 0 {
				prev := runes[i-1]
				acronymEnd := unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || acronymEnd {
					sb.WriteRune('_')
				}
			}
			sb.WriteRune(unicode.ToLower(r))
		default:
			sb.WriteRune(r)
		}
	}
	parts := strings.Split(sb.String(), "_")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

func compileTerms(terms []string) [][]string {
	out := make([][]string, 0, len(terms))
	for _, t := range terms {
		if segs := normalizeKey(t); len(segs) > 0 {
			out = append(out, segs)
		}
	}
	return out
}

// matches reports whether any term appears as a contiguous run of segments.
func matches(segments []string, terms [][]string) bool {
	for _, term := range terms {
		for start := 0; start+len(term) <= len(segments); start++ {
			hit := true
			for j, s := range term {
				if segments[start+j] != s {
					hit = false
					break
				}
			}
			if hit {
				return true
			}
		}
	}
	return false
}
