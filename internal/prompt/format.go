package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// FormatValue renders any substituted value to a prompt-safe string:
// maps and slices become compact JSON (non-ASCII preserved), times
// become ISO-8601, and control characters other than \n \r \t are
// stripped. Literal braces are doubled so they survive substitution.
func FormatValue(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		s = ""
	case string:
		s = t
	case time.Time:
		if t.IsZero() {
			s = "nunca"
		} else {
			s = t.Format(time.RFC3339)
		}
	case fmt.Stringer:
		s = t.String()
	case map[string]any, []any, []string, []map[string]any:
		s = compactJSON(t)
	default:
		// Structs and numeric types: try JSON first, fall back to %v.
		if b, err := json.Marshal(t); err == nil && len(b) > 0 && b[0] != '"' {
			s = string(b)
		} else {
			s = fmt.Sprintf("%v", t)
		}
	}

	s = stripControl(s)
	s = strings.ReplaceAll(s, "{", "{{")
	s = strings.ReplaceAll(s, "}", "}}")
	return s
}

func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Render substitutes {name} placeholders in template with formatted
// values. Unrecognized placeholders are logged and left in place
// rather than failing the request. Doubled braces render as literals.
func Render(template string, vars map[string]any, logger *slog.Logger) string {
	formatted := make(map[string]string, len(vars))
	for k, v := range vars {
		formatted[k] = FormatValue(v)
	}

	var sb strings.Builder
	sb.Grow(len(template))

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				sb.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				sb.WriteByte(c)
				continue
			}
			name := template[i+1 : i+end]
			if !validPlaceholder(name) {
				sb.WriteString(template[i : i+end+1])
				i += end
				continue
			}
			val, ok := formatted[name]
			if !ok {
				if logger != nil {
					logger.Warn("prompt placeholder missing", "placeholder", name)
				}
				sb.WriteString(template[i : i+end+1])
				i += end
				continue
			}
			// Substituted values had their braces doubled; undo here
			// so the final prompt shows them as literals.
			sb.WriteString(strings.NewReplacer("{{", "{", "}}", "}").Replace(val))
			i += end
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				i++
			}
			sb.WriteByte('}')
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func validPlaceholder(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
