package redact

import (
	"encoding/json"
	"fmt"
	"strings"
)

// sensitiveKeys hold caller data that must not reach logs verbatim.
var sensitiveKeys = map[string]struct{}{
	"text":            {},
	"digit":           {},
	"dtmf":            {},
	"inputVariables":  {},
	"outputVariables": {},
	"variables":       {},
	"params":          {},
	"audio":           {},
	"customConfig":    {},
}

// Redactor masks sensitive values before they are logged. The zero value
// redacts; Unredacted turns it into a pass-through for debugging.
type Redactor struct {
	Unredacted bool
}

// Value masks a single value regardless of where it came from.
func (r Redactor) Value(v any) any {
	if r.Unredacted {
		return v
	}
	return mask(v)
}

// Text is Value for strings.
func (r Redactor) Text(s string) string {
	if r.Unredacted {
		return s
	}
	return mask(s)
}

// Any walks maps and slices and masks everything under a sensitive key.
func (r Redactor) Any(v any) any {
	if r.Unredacted {
		return v
	}
	return walk(v)
}

// JSON decodes a raw frame and redacts it. Frames that are not JSON are
// masked whole.
func (r Redactor) JSON(raw []byte) any {
	if r.Unredacted {
		return string(raw)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return mask(string(raw))
	}
	return walk(v)
}

func walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := sensitiveKeys[k]; ok {
				out[k] = mask(val)
				continue
			}
			out[k] = walk(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val)
		}
		return out
	default:
		return v
	}
}

func mask(v any) string {
	switch t := v.(type) {
	case nil:
		return "***"
	case string:
		return fmt.Sprintf("***(%d chars)", len(t))
	case map[string]any:
		return fmt.Sprintf("***(%d keys)", len(t))
	case []any:
		return fmt.Sprintf("***(%d items)", len(t))
	default:
		return "***"
	}
}

// Truthy reports whether an environment-style flag is set.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
