package database

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Normalize converts store-native values into JSON-safe primitives:
// timestamps become RFC 3339 text, byte slices base64, raw JSON is decoded
// and identifiers implementing fmt.Stringer become their string form.
// Maps and slices are walked recursively.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339Nano)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return string(val)
		}
		return Normalize(decoded)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = Normalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Normalize(inner)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}
