package data

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Coerce converts a loosely typed value (YAML scalar, env string, JSON number)
// into the Go representation of t: bool, int64 or float64.
func Coerce(t ValueType, raw any) (any, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil value for type %s", t)
	}
	switch t {
	case TypeBool:
		return cast.ToBoolE(raw)
	case TypeInt:
		if f, ok := raw.(float64); ok {
			return int64(f), nil
		}
		if s, ok := raw.(string); ok && strings.Contains(s, ".") {
			f, err := cast.ToFloat64E(s)
			if err != nil {
				return nil, err
			}
			return int64(f), nil
		}
		return cast.ToInt64E(raw)
	case TypeFloat:
		return cast.ToFloat64E(raw)
	}
	return nil, fmt.Errorf("unsupported value type %q", t)
}

// Reading is a single tag sample published by a field gateway.
type Reading struct {
	Value     any
	Timestamp time.Time
}

// ParseReading decodes a gateway payload. Accepted shapes are a bare JSON
// scalar (`1750`, `true`) or an object with "value" and an optional
// RFC3339 "timestamp". Payloads that are not JSON are taken as plain text.
func ParseReading(raw []byte, received time.Time) (Reading, error) {
	r := Reading{Timestamp: received}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return r, fmt.Errorf("empty payload")
	}

	var generic any
	if err := json.Unmarshal([]byte(trimmed), &generic); err != nil {
		// Not JSON, keep the text and let Coerce decide.
		r.Value = trimmed
		return r, nil
	}

	obj, ok := generic.(map[string]any)
	if !ok {
		r.Value = generic
		return r, nil
	}
	v, ok := obj["value"]
	if !ok {
		return r, fmt.Errorf("payload object has no \"value\" field")
	}
	r.Value = v
	if ts, ok := obj["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			r.Timestamp = t
		}
	} else if ts, ok := obj["timestamp"].(float64); ok {
		r.Timestamp = time.UnixMilli(int64(ts))
	}
	return r, nil
}

// FormatValue renders a tag value for log lines and violation reasons.
func FormatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return "<nil>"
	}
	return fmt.Sprint(v)
}
