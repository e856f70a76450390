package workflow

import (
	"encoding/json"
	"fmt"
)

// NormalizePayload round-trips a payload through JSON so that in-memory
// values have the same shapes the store hands back (float64, []interface{},
// map[string]interface{}).
func NormalizePayload(p map[string]interface{}) (map[string]interface{}, error) {
	if p == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

// PayloadString retrieves a string value from the payload
func PayloadString(p map[string]interface{}, key string) string {
	if val, ok := p[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case float64, int, int64:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// PayloadInt retrieves an integer value from the payload
func PayloadInt(p map[string]interface{}, key string) int64 {
	if val, ok := p[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

// PayloadList retrieves a list value from the payload
func PayloadList(p map[string]interface{}, key string) []interface{} {
	if val, ok := p[key]; ok {
		if l, ok := val.([]interface{}); ok {
			return l
		}
	}
	return nil
}

// DecodePayload decodes the value stored under key into out
func DecodePayload(p map[string]interface{}, key string, out interface{}) error {
	val, ok := p[key]
	if !ok {
		return fmt.Errorf("payload has no %q", key)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}
