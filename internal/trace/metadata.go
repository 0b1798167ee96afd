package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeBag serializes an open key-value bag for storage. A nil or empty bag
// encodes to the empty string, which stores as NULL.
func EncodeBag(bag map[string]any) (string, error) {
	if len(bag) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(bag)
	if err != nil {
		return "", fmt.Errorf("encode bag: %w", err)
	}
	return string(encoded), nil
}

// DecodeBag decodes a stored JSON object. Returns nil for empty input or
// malformed JSON.
func DecodeBag(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}

// MergeBags returns a new bag holding base overlaid with patch. A nil value in
// patch deletes the key.
func MergeBags(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range patch {
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	return merged
}

// MetadataString extracts a trimmed string value from a bag.
func MetadataString(metadata map[string]any, key string) string {
	if len(metadata) == 0 {
		return ""
	}
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// CoerceInt64 converts a loosely-typed value to int64, handling float64,
// float32, int, int64, int32, json.Number, and string representations.
func CoerceInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case float64:
		return int64(typed), true
	case float32:
		return int64(typed), true
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case int32:
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// CoerceFloat64 is the floating point counterpart of CoerceInt64.
func CoerceFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
