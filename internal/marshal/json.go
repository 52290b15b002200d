package marshal

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"ecstore/internal/domain"
)

// ParseJSON decodes one JSON object into a loose record, keeping numbers
// exact as json.Number
func ParseJSON(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record is null")
	}
	return rec, nil
}

// Plain converts a canonical record into JSON-friendly values: ids as
// "0x1f" strings (or numbers when hexIDs is false), dateTime as RFC 3339,
// binary as base64, points as {"x","y","z"} objects and navigations as
// {"id","className","relClassName"} objects.
func Plain(rec Record, hexIDs bool) map[string]any {
	out, _ := plainValue(rec, hexIDs).(map[string]any)
	return out
}

func plainValue(v any, hexIDs bool) any {
	switch val := v.(type) {
	case Record:
		return plainValue(map[string]any(val), hexIDs)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = plainValue(item, hexIDs)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = plainValue(item, hexIDs)
		}
		return out
	case domain.InstanceID:
		if hexIDs {
			return val.String()
		}
		return int64(val)
	case Navigation:
		m := map[string]any{"id": plainValue(val.ID, hexIDs)}
		if val.Class != "" {
			m["className"] = val.Class
		}
		if val.Relationship != "" {
			m["relClassName"] = val.Relationship
		}
		return m
	case Point2d:
		return map[string]any{"x": val.X, "y": val.Y}
	case Point3d:
		return map[string]any{"x": val.X, "y": val.Y, "z": val.Z}
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	}
	return v
}

// encodeArray serializes a canonical array for its single TEXT column
func encodeArray(v any) (string, error) {
	list, ok := v.([]any)
	if !ok {
		return "", fmt.Errorf("array holds %T", v)
	}
	data, err := json.Marshal(plainValue(list, false))
	if err != nil {
		return "", fmt.Errorf("failed to serialize array: %w", err)
	}
	return string(data), nil
}
