package marshal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ecstore/internal/domain"
)

// Record is one instance: property name to value. Struct properties nest
// as Records; the reserved keys carry the instance id and class name.
type Record map[string]any

// Reserved record keys
const (
	KeyID        = "id"
	KeyClassName = "className"
)

// Relationship record keys
const (
	KeySourceID        = "sourceId"
	KeySourceClassName = "sourceClassName"
	KeyTargetID        = "targetId"
	KeyTargetClassName = "targetClassName"
)

// Point2d is a two-axis point
type Point2d struct {
	X, Y float64
}

// Point3d is a three-axis point
type Point3d struct {
	X, Y, Z float64
}

// Navigation references the instance at the far end of a relationship.
// Class is the qualified far class; it may be empty on input when the far
// end admits a single class or the store can tell which class holds ID.
// Relationship names the relationship class the reference is an instance
// of; it defaults to the relationship the navigation property is bound to.
type Navigation struct {
	ID           domain.InstanceID
	Class        string
	Relationship string
}

// dateTimeLayouts are tried in order when parsing dateTime strings
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseInstanceID accepts ids as "0x1f" hex strings, decimal strings or numbers
func ParseInstanceID(v any) (domain.InstanceID, error) {
	switch val := v.(type) {
	case domain.InstanceID:
		return val, nil
	case string:
		s := strings.TrimSpace(val)
		var (
			n   int64
			err error
		)
		if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
			n, err = strconv.ParseInt(rest, 16, 64)
		} else {
			n, err = strconv.ParseInt(s, 10, 64)
		}
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid instance id %q", val)
		}
		return domain.InstanceID(n), nil
	}
	n, ok := toInt64(v)
	if !ok || n <= 0 {
		return 0, fmt.Errorf("invalid instance id %v", v)
	}
	return domain.InstanceID(n), nil
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case uint:
		if uint64(val) > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val != math.Trunc(val) || math.Abs(val) > 1<<53 {
			return 0, false
		}
		return int64(val), true
	case float32:
		return toInt64(float64(val))
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case domain.InstanceID:
		return int64(val), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	if n, ok := toInt64(v); ok {
		return float64(n), true
	}
	return 0, false
}

// asMap returns the map behind a Record or a decoded JSON/YAML object
func asMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case Record:
		return val, true
	case map[string]any:
		return val, true
	}
	return nil, false
}

// lookupKey finds a key case-insensitively
func lookupKey(m map[string]any, name string) (string, any, bool) {
	if v, ok := m[name]; ok {
		return name, v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", nil, false
}

// normalizePrimitive converts a loose primitive into its canonical type
func normalizePrimitive(t domain.PrimitiveType, v any) (any, error) {
	switch t {
	case domain.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		if n, ok := toInt64(v); ok && (n == 0 || n == 1) {
			return n == 1, nil
		}
	case domain.TypeInteger:
		if n, ok := toInt64(v); ok {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("value %d overflows int", n)
			}
			return n, nil
		}
	case domain.TypeLong:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
		if s, ok := v.(string); ok && strings.HasPrefix(strings.ToLower(s), "0x") {
			id, err := ParseInstanceID(s)
			if err != nil {
				return nil, err
			}
			return int64(id), nil
		}
	case domain.TypeDouble:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case domain.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case domain.TypeDateTime:
		switch val := v.(type) {
		case time.Time:
			return val.UTC(), nil
		case string:
			for _, layout := range dateTimeLayouts {
				if ts, err := time.Parse(layout, val); err == nil {
					return ts.UTC(), nil
				}
			}
			return nil, fmt.Errorf("invalid dateTime %q", val)
		}
	case domain.TypeBinary:
		switch val := v.(type) {
		case []byte:
			return val, nil
		case string:
			b, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, fmt.Errorf("binary value is not base64: %w", err)
			}
			return b, nil
		}
	default:
		return nil, fmt.Errorf("type %s is not a scalar", t)
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

// normalizePoint converts a loose point into Point2d or Point3d. A value
// that names only some axes is a partial point.
func normalizePoint(t domain.PrimitiveType, v any) (any, *Error) {
	axes := t.Axes()
	switch val := v.(type) {
	case Point2d:
		if len(axes) == 2 {
			return val, nil
		}
		return nil, newError(KindPartialPoint, "", "", "point3d value without Z")
	case Point3d:
		if len(axes) == 3 {
			return val, nil
		}
		return nil, newError(KindMalformedRecord, "", "", "point3d value for a point2d property")
	}

	coords := make([]float64, 0, len(axes))
	if m, ok := asMap(v); ok {
		found := 0
		for _, axis := range axes {
			_, raw, ok := lookupKey(m, axis)
			if !ok || raw == nil {
				continue
			}
			f, ok := toFloat64(raw)
			if !ok {
				return nil, newError(KindMalformedRecord, "", "", "axis %s is not a number", axis)
			}
			coords = append(coords, f)
			found++
		}
		if len(m) > found {
			if found < len(axes) && len(m) <= len(axes) {
				return nil, newError(KindPartialPoint, "", "", "point needs %s", strings.Join(axes, ", "))
			}
			return nil, newError(KindMalformedRecord, "", "", "unexpected keys in %s value", t)
		}
		if found != len(axes) {
			return nil, newError(KindPartialPoint, "", "", "point needs %s", strings.Join(axes, ", "))
		}
	} else if list, ok := v.([]any); ok {
		if len(list) != len(axes) {
			return nil, newError(KindPartialPoint, "", "", "point needs %d coordinates, got %d", len(axes), len(list))
		}
		for _, raw := range list {
			f, ok := toFloat64(raw)
			if !ok {
				return nil, newError(KindMalformedRecord, "", "", "coordinate %v is not a number", raw)
			}
			coords = append(coords, f)
		}
	} else {
		return nil, newError(KindMalformedRecord, "", "", "expected %s, got %T", t, v)
	}

	if len(axes) == 2 {
		return Point2d{X: coords[0], Y: coords[1]}, nil
	}
	return Point3d{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

// parseNavigation accepts a Navigation, a bare id, or an object with an
// id and an optional className
func parseNavigation(v any) (Navigation, error) {
	if nav, ok := v.(Navigation); ok {
		return nav, nil
	}
	m, ok := asMap(v)
	if !ok {
		id, err := ParseInstanceID(v)
		return Navigation{ID: id}, err
	}
	var nav Navigation
	for k, raw := range m {
		switch strings.ToLower(k) {
		case "id":
			id, err := ParseInstanceID(raw)
			if err != nil {
				return Navigation{}, err
			}
			nav.ID = id
		case "classname", "class":
			s, ok := raw.(string)
			if !ok {
				return Navigation{}, fmt.Errorf("className must be a string")
			}
			nav.Class = s
		case "relclassname":
			s, ok := raw.(string)
			if !ok {
				return Navigation{}, fmt.Errorf("relClassName must be a string")
			}
			nav.Relationship = s
		default:
			return Navigation{}, fmt.Errorf("unexpected key %q in navigation value", k)
		}
	}
	if nav.ID == 0 {
		return Navigation{}, fmt.Errorf("navigation value without id")
	}
	return nav, nil
}
