package marshal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
)

// Unbind rebuilds the canonical record of an instance from its row. Columns
// that are NULL leave their property absent.
func (b *Binder) Unbind(classID domain.ClassID, row Row) (Record, error) {
	cm, ok := b.m.Class(classID)
	if !ok {
		return nil, newError(KindNotMapped, "", "", "unknown class id %d", classID)
	}
	if !cm.IsMapped() {
		return nil, newError(KindNotMapped, cm.Name, "", "class is not mapped")
	}

	rec := Record{KeyClassName: cm.Name}
	if raw := row[ColumnKey(cm.PrimaryTable, mapping.ColumnNameID)]; raw != nil {
		id, err := ParseInstanceID(raw)
		if err != nil {
			return nil, &Error{Kind: KindInternal, Class: cm.Name, Path: KeyID, Err: err}
		}
		rec[KeyID] = id
	}

	for i := range cm.Properties {
		pm := &cm.Properties[i]
		if len(pm.Columns) == 0 {
			continue
		}
		var vals []any
		if identity(pm) {
			vals = []any{row[ColumnKey(cm.PrimaryTable, mapping.ColumnNameID)]}
		} else {
			vals = make([]any, len(pm.Columns))
			for j, col := range pm.Columns {
				vals[j] = row[ColumnKey(pm.Table, col)]
			}
		}
		v, err := b.decodeLeaf(pm, vals)
		if err != nil {
			return nil, scoped(err, cm.Name, pm.Path)
		}
		if v != nil {
			setPath(rec, pm.Path, v)
		}
	}
	return rec, nil
}

func allNull(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}

func (b *Binder) decodeLeaf(pm *mapping.PropertyMap, vals []any) (any, *Error) {
	if allNull(vals) {
		return nil, nil
	}
	switch pm.Kind {
	case domain.KindNavigation:
		id, err := ParseInstanceID(vals[0])
		if err != nil {
			return nil, &Error{Kind: KindInternal, Err: err}
		}
		nav := Navigation{ID: id}
		var relID, farID int64
		for i, col := range pm.Columns {
			switch col {
			case pm.RelClassColumn:
				relID, _ = toInt64(vals[i])
			case pm.FarClassColumn:
				farID, _ = toInt64(vals[i])
			}
		}
		if pm.Qualified {
			if farID == 0 && len(pm.FarClasses) > 0 {
				farID = int64(pm.FarClasses[0])
			}
			nav.Class = b.m.ClassName(domain.ClassID(farID))
		}
		if pm.RelClassColumn != "" {
			// keys written before the relationship gained subclasses
			if relID == 0 {
				relID = int64(pm.Relationship)
			}
			nav.Relationship = b.m.ClassName(domain.ClassID(relID))
		}
		return nav, nil

	case domain.KindPrimitiveArray, domain.KindStructArray:
		if pm.Element == nil {
			return nil, newError(KindInternal, "", "", "array has no element shape")
		}
		return decodeArray(*pm.Element, vals[0])
	}

	if axes := pm.Type.Axes(); axes != nil {
		coords := make([]float64, len(axes))
		for i, raw := range vals {
			f, ok := toFloat64(raw)
			if !ok {
				return nil, newError(KindInternal, "", "", "point column %s holds %T", pm.Columns[i], raw)
			}
			coords[i] = f
		}
		if len(coords) == 2 {
			return Point2d{X: coords[0], Y: coords[1]}, nil
		}
		return Point3d{X: coords[0], Y: coords[1], Z: coords[2]}, nil
	}

	v, err := decodeScalar(pm.Type, vals[0])
	if err != nil {
		return nil, &Error{Kind: KindInternal, Err: err}
	}
	return v, nil
}

// decodeScalar converts a stored column value back into its canonical type
func decodeScalar(t domain.PrimitiveType, v any) (any, error) {
	switch t {
	case domain.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("boolean column holds %T", v)
		}
		return n != 0, nil
	case domain.TypeString:
		if raw, ok := v.([]byte); ok {
			return string(raw), nil
		}
	case domain.TypeDateTime:
		switch val := v.(type) {
		case []byte:
			v = string(val)
		case time.Time:
			return val.UTC(), nil
		}
	case domain.TypeBinary:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
	}
	return normalizePrimitive(t, v)
}

func decodeArray(elem mapping.Shape, raw any) (any, *Error) {
	var data []byte
	switch val := raw.(type) {
	case string:
		data = []byte(val)
	case []byte:
		data = val
	default:
		return nil, newError(KindInternal, "", "", "array column holds %T", raw)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var list []any
	if err := dec.Decode(&list); err != nil {
		return nil, &Error{Kind: KindInternal, Message: "failed to decode array column", Err: err}
	}
	out, err := normalizeList(elem, list)
	if err != nil {
		return nil, err
	}
	return out, nil
}
