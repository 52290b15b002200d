package marshal

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
)

// Locator finds which of the candidate classes holds an instance id. It is
// consulted when a navigation value omits its class and the far end admits
// several classes.
type Locator interface {
	LocateClasses(ctx context.Context, candidates []domain.ClassID, id domain.InstanceID) ([]domain.ClassID, error)
}

// TableRow is the part of an instance stored in one table. Id is not part
// of Columns; the repository assigns it.
type TableRow struct {
	Table   string
	Columns []string
	Values  []any
}

// RowBinding is an instance bound to the rows of every table its class uses
type RowBinding struct {
	ClassID domain.ClassID
	ID      domain.InstanceID
	Rows    []TableRow
}

// Row is a read-back row keyed by "table.column"
type Row map[string]any

// ColumnKey builds a Row key
func ColumnKey(table, column string) string {
	return table + "." + column
}

// Row flattens the binding into a Row
func (b *RowBinding) Row() Row {
	row := make(Row)
	for _, tr := range b.Rows {
		for i, col := range tr.Columns {
			row[ColumnKey(tr.Table, col)] = tr.Values[i]
		}
	}
	return row
}

// node is one step of a class's property path tree; leaves carry their
// property map, inner nodes are struct properties
type node struct {
	name     string
	pm       *mapping.PropertyMap
	children []*node
	byName   map[string]*node
}

func newNode(name string) *node {
	return &node{name: name, byName: make(map[string]*node)}
}

func buildTree(cm *mapping.ClassMap) *node {
	root := newNode("")
	for i := range cm.Properties {
		pm := &cm.Properties[i]
		cur := root
		parts := strings.Split(pm.Path, ".")
		for j, part := range parts {
			key := strings.ToLower(part)
			child, ok := cur.byName[key]
			if !ok {
				child = newNode(part)
				cur.byName[key] = child
				cur.children = append(cur.children, child)
			}
			if j == len(parts)-1 {
				child.pm = pm
			}
			cur = child
		}
	}
	return root
}

// Binder converts records for one resolved map
type Binder struct {
	m        *mapping.Map
	locator  Locator
	programs *programCache

	mu    sync.RWMutex
	trees map[domain.ClassID]*node
}

// NewBinder creates a binder. locator may be nil, in which case navigation
// values for polymorphic ends must name their class.
func NewBinder(m *mapping.Map, locator Locator) *Binder {
	return &Binder{
		m:        m,
		locator:  locator,
		programs: newProgramCache(),
		trees:    make(map[domain.ClassID]*node),
	}
}

// Map returns the map the binder reads
func (b *Binder) Map() *mapping.Map {
	return b.m
}

func (b *Binder) tree(cm *mapping.ClassMap) *node {
	b.mu.RLock()
	t, ok := b.trees[cm.ClassID]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.trees[cm.ClassID]; ok {
		return t
	}
	t = buildTree(cm)
	b.trees[cm.ClassID] = t
	return t
}

// instanceClass returns the class map of an instantiable entity class
func (b *Binder) instanceClass(classID domain.ClassID) (*mapping.ClassMap, error) {
	cm, ok := b.m.Class(classID)
	if !ok {
		return nil, newError(KindNotMapped, "", "", "unknown class id %d", classID)
	}
	if cm.Type == domain.ClassTypeRelationship {
		return nil, newError(KindMalformedRecord, cm.Name, "", "relationship instances bind through BindRelationship")
	}
	if cm.Abstract || !cm.IsMapped() {
		return nil, newError(KindNotMapped, cm.Name, "", "class has no instances of its own")
	}
	return cm, nil
}

var instanceKeys = map[string]bool{
	strings.ToLower(KeyID):        true,
	strings.ToLower(KeyClassName): true,
}

// Normalize validates a record against a class and returns it in canonical
// form: property names as declared, values in their canonical types,
// calculated properties evaluated.
func (b *Binder) Normalize(ctx context.Context, classID domain.ClassID, rec Record) (Record, error) {
	cm, err := b.instanceClass(classID)
	if err != nil {
		return nil, err
	}
	return b.normalizeRecord(ctx, cm, rec, instanceKeys)
}

// Bind normalizes a record and binds it to one row per table of its class
func (b *Binder) Bind(ctx context.Context, classID domain.ClassID, rec Record) (*RowBinding, error) {
	cm, err := b.instanceClass(classID)
	if err != nil {
		return nil, err
	}
	canon, err := b.normalizeRecord(ctx, cm, rec, instanceKeys)
	if err != nil {
		return nil, err
	}
	return b.encode(cm, canon)
}

func (b *Binder) normalizeRecord(ctx context.Context, cm *mapping.ClassMap, rec Record, reserved map[string]bool) (Record, error) {
	if rec == nil {
		return nil, newError(KindMalformedRecord, cm.Name, "", "record is null")
	}
	out := Record{KeyClassName: cm.Name}

	if _, raw, ok := lookupKey(rec, KeyClassName); ok && raw != nil {
		name, isString := raw.(string)
		if !isString {
			return nil, newError(KindMalformedRecord, cm.Name, KeyClassName, "className must be a string")
		}
		if given, ok := b.m.ClassByName(name); !ok || given.ClassID != cm.ClassID {
			return nil, newError(KindMalformedRecord, cm.Name, KeyClassName, "record names class %s", name)
		}
	}
	if _, raw, ok := lookupKey(rec, KeyID); ok && raw != nil {
		id, err := ParseInstanceID(raw)
		if err != nil {
			return nil, &Error{Kind: KindMalformedRecord, Class: cm.Name, Path: KeyID, Err: err}
		}
		out[KeyID] = id
	}

	if err := b.normalizeStruct(ctx, cm, b.tree(cm), rec, "", reserved, out); err != nil {
		return nil, err
	}
	if err := b.applyCalculated(cm, out); err != nil {
		return nil, err
	}
	if err := b.applyIdentity(cm, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Binder) normalizeStruct(ctx context.Context, cm *mapping.ClassMap, n *node, in map[string]any, prefix string, reserved map[string]bool, out Record) error {
	in, err := expandDotted(in)
	if err != nil {
		return &Error{Kind: KindMalformedRecord, Class: cm.Name, Path: strings.TrimSuffix(prefix, "."), Err: err}
	}

	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[*node]bool, len(keys))
	for _, k := range keys {
		if reserved[strings.ToLower(k)] {
			continue
		}
		child, ok := n.byName[strings.ToLower(k)]
		if !ok {
			return newError(KindUnknownProperty, cm.Name, prefix+k, "no such property")
		}
		if seen[child] {
			return newError(KindMalformedRecord, cm.Name, prefix+child.name, "property given more than once")
		}
		seen[child] = true

		v := in[k]
		if v == nil {
			continue
		}
		val, err := b.normalizeNode(ctx, cm, child, v, prefix)
		if err != nil {
			return err
		}
		if val != nil {
			out[child.name] = val
		}
	}
	return nil
}

func (b *Binder) normalizeNode(ctx context.Context, cm *mapping.ClassMap, n *node, v any, prefix string) (any, error) {
	path := prefix + n.name
	if n.pm == nil {
		m, ok := asMap(v)
		if !ok {
			return nil, newError(KindMalformedRecord, cm.Name, path, "expected a struct, got %T", v)
		}
		sub := Record{}
		if err := b.normalizeStruct(ctx, cm, n, m, path+".", nil, sub); err != nil {
			return nil, err
		}
		if len(sub) == 0 {
			return nil, nil
		}
		return sub, nil
	}

	pm := n.pm
	switch pm.Kind {
	case domain.KindNavigation:
		return b.resolveNavigation(ctx, cm, pm, v)
	case domain.KindPrimitiveArray, domain.KindStructArray:
		return normalizeArray(cm, pm, v)
	}
	return normalizeLeaf(cm.Name, pm.Path, pm.Type, v)
}

func normalizeLeaf(class, path string, t domain.PrimitiveType, v any) (any, error) {
	if t.IsPoint() {
		p, perr := normalizePoint(t, v)
		if perr != nil {
			return nil, scoped(perr, class, path)
		}
		return p, nil
	}
	val, err := normalizePrimitive(t, v)
	if err != nil {
		return nil, &Error{Kind: KindMalformedRecord, Class: class, Path: path, Err: err}
	}
	return val, nil
}

func scoped(e *Error, class, path string) *Error {
	if e.Class == "" {
		e.Class = class
	}
	if e.Path == "" {
		e.Path = path
	}
	return e
}

// expandDotted turns {"A.B": 1} into {"A": {"B": 1}} without touching the input
func expandDotted(in map[string]any) (map[string]any, error) {
	var dotted []string
	for k := range in {
		if strings.Contains(k, ".") {
			dotted = append(dotted, k)
		}
	}
	if len(dotted) == 0 {
		return in, nil
	}
	sort.Strings(dotted)

	out := make(map[string]any, len(in))
	for k, v := range in {
		if !strings.Contains(k, ".") {
			out[k] = v
		}
	}
	for _, k := range dotted {
		parts := strings.Split(k, ".")
		cur := out
		for _, part := range parts[:len(parts)-1] {
			var next map[string]any
			switch existing, ok := cur[part]; {
			case !ok || existing == nil:
				next = make(map[string]any)
			default:
				m, isMap := asMap(existing)
				if !isMap {
					return nil, fmt.Errorf("key %q conflicts with %q", k, part)
				}
				next = maps.Clone(m)
			}
			cur[part] = next
			cur = next
		}
		last := parts[len(parts)-1]
		if _, ok := cur[last]; ok {
			return nil, fmt.Errorf("key %q given more than once", k)
		}
		cur[last] = in[k]
	}
	return out, nil
}

// ============================================================================
// Arrays
// ============================================================================

func toList(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []byte, string:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func normalizeArray(cm *mapping.ClassMap, pm *mapping.PropertyMap, v any) (any, error) {
	list, ok := toList(v)
	if !ok {
		return nil, newError(KindMalformedRecord, cm.Name, pm.Path, "expected an array, got %T", v)
	}
	n := uint32(len(list))
	if n < pm.MinOccurs || (pm.MaxOccurs != nil && n > *pm.MaxOccurs) {
		upper := "*"
		if pm.MaxOccurs != nil {
			upper = fmt.Sprint(*pm.MaxOccurs)
		}
		return nil, newError(KindArrayCardinalityViolation, cm.Name, pm.Path, "%d elements outside %d..%s", n, pm.MinOccurs, upper)
	}
	if pm.Element == nil {
		return nil, newError(KindInternal, cm.Name, pm.Path, "array has no element shape")
	}
	out, err := normalizeList(*pm.Element, list)
	if err != nil {
		return nil, scoped(err, cm.Name, pm.Path)
	}
	return out, nil
}

func normalizeList(elem mapping.Shape, list []any) ([]any, *Error) {
	out := make([]any, len(list))
	for i, raw := range list {
		val, err := normalizeElement(elem, raw)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

// elementOf returns the element shape of an array-kind struct member
func elementOf(s mapping.Shape) mapping.Shape {
	if s.Kind == domain.KindStructArray {
		return mapping.Shape{Kind: domain.KindStruct, Members: s.Members}
	}
	return mapping.Shape{Kind: domain.KindPrimitive, Type: s.Type}
}

func normalizeElement(s mapping.Shape, v any) (any, *Error) {
	if v == nil {
		return nil, newError(KindMalformedRecord, "", "", "null array element")
	}
	switch s.Kind {
	case domain.KindPrimitive:
		if s.Type.IsPoint() {
			return normalizePoint(s.Type, v)
		}
		val, err := normalizePrimitive(s.Type, v)
		if err != nil {
			return nil, &Error{Kind: KindMalformedRecord, Err: err}
		}
		return val, nil

	case domain.KindStruct:
		m, ok := asMap(v)
		if !ok {
			return nil, newError(KindMalformedRecord, "", "", "expected a struct element, got %T", v)
		}
		rec := Record{}
		for k, raw := range m {
			var member *mapping.Member
			for i := range s.Members {
				if strings.EqualFold(s.Members[i].Name, k) {
					member = &s.Members[i]
					break
				}
			}
			if member == nil {
				return nil, newError(KindUnknownProperty, "", "", "struct element has no member %s", k)
			}
			if raw == nil {
				continue
			}
			var (
				val any
				err *Error
			)
			if member.Shape.Kind.IsArray() {
				list, isList := toList(raw)
				if !isList {
					return nil, newError(KindMalformedRecord, "", "", "member %s expects an array", member.Name)
				}
				val, err = normalizeList(elementOf(member.Shape), list)
			} else {
				val, err = normalizeElement(member.Shape, raw)
			}
			if err != nil {
				return nil, err
			}
			rec[member.Name] = val
		}
		return rec, nil
	}
	return nil, newError(KindInternal, "", "", "unsupported element kind %s", s.Kind)
}

// ============================================================================
// Navigation
// ============================================================================

func (b *Binder) resolveNavigation(ctx context.Context, cm *mapping.ClassMap, pm *mapping.PropertyMap, v any) (any, error) {
	nav, err := parseNavigation(v)
	if err != nil {
		return nil, &Error{Kind: KindMalformedRecord, Class: cm.Name, Path: pm.Path, Err: err}
	}
	rel, err := b.navigationRelationship(cm, pm, nav.Relationship)
	if err != nil {
		return nil, err
	}
	farClasses := pm.FarClasses
	if rm, ok := b.m.Relationship(rel); ok && rel != pm.Relationship {
		farClasses = intersect(farClasses, rm.Classes(rm.FKEnd.Other()))
	}
	class, err := b.resolveEnd(ctx, cm.Name, pm.Path, farClasses, nav)
	if err != nil {
		return nil, err
	}
	nav.Class, nav.Relationship = "", ""
	if pm.Qualified {
		nav.Class = b.m.ClassName(class)
	}
	if pm.RelClassColumn != "" {
		nav.Relationship = b.m.ClassName(rel)
	}
	return nav, nil
}

// navigationRelationship picks the relationship class a navigation value
// is an instance of: the named one, which must derive from the property's
// relationship, or the property's relationship itself. An abstract
// relationship with more than one concrete subclass needs a name.
func (b *Binder) navigationRelationship(cm *mapping.ClassMap, pm *mapping.PropertyMap, name string) (domain.ClassID, error) {
	if name != "" {
		given, ok := b.m.ClassByName(name)
		switch {
		case !ok:
			return 0, newError(KindMalformedRecord, cm.Name, pm.Path, "unknown relationship %s", name)
		case !b.m.IsA(given.ClassID, pm.Relationship):
			return 0, newError(KindMalformedRecord, cm.Name, pm.Path, "%s is not a %s", given.Name, b.m.ClassName(pm.Relationship))
		case given.Abstract:
			return 0, newError(KindMalformedRecord, cm.Name, pm.Path, "relationship %s is abstract", given.Name)
		}
		if rm, ok := b.m.Relationship(given.ClassID); ok && !contains(rm.Classes(rm.FKEnd), cm.ClassID) {
			return 0, newError(KindMalformedRecord, cm.Name, pm.Path, "relationship %s does not admit %s", given.Name, cm.Name)
		}
		return given.ClassID, nil
	}

	if rc, ok := b.m.Class(pm.Relationship); !ok || !rc.Abstract || pm.RelClassColumn == "" {
		return pm.Relationship, nil
	}
	var concrete []domain.ClassID
	for _, id := range b.m.Descendants(pm.Relationship) {
		rc, _ := b.m.Class(id)
		rm, ok := b.m.Relationship(id)
		if rc.Abstract || !ok || !contains(rm.Classes(rm.FKEnd), cm.ClassID) {
			continue
		}
		concrete = append(concrete, id)
	}
	if len(concrete) != 1 {
		return 0, newError(KindMissingClassQualifier, cm.Name, pm.Path, "relationship %s is abstract and needs a relClassName", b.m.ClassName(pm.Relationship))
	}
	return concrete[0], nil
}

func contains(ids []domain.ClassID, id domain.ClassID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func intersect(a, b []domain.ClassID) []domain.ClassID {
	var out []domain.ClassID
	for _, id := range a {
		if contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

// resolveEnd picks the concrete class of a referenced instance among the
// admissible candidates
func (b *Binder) resolveEnd(ctx context.Context, class, path string, admissible []domain.ClassID, nav Navigation) (domain.ClassID, error) {
	var candidates []domain.ClassID
	for _, id := range admissible {
		if cm, ok := b.m.Class(id); ok && !cm.Abstract {
			candidates = append(candidates, id)
		}
	}
	if nav.Class != "" {
		given, ok := b.m.ClassByName(nav.Class)
		if !ok {
			return 0, newError(KindMalformedRecord, class, path, "unknown class %s", nav.Class)
		}
		var narrowed []domain.ClassID
		for _, id := range candidates {
			if b.m.IsA(id, given.ClassID) {
				narrowed = append(narrowed, id)
			}
		}
		if len(narrowed) == 0 {
			return 0, newError(KindMalformedRecord, class, path, "class %s is not admissible here", given.Name)
		}
		candidates = narrowed
	}

	switch {
	case len(candidates) == 0:
		return 0, newError(KindNotMapped, class, path, "no mapped class admissible")
	case len(candidates) == 1:
		return candidates[0], nil
	case b.locator == nil:
		return 0, newError(KindMissingClassQualifier, class, path, "id %s needs a className", nav.ID)
	}

	found, err := b.locator.LocateClasses(ctx, candidates, nav.ID)
	if err != nil {
		return 0, &Error{Kind: KindInternal, Class: class, Path: path, Message: "failed to locate instance", Err: err}
	}
	switch len(found) {
	case 0:
		return 0, newError(KindNavigationTargetNotFound, class, path, "no instance %s", nav.ID)
	case 1:
		return found[0], nil
	}
	names := make([]string, len(found))
	for i, id := range found {
		names[i] = b.m.ClassName(id)
	}
	return 0, newError(KindAmbiguousNavigation, class, path, "id %s exists in %s", nav.ID, strings.Join(names, ", "))
}

// identity reports whether a navigation shares the instance id
func identity(pm *mapping.PropertyMap) bool {
	return pm.Kind == domain.KindNavigation && len(pm.Columns) == 1 && pm.Columns[0] == mapping.ColumnNameID
}

func (b *Binder) applyIdentity(cm *mapping.ClassMap, rec Record) error {
	for i := range cm.Properties {
		pm := &cm.Properties[i]
		if !identity(pm) {
			continue
		}
		nav, ok := getPath(rec, pm.Path).(Navigation)
		if !ok {
			continue
		}
		if id, has := rec[KeyID].(domain.InstanceID); has && id != nav.ID {
			return newError(KindMalformedRecord, cm.Name, pm.Path, "shares the instance id but references %s while the id is %s", nav.ID, id)
		}
		rec[KeyID] = nav.ID
	}
	return nil
}

// ============================================================================
// Column encoding
// ============================================================================

func getPath(rec Record, path string) any {
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(Record)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func setPath(rec Record, path string, v any) {
	parts := strings.Split(path, ".")
	cur := rec
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(Record)
		if !ok {
			next = Record{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func deletePath(rec Record, path string) {
	parts := strings.Split(path, ".")
	cur := rec
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(Record)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func (b *Binder) encode(cm *mapping.ClassMap, rec Record) (*RowBinding, error) {
	out := &RowBinding{ClassID: cm.ClassID}
	if id, ok := rec[KeyID].(domain.InstanceID); ok {
		out.ID = id
	}

	rows := make(map[string]*TableRow, len(cm.Tables))
	out.Rows = make([]TableRow, len(cm.Tables))
	for i, name := range cm.Tables {
		out.Rows[i].Table = name
		if t, ok := b.m.Table(name); ok && t.HasClassID() {
			out.Rows[i].Columns = append(out.Rows[i].Columns, mapping.ColumnNameClassID)
			out.Rows[i].Values = append(out.Rows[i].Values, int64(cm.ClassID))
		}
		rows[strings.ToLower(name)] = &out.Rows[i]
	}

	for i := range cm.Properties {
		pm := &cm.Properties[i]
		if identity(pm) || len(pm.Columns) == 0 {
			continue
		}
		row, ok := rows[strings.ToLower(pm.Table)]
		if !ok {
			return nil, newError(KindInternal, cm.Name, pm.Path, "table %s is not one of the class tables", pm.Table)
		}
		vals, err := b.encodeLeaf(pm, getPath(rec, pm.Path))
		if err != nil {
			return nil, scoped(err, cm.Name, pm.Path)
		}
		row.Columns = append(row.Columns, pm.Columns...)
		row.Values = append(row.Values, vals...)
	}
	return out, nil
}

func (b *Binder) encodeLeaf(pm *mapping.PropertyMap, v any) ([]any, *Error) {
	vals := make([]any, len(pm.Columns))
	if v == nil {
		return vals, nil
	}
	switch pm.Kind {
	case domain.KindNavigation:
		nav, ok := v.(Navigation)
		if !ok {
			return nil, newError(KindInternal, "", "", "navigation holds %T", v)
		}
		for i, col := range pm.Columns {
			switch col {
			case pm.RelClassColumn:
				rel := pm.Relationship
				if nav.Relationship != "" {
					rc, ok := b.m.ClassByName(nav.Relationship)
					if !ok {
						return nil, newError(KindMalformedRecord, "", "", "unknown relationship %s", nav.Relationship)
					}
					rel = rc.ClassID
				}
				vals[i] = int64(rel)
			case pm.FarClassColumn:
				switch {
				case nav.Class != "":
					fc, ok := b.m.ClassByName(nav.Class)
					if !ok {
						return nil, newError(KindMalformedRecord, "", "", "unknown class %s", nav.Class)
					}
					vals[i] = int64(fc.ClassID)
				case len(pm.FarClasses) > 0:
					vals[i] = int64(pm.FarClasses[0])
				}
			default:
				vals[i] = int64(nav.ID)
			}
		}
		return vals, nil

	case domain.KindPrimitiveArray, domain.KindStructArray:
		s, err := encodeArray(v)
		if err != nil {
			return nil, &Error{Kind: KindMalformedRecord, Err: err}
		}
		vals[0] = s
		return vals, nil
	}

	switch val := v.(type) {
	case Point2d:
		vals[0], vals[1] = val.X, val.Y
	case Point3d:
		vals[0], vals[1], vals[2] = val.X, val.Y, val.Z
	default:
		vals[0] = columnValue(v)
	}
	return vals, nil
}

// columnValue converts a canonical scalar into its stored form
func columnValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	}
	return v
}
