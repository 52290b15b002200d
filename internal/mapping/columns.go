package mapping

import (
	"fmt"
	"strings"

	"ecstore/internal/domain"
)

const maxStructDepth = 32

var reservedColumns = map[string]bool{"id": true, "ecclassid": true, "ecinstanceid": true}

func lower(s string) string { return strings.ToLower(s) }

func indexByte(s string, b byte) int { return strings.IndexByte(s, b) }

// leaf is one flattened property before placement
type leaf struct {
	pm    PropertyMap
	names []string
	types []ColumnType
}

// lineage tracks the columns used by one class, per table, so siblings can
// reuse slots while a class never maps two paths onto one column
type lineage map[string]map[string]bool

func (l lineage) used(table, column string) bool {
	return l[lower(table)][lower(column)]
}

func (l lineage) use(table, column string) {
	t := lower(table)
	if l[t] == nil {
		l[t] = make(map[string]bool)
	}
	l[t][lower(column)] = true
}

func lineageOf(props []PropertyMap) lineage {
	l := make(lineage)
	for _, pm := range props {
		for _, col := range pm.Columns {
			l.use(pm.Table, col)
		}
	}
	return l
}

func columnType(t domain.PrimitiveType) ColumnType {
	switch t {
	case domain.TypeBoolean, domain.TypeInteger, domain.TypeLong:
		return ColumnInteger
	case domain.TypeDouble, domain.TypePoint2d, domain.TypePoint3d:
		return ColumnReal
	case domain.TypeBinary:
		return ColumnBlob
	}
	return ColumnText
}

// flatten turns a property into leaves: struct members recurse with a dotted
// path and an underscore-joined column name, points fan out to one column
// per axis, arrays and navigation properties stay single leaves
func (r *resolver) flatten(owner *domain.Class, p domain.Property, pathPrefix, namePrefix string, depth int) ([]leaf, error) {
	if depth > maxStructDepth {
		return nil, newError(KindInvalidModel, owner.FullName(), "struct nesting of %s is recursive", p.Name)
	}
	path := pathPrefix + p.Name
	name := namePrefix + p.Name

	switch p.Kind {
	case domain.KindStruct:
		s := r.lookup(owner, p.StructName)
		if s == nil {
			return nil, newError(KindInvalidModel, owner.FullName(), "unknown struct %s", p.StructName)
		}
		var leaves []leaf
		for _, member := range r.collectProperties(s, map[*domain.Class]bool{}) {
			if member.Kind == domain.KindNavigation {
				return nil, newError(KindInvalidModel, s.FullName(), "struct member %s cannot be a navigation property", member.Name)
			}
			sub, err := r.flatten(s, member, path+".", name+"_", depth+1)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, sub...)
		}
		return leaves, nil

	case domain.KindPrimitiveArray, domain.KindStructArray:
		elem, err := r.shapeOf(owner, p, depth)
		if err != nil {
			return nil, err
		}
		return []leaf{{
			pm: PropertyMap{
				Path: path, Kind: p.Kind, Type: p.Type,
				MinOccurs: p.MinOccurs, MaxOccurs: p.MaxOccurs, Element: elem,
			},
			names: []string{name},
			types: []ColumnType{ColumnText},
		}}, nil

	case domain.KindNavigation:
		if depth > 0 {
			return nil, newError(KindInvalidModel, owner.FullName(), "navigation property %s inside a struct", path)
		}
		rel := r.lookup(owner, p.Relationship)
		if rel == nil {
			return nil, newError(KindInvalidModel, owner.FullName(), "unknown relationship %s", p.Relationship)
		}
		return []leaf{{pm: PropertyMap{Path: path, Kind: p.Kind, Relationship: rel.ID}}}, nil
	}

	lf := leaf{pm: PropertyMap{Path: path, Kind: domain.KindPrimitive, Type: p.Type, Calculated: p.Calculated}}
	if axes := p.Type.Axes(); axes != nil {
		for _, axis := range axes {
			lf.names = append(lf.names, name+"_"+axis)
			lf.types = append(lf.types, ColumnReal)
		}
	} else {
		lf.names = []string{name}
		lf.types = []ColumnType{columnType(p.Type)}
	}
	return []leaf{lf}, nil
}

// shapeOf describes an array element so the marshaling layer can restore
// typed values from the serialized column
func (r *resolver) shapeOf(owner *domain.Class, p domain.Property, depth int) (*Shape, error) {
	if depth > maxStructDepth {
		return nil, newError(KindInvalidModel, owner.FullName(), "struct nesting of %s is recursive", p.Name)
	}
	switch p.Kind {
	case domain.KindPrimitive, domain.KindPrimitiveArray:
		return &Shape{Kind: domain.KindPrimitive, Type: p.Type}, nil
	case domain.KindStruct, domain.KindStructArray:
		s := r.lookup(owner, p.StructName)
		if s == nil {
			return nil, newError(KindInvalidModel, owner.FullName(), "unknown struct %s", p.StructName)
		}
		shape := &Shape{Kind: domain.KindStruct}
		for _, member := range r.collectProperties(s, map[*domain.Class]bool{}) {
			ms, err := r.shapeOf(s, member, depth+1)
			if err != nil {
				return nil, err
			}
			if member.Kind.IsArray() {
				ms = &Shape{Kind: member.Kind, Type: member.Type, Members: ms.Members}
			}
			shape.Members = append(shape.Members, Member{Name: member.Name, Shape: *ms})
		}
		return shape, nil
	}
	return nil, newError(KindInvalidModel, owner.FullName(), "property %s cannot be an array element", p.Name)
}

// allocate places the given properties of a class. Paths the prior map
// already placed are pinned first so new properties never take a slot that
// history owns; entries keep declaration order.
func (r *resolver) allocate(st *classState, props []domain.Property) error {
	var leaves []leaf
	for _, p := range props {
		ls, err := r.flatten(st.class, p, "", "", 0)
		if err != nil {
			return err
		}
		leaves = append(leaves, ls...)
	}

	lin := lineageOf(st.cm.Properties)
	placed := make([]*PropertyMap, len(leaves))
	for i, lf := range leaves {
		pm, err := r.seed(st, lf, lin)
		if err != nil {
			return err
		}
		placed[i] = pm
	}
	for i, lf := range leaves {
		if placed[i] != nil {
			continue
		}
		pm, err := r.place(st, lf, lin)
		if err != nil {
			return err
		}
		placed[i] = pm
	}
	for _, pm := range placed {
		st.cm.Properties = append(st.cm.Properties, *pm)
	}
	return nil
}

// seed reuses the prior placement of a path when the class still lives in
// the same tables. A path whose shape changed since the prior import cannot
// keep its columns and is reported as incompatible.
func (r *resolver) seed(st *classState, lf leaf, lin lineage) (*PropertyMap, error) {
	if r.prior == nil || lf.pm.Kind == domain.KindNavigation {
		return nil, nil
	}
	prev, ok := r.prior.ClassByName(st.cm.Name)
	if !ok || prev.PrimaryTable != st.cm.PrimaryTable || prev.DataTable != st.cm.DataTable {
		return nil, nil
	}
	old, ok := prev.Property(lf.pm.Path)
	if !ok {
		return nil, nil
	}
	if old.Kind != lf.pm.Kind || old.Type != lf.pm.Type || len(old.Columns) != len(lf.types) {
		return nil, newError(KindIncompatibleSchemaChange, st.cm.Name, "property %s changed from %s %s to %s %s",
			lf.pm.Path, old.Kind, old.Type, lf.pm.Kind, lf.pm.Type)
	}
	overflow := st.data.Name + "_Overflow"
	if !strings.EqualFold(old.Table, st.data.Name) && !strings.EqualFold(old.Table, overflow) {
		return nil, nil
	}
	t, ok := r.table(old.Table)
	if !ok {
		return nil, nil
	}
	for _, col := range old.Columns {
		if lin.used(t.Name, col) {
			return nil, nil
		}
		if _, ok := t.Column(col); !ok {
			return nil, nil
		}
	}
	if t.Type == TableOverflow {
		if _, err := r.overflowTable(st); err != nil {
			return nil, err
		}
	}
	for _, col := range old.Columns {
		lin.use(t.Name, col)
	}
	pm := lf.pm
	pm.Table = t.Name
	pm.Columns = append([]string(nil), old.Columns...)
	return &pm, nil
}

// place assigns fresh columns to a leaf
func (r *resolver) place(st *classState, lf leaf, lin lineage) (*PropertyMap, error) {
	pm := lf.pm
	pm.Table = st.data.Name
	if pm.Kind == domain.KindNavigation {
		// columns are added by the relationship resolver
		return &pm, nil
	}

	if st.sharing {
		t := st.data
		prefix := "ps"
		slots := freeSlots(t, lin, prefix, len(lf.types))
		if st.maxShared != nil && slots[len(slots)-1] > int(*st.maxShared) {
			overflow, err := r.overflowTable(st)
			if err != nil {
				return nil, err
			}
			t, prefix = overflow, "os"
			slots = freeSlots(t, lin, prefix, len(lf.types))
		}
		pm.Table = t.Name
		for _, k := range slots {
			name := fmt.Sprintf("%s%d", prefix, k)
			t.ensureColumn(&Column{Name: name, Type: ColumnAny, Kind: ColumnKindShared})
			lin.use(t.Name, name)
			pm.Columns = append(pm.Columns, name)
		}
		return &pm, nil
	}

	t := st.data
	for i, name := range lf.names {
		if reservedColumns[lower(name)] {
			return nil, newError(KindColumnNameCollision, st.cm.Name, "property %s maps to reserved column %s", pm.Path, name)
		}
		if existing, ok := t.Column(name); ok {
			if lin.used(t.Name, name) || existing.Kind != ColumnKindData || existing.Type != lf.types[i] {
				return nil, newError(KindColumnNameCollision, st.cm.Name, "property %s flattens to column %s.%s which is already taken", pm.Path, t.Name, name)
			}
		} else {
			t.ensureColumn(&Column{Name: name, Type: lf.types[i], Kind: ColumnKindData})
		}
		lin.use(t.Name, name)
		pm.Columns = append(pm.Columns, name)
	}
	return &pm, nil
}

// freeSlots returns the n lowest slot numbers not yet used by the lineage
func freeSlots(t *Table, lin lineage, prefix string, n int) []int {
	slots := make([]int, 0, n)
	for k := 1; len(slots) < n; k++ {
		if !lin.used(t.Name, fmt.Sprintf("%s%d", prefix, k)) {
			slots = append(slots, k)
		}
	}
	return slots
}

// overflowTable returns the overflow table of the class's data table,
// creating it on first use
func (r *resolver) overflowTable(st *classState) (*Table, error) {
	name := st.data.Name + "_Overflow"
	if r.claimed[lower(name)] {
		t, _ := r.table(name)
		return t, nil
	}
	owner := st.class
	if root := r.states[st.data.RootClass]; root != nil {
		owner = root.class
	}
	return r.newTable(owner, name, TableOverflow, st.data.Name)
}
