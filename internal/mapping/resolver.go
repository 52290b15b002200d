package mapping

import (
	"sort"
	"strings"

	"ecstore/internal/domain"
)

// Options tune resolution
type Options struct {
	// DefaultMaxSharedColumns bounds shared columns when a ShareColumns
	// override does not carry its own bound. Nil means no overflow.
	DefaultMaxSharedColumns *uint32
}

// resolver holds the state of one resolution pass
type resolver struct {
	model *domain.Model
	prior *Map
	opts  Options
	m     *Map

	order   []*domain.Class
	states  map[domain.ClassID]*classState
	claimed map[string]bool
	// navColumns records which relationship owns a navigation column ("table.column")
	navColumns map[string]domain.ClassID
}

// classState is the per-class working state of the strategy resolver
type classState struct {
	class *domain.Class
	cm    *ClassMap
	props []domain.Property

	primary *Table
	data    *Table

	shareRoot *domain.Class
	sharing   bool
	maxShared *uint32
	joinRoot  *domain.Class
}

// Resolve maps every class of the model onto tables. A non-nil prior map
// pins class ids, tables and columns from an earlier import; the result is
// then checked to be a lossless extension of prior. The caller's model is
// left untouched; class ids are assigned on a private copy.
func Resolve(model *domain.Model, prior *Map, opts Options) (*Map, error) {
	model = model.Clone()
	if err := model.Validate(); err != nil {
		return nil, &Error{Kind: KindInvalidModel, Err: err}
	}

	r := &resolver{
		model:      model,
		prior:      prior,
		opts:       opts,
		m:          &Map{},
		states:     make(map[domain.ClassID]*classState),
		claimed:    make(map[string]bool),
		navColumns: make(map[string]domain.ClassID),
	}

	r.assignClassIDs()
	if err := r.sortClasses(); err != nil {
		return nil, err
	}
	r.seedTables()

	for _, c := range r.order {
		if err := r.resolveClass(c); err != nil {
			return nil, err
		}
	}
	for _, c := range r.order {
		if !c.IsRelationship() {
			continue
		}
		if err := r.resolveRelationship(c); err != nil {
			return nil, err
		}
	}
	if err := r.finish(); err != nil {
		return nil, err
	}

	r.m.Indexes = GenerateIndexes(r.m)

	if prior != nil {
		if err := CheckCompatible(prior, r.m); err != nil {
			return nil, err
		}
	}
	return r.m, nil
}

// assignClassIDs keeps prior ids by qualified name and numbers new classes
// after the highest prior id, in model order
func (r *resolver) assignClassIDs() {
	next := domain.ClassID(1)
	if r.prior != nil {
		next = domain.ClassID(len(r.prior.Classes) + 1)
	}
	maxID := next - 1
	for _, c := range r.model.Classes {
		c.ID = 0
		if r.prior != nil {
			if cm, ok := r.prior.ClassByName(c.FullName()); ok {
				c.ID = cm.ClassID
			}
		}
		if c.ID == 0 {
			c.ID = next
			next++
		}
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	r.m.Classes = make([]*ClassMap, maxID)
}

// sortClasses orders classes base-to-derived, mixins and structs included
func (r *resolver) sortClasses() error {
	index := make(map[*domain.Class]int, len(r.model.Classes))
	for i, c := range r.model.Classes {
		index[c] = i
	}

	order, cyclic := topoSort(len(r.model.Classes), func(i int) []int {
		c := r.model.Classes[i]
		var deps []int
		for _, name := range c.BaseClasses {
			if b, ok := r.model.Resolve(c.Schema, name); ok {
				deps = append(deps, index[b])
			}
		}
		return deps
	})
	if cyclic != nil {
		names := make([]string, 0, len(cyclic))
		for _, i := range cyclic {
			names = append(names, r.model.Classes[i].FullName())
		}
		return newError(KindCyclicBaseClass, names[0], "base classes form a cycle through %s", strings.Join(names, ", "))
	}

	r.order = make([]*domain.Class, 0, len(order))
	for _, i := range order {
		r.order = append(r.order, r.model.Classes[i])
	}
	return nil
}

// seedTables copies prior tables (structure and column order, no foreign
// keys) so unchanged classes re-resolve to byte-identical DDL
func (r *resolver) seedTables() {
	if r.prior == nil {
		return
	}
	for _, t := range r.prior.Tables {
		seeded := &Table{Name: t.Name, Type: t.Type, Parent: t.Parent, RootClass: t.RootClass}
		for _, c := range t.Columns {
			col := *c
			seeded.Columns = append(seeded.Columns, &col)
		}
		r.m.Tables = append(r.m.Tables, seeded)
	}
}

// table returns a table of the map under construction
func (r *resolver) table(name string) (*Table, bool) {
	for _, t := range r.m.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return nil, false
}

// newTable claims a table, reusing the seeded copy when one exists
func (r *resolver) newTable(owner *domain.Class, name string, typ TableType, parent string) (*Table, error) {
	key := strings.ToLower(name)
	if r.claimed[key] {
		return nil, newError(KindColumnNameCollision, owner.FullName(), "table name %s is already used", name)
	}
	r.claimed[key] = true

	t, ok := r.table(name)
	if !ok {
		t = &Table{Name: name}
		r.m.Tables = append(r.m.Tables, t)
	}
	t.Type = typ
	t.Parent = parent
	t.RootClass = owner.ID

	t.ensureColumn(&Column{Name: ColumnNameID, Type: ColumnInteger, Kind: ColumnKindID, NotNull: true})
	switch typ {
	case TableJoined, TableOverflow:
		t.addForeignKey(ForeignKey{Column: ColumnNameID, RefTable: parent, RefColumn: ColumnNameID, OnDelete: domain.ActionCascade})
	}
	return t, nil
}

func (r *resolver) addClassIDColumn(t *Table) {
	t.ensureColumn(&Column{Name: ColumnNameClassID, Type: ColumnInteger, Kind: ColumnKindClassID, NotNull: true})
}

// tableName derives "<alias>_<Name>"
func tableName(c *domain.Class) string {
	if c.Schema == "" {
		return c.Name
	}
	return c.Schema + "_" + c.Name
}

// lookup resolves a class name as seen from c
func (r *resolver) lookup(c *domain.Class, name string) *domain.Class {
	found, _ := r.model.Resolve(c.Schema, name)
	return found
}

// collectProperties returns the effective properties of c: base classes
// first (mixins deduplicated across diamonds), then its own declarations.
// A redeclared name replaces the inherited property in place.
func (r *resolver) collectProperties(c *domain.Class, seen map[*domain.Class]bool) []domain.Property {
	if seen[c] {
		return nil
	}
	seen[c] = true

	var props []domain.Property
	for _, name := range c.BaseClasses {
		if b := r.lookup(c, name); b != nil {
			props = mergeProperties(props, r.collectProperties(b, seen))
		}
	}
	return mergeProperties(props, c.Properties)
}

func mergeProperties(dst, src []domain.Property) []domain.Property {
	for _, p := range src {
		replaced := false
		for i := range dst {
			if strings.EqualFold(dst[i].Name, p.Name) {
				dst[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			dst = append(dst, p)
		}
	}
	return dst
}

// finish computes per-class table lists and stores class maps in the arena
func (r *resolver) finish() error {
	for _, c := range r.model.Classes {
		st := r.states[c.ID]
		if st == nil {
			return newError(KindInternal, c.FullName(), "class was not resolved")
		}
		st.cm.Tables = classTables(st.cm, r)
		r.m.Classes[c.ID-1] = st.cm
	}
	for i, cm := range r.m.Classes {
		if cm == nil {
			name := ""
			if r.prior != nil {
				if prev, ok := r.prior.Class(domain.ClassID(i + 1)); ok {
					name = prev.Name
				}
			}
			return newError(KindIncompatibleSchemaChange, name, "class was removed from the schema")
		}
	}
	sort.SliceStable(r.m.Relationships, func(i, j int) bool {
		return r.m.Relationships[i].ClassID < r.m.Relationships[j].ClassID
	})
	for _, t := range r.m.Tables {
		if !r.claimed[strings.ToLower(t.Name)] {
			return newError(KindIncompatibleSchemaChange, "", "table %s is no longer mapped", t.Name)
		}
	}
	return r.m.Reindex()
}

// classTables lists the tables holding rows of a class: primary first,
// then joined, then overflow tables
func classTables(cm *ClassMap, r *resolver) []string {
	if !cm.IsMapped() {
		return nil
	}
	names := []string{cm.PrimaryTable}
	seen := map[string]bool{strings.ToLower(cm.PrimaryTable): true}
	add := func(name string) {
		if name == "" || seen[strings.ToLower(name)] {
			return
		}
		seen[strings.ToLower(name)] = true
		names = append(names, name)
	}
	add(cm.DataTable)
	for _, pm := range cm.Properties {
		add(pm.Table)
	}

	rank := func(name string) int {
		t, ok := r.table(name)
		if !ok {
			return 3
		}
		switch t.Type {
		case TablePrimary, TableLink:
			return 0
		case TableJoined:
			return 1
		}
		return 2
	}
	sort.SliceStable(names, func(i, j int) bool { return rank(names[i]) < rank(names[j]) })
	return names
}
