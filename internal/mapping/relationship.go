package mapping

import (
	"sort"
	"strings"

	"ecstore/internal/domain"
)

// navRef points at one navigation entry of a class map
type navRef struct {
	st   *classState
	path string
	prop domain.Property
}

// resolveRelationship decides how a relationship class is represented.
// Checks run in a fixed order and the first failure wins: override
// consistency, identity sharing, foreign key, link table, and finally the
// rule that a requested representation is never substituted.
func (r *resolver) resolveRelationship(c *domain.Class) error {
	spec := c.Relationship
	st := r.states[c.ID]
	navs := r.navigationsFor(c)
	props := r.collectProperties(c, map[*domain.Class]bool{})
	for _, p := range props {
		if p.Kind == domain.KindNavigation {
			return newError(KindInvalidModel, c.FullName(), "relationship classes cannot declare navigation properties")
		}
	}

	if base := r.model.Base(c); base != nil {
		return r.resolveDerivedRelationship(c, st, base, navs, props)
	}

	fkAttr, err := foreignKeyAttr(c, navs)
	if err != nil {
		return err
	}

	// 1. contradictory overrides
	if spec.LinkTable != nil && fkAttr != nil {
		return newError(KindInvalidOverrideCombination, c.FullName(), "link table override together with a ForeignKeyConstraint on navigation property %s", navs[0].path)
	}
	if spec.UseInstanceIDAsForeignKey && spec.LinkTable != nil {
		return newError(KindInvalidOverrideCombination, c.FullName(), "identity sharing together with a link table override")
	}
	if spec.UseInstanceIDAsForeignKey && len(props) > 0 {
		return newError(KindInvalidOverrideCombination, c.FullName(), "identity sharing cannot carry relationship properties")
	}
	if err := checkStrengthDirection(c); err != nil {
		return err
	}

	src, tgt := spec.Source.Multiplicity, spec.Target.Multiplicity
	rm := &RelationshipMapping{
		ClassID:            c.ID,
		Name:               c.FullName(),
		Strength:           strength(spec),
		SourceMultiplicity: src,
		TargetMultiplicity: tgt,
		SourceClasses:      r.admissibleIDs(c, domain.EndSource),
		TargetClasses:      r.admissibleIDs(c, domain.EndTarget),
	}

	// 2. identity sharing
	if spec.UseInstanceIDAsForeignKey {
		if src.IsMany() || tgt.IsMany() {
			return newError(KindInvalidOverrideCombination, c.FullName(), "identity sharing needs a one-to-one shape, got %s:%s", src, tgt)
		}
		if err := r.mapIdentity(c, rm, navs, fkAttr); err != nil {
			return err
		}
		r.m.Relationships = append(r.m.Relationships, rm)
		return nil
	}

	// 3. foreign key
	bothMany := src.IsMany() && tgt.IsMany()
	if spec.LinkTable == nil && !bothMany && len(props) == 0 {
		if err := r.mapForeignKey(c, rm, navs, fkAttr); err != nil {
			return err
		}
		r.m.Relationships = append(r.m.Relationships, rm)
		return nil
	}

	// 5. a navigation property asks for a foreign key the shape cannot give
	if len(navs) > 0 {
		switch {
		case spec.LinkTable != nil:
			return newError(KindInvalidOverrideCombination, c.FullName(), "navigation property %s needs a foreign key but a link table override forces a link table", navs[0].path)
		case bothMany:
			return newError(KindAmbiguousShape, c.FullName(), "navigation property %s needs a foreign key but both ends admit many instances", navs[0].path)
		default:
			return newError(KindAmbiguousShape, c.FullName(), "navigation property %s needs a foreign key but relationship properties force a link table", navs[0].path)
		}
	}

	// 4. link table
	if err := r.mapLinkTable(c, st, rm, props); err != nil {
		return err
	}
	r.m.Relationships = append(r.m.Relationships, rm)
	return nil
}

func strength(spec *domain.RelationshipSpec) domain.Strength {
	if spec.Strength == "" {
		return domain.StrengthReferencing
	}
	return spec.Strength
}

func direction(spec *domain.RelationshipSpec) domain.Direction {
	if spec.Direction == "" {
		return domain.DirectionForward
	}
	return spec.Direction
}

// checkStrengthDirection enforces that for owning strengths the "1" side
// of a 1:N shape is the delete owner
func checkStrengthDirection(c *domain.Class) error {
	spec := c.Relationship
	if strength(spec) == domain.StrengthReferencing {
		return nil
	}
	src, tgt := spec.Source.Multiplicity, spec.Target.Multiplicity
	dir := direction(spec)
	switch {
	case !src.IsMany() && tgt.IsMany() && dir != domain.DirectionForward:
		return newError(KindMultiplicityDirectionMismatch, c.FullName(), "%s relationship %s:%s is owned by its source and requires direction forward", strength(spec), src, tgt)
	case src.IsMany() && !tgt.IsMany() && dir != domain.DirectionBackward:
		return newError(KindMultiplicityDirectionMismatch, c.FullName(), "%s relationship %s:%s is owned by its target and requires direction backward", strength(spec), src, tgt)
	}
	return nil
}

// fkEnd returns the end whose table holds the foreign key
func fkEnd(spec *domain.RelationshipSpec) domain.End {
	src, tgt := spec.Source.Multiplicity, spec.Target.Multiplicity
	switch {
	case tgt.IsMany() && !src.IsMany():
		return domain.EndTarget
	case src.IsMany() && !tgt.IsMany():
		return domain.EndSource
	case direction(spec) == domain.DirectionForward:
		return domain.EndTarget
	}
	return domain.EndSource
}

// navigationsFor collects every navigation entry, declared or inherited,
// bound to the relationship
func (r *resolver) navigationsFor(rel *domain.Class) []navRef {
	var refs []navRef
	for _, c := range r.order {
		st := r.states[c.ID]
		if st == nil || !st.cm.IsMapped() {
			continue
		}
		for _, pm := range st.cm.Properties {
			if pm.Kind != domain.KindNavigation || pm.Relationship != rel.ID {
				continue
			}
			for _, p := range st.props {
				if strings.EqualFold(p.Name, pm.Path) {
					refs = append(refs, navRef{st: st, path: st.cm.Name + "." + pm.Path, prop: p})
				}
			}
		}
	}
	return refs
}

// foreignKeyAttr returns the ForeignKeyConstraint shared by all navigation
// properties of a relationship
func foreignKeyAttr(c *domain.Class, navs []navRef) (*domain.ForeignKeyAttr, error) {
	var attr *domain.ForeignKeyAttr
	for _, n := range navs {
		if n.prop.ForeignKey == nil {
			continue
		}
		if attr != nil && attr.OnDelete != n.prop.ForeignKey.OnDelete {
			return nil, newError(KindInvalidOverrideCombination, c.FullName(), "navigation properties disagree on the foreign key delete action")
		}
		attr = n.prop.ForeignKey
	}
	return attr, nil
}

// admissible returns the mapped classes an end admits: the constraint
// classes and, for polymorphic ends, their descendants
func (r *resolver) admissible(c *domain.Class, end domain.End) []*classState {
	constraint := c.Relationship.Constraint(end)
	seen := make(map[domain.ClassID]bool)
	var out []*classState
	for _, name := range constraint.Classes {
		cls := r.lookup(c, name)
		if cls == nil {
			continue
		}
		candidates := []*domain.Class{cls}
		if constraint.Polymorphic {
			candidates = r.model.Descendants(cls)
		}
		for _, cand := range candidates {
			st := r.states[cand.ID]
			if seen[cand.ID] || st == nil || !st.cm.IsMapped() {
				continue
			}
			seen[cand.ID] = true
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cm.ClassID < out[j].cm.ClassID })
	return out
}

func (r *resolver) admissibleIDs(c *domain.Class, end domain.End) []domain.ClassID {
	var ids []domain.ClassID
	for _, st := range r.admissible(c, end) {
		ids = append(ids, st.cm.ClassID)
	}
	return ids
}

func concreteIDs(states []*classState) []domain.ClassID {
	var ids []domain.ClassID
	for _, st := range states {
		if !st.cm.Abstract {
			ids = append(ids, st.cm.ClassID)
		}
	}
	return ids
}

// navColumnNames derives "<Nav>Id", "<Nav>RelECClassId" and
// "<Nav>ECClassId"; a name that already ends in "Id" is used as is
func navColumnNames(nav string) (id, relClass, farClass string) {
	base, id := nav, nav+"Id"
	if len(nav) > 2 && strings.EqualFold(nav[len(nav)-2:], "id") {
		base, id = nav[:len(nav)-2], nav
	}
	return id, base + "RelECClassId", base + "ECClassId"
}

// checkNavigationEnds rejects navigation properties sitting on the end that
// does not hold the key
func checkNavigationEnds(c *domain.Class, navs []navRef, end domain.End) error {
	for _, n := range navs {
		navEnd := domain.EndSource
		if n.prop.Direction == domain.DirectionBackward {
			navEnd = domain.EndTarget
		}
		if navEnd != end {
			return newError(KindMultiplicityDirectionMismatch, c.FullName(), "navigation property %s points from the %s end but the key is held by the %s end", n.path, navEnd, end)
		}
	}
	return nil
}

// mapForeignKey places a foreign key column on every end-class table
func (r *resolver) mapForeignKey(c *domain.Class, rm *RelationshipMapping, navs []navRef, fkAttr *domain.ForeignKeyAttr) error {
	spec := c.Relationship
	end := fkEnd(spec)
	ref := end.Other()
	if err := checkNavigationEnds(c, navs, end); err != nil {
		return err
	}

	fkClasses := r.admissible(c, end)
	refClasses := r.admissible(c, ref)
	if len(fkClasses) == 0 {
		return newError(KindAmbiguousShape, c.FullName(), "no mapped class on the %s end", end)
	}
	if len(refClasses) == 0 {
		return newError(KindAmbiguousShape, c.FullName(), "no mapped class on the %s end", ref)
	}
	for _, st := range fkClasses {
		if _, ok := st.cm.Navigation(c.ID); !ok {
			return newError(KindAmbiguousShape, c.FullName(), "class %s holds the foreign key but has no navigation property for it", st.cm.Name)
		}
	}

	rm.Kind = RelationshipForeignKey
	rm.FKEnd = end
	rm.Physical = fkAttr != nil || rm.Strength == domain.StrengthEmbedding
	rm.ReferencedTables = primaryTables(refClasses)
	if rm.Physical && len(rm.ReferencedTables) != 1 {
		return newError(KindAmbiguousShape, c.FullName(), "referenced %s end maps to %d tables (%s)", ref, len(rm.ReferencedTables), strings.Join(rm.ReferencedTables, ", "))
	}

	onDelete, err := onDeleteAction(c, rm.Strength, fkAttr)
	if err != nil {
		return err
	}
	rm.OnDelete = onDelete

	far := concreteIDs(refClasses)
	qualified := len(far) > 1
	needsRelClassColumn := qualified || len(r.model.Subclasses(c)) > 0
	refLower := spec.Constraint(ref).Multiplicity.Lower

	admissible := make(map[domain.ClassID]bool, len(fkClasses))
	for _, st := range fkClasses {
		admissible[st.cm.ClassID] = true
	}

	// one partition per (table, navigation name), in class order
	type key struct{ table, path string }
	partitions := make(map[key]*FKPartition)
	var order []key
	for _, cs := range r.order {
		st := r.states[cs.ID]
		if st == nil || !st.cm.IsMapped() {
			continue
		}
		nav, ok := st.cm.Navigation(c.ID)
		if !ok {
			continue
		}
		k := key{lower(nav.Table), lower(nav.Path)}
		p, ok := partitions[k]
		if !ok {
			t, _ := r.table(nav.Table)
			if rm.Physical && onDelete == domain.ActionCascade && t.Type == TableJoined {
				return newError(KindUnsupportedCascadeAcrossJoined, c.FullName(), "cascading delete into joined table %s is not supported", t.Name)
			}
			idCol, relCol, farCol := navColumnNames(nav.Path)
			p = &FKPartition{Table: t.Name, IDColumn: idCol}
			if needsRelClassColumn {
				p.RelClassIDColumn = relCol
			}
			if qualified {
				p.FarClassIDColumn = farCol
			}
			partitions[k] = p
			order = append(order, k)
		}
		if admissible[st.cm.ClassID] {
			p.Classes = append(p.Classes, st.cm.ClassID)
		}
		nav.Columns = []string{p.IDColumn}
		nav.RelClassColumn = p.RelClassIDColumn
		nav.FarClassColumn = p.FarClassIDColumn
		if p.RelClassIDColumn != "" {
			nav.Columns = append(nav.Columns, p.RelClassIDColumn)
		}
		if p.FarClassIDColumn != "" {
			nav.Columns = append(nav.Columns, p.FarClassIDColumn)
		}
		nav.FarClasses = far
		nav.Qualified = qualified
	}

	for _, k := range order {
		p := partitions[k]
		t, _ := r.table(p.Table)
		p.NotNull = refLower >= 1 && r.onlyAdmissibleRows(t, admissible)
		if err := r.addNavColumn(c, t, &Column{Name: p.IDColumn, Type: ColumnInteger, Kind: ColumnKindNavID, NotNull: p.NotNull}); err != nil {
			return err
		}
		if p.RelClassIDColumn != "" {
			if err := r.addNavColumn(c, t, &Column{Name: p.RelClassIDColumn, Type: ColumnInteger, Kind: ColumnKindNavRelClassID}); err != nil {
				return err
			}
		}
		if p.FarClassIDColumn != "" {
			if err := r.addNavColumn(c, t, &Column{Name: p.FarClassIDColumn, Type: ColumnInteger, Kind: ColumnKindNavClassID}); err != nil {
				return err
			}
		}
		if rm.Physical {
			t.addForeignKey(ForeignKey{Column: p.IDColumn, RefTable: rm.ReferencedTables[0], RefColumn: ColumnNameID, OnDelete: onDelete})
		}
		rm.Partitions = append(rm.Partitions, *p)
	}
	return nil
}

// onDeleteAction applies the default (Cascade for embedding, NoAction
// otherwise) and validates explicit overrides
func onDeleteAction(c *domain.Class, s domain.Strength, fkAttr *domain.ForeignKeyAttr) (domain.Action, error) {
	action := domain.ActionNoAction
	if s == domain.StrengthEmbedding {
		action = domain.ActionCascade
	}
	if fkAttr != nil && fkAttr.OnDelete != "" {
		action = fkAttr.OnDelete
	}
	switch action {
	case domain.ActionNoAction, domain.ActionSetNull, domain.ActionRestrict:
	case domain.ActionCascade:
		if s != domain.StrengthEmbedding {
			return "", newError(KindInvalidOverrideCombination, c.FullName(), "Cascade delete requires embedding strength, relationship is %s", s)
		}
	default:
		return "", newError(KindInvalidOverrideCombination, c.FullName(), "unknown delete action %q", action)
	}
	return action, nil
}

// onlyAdmissibleRows reports whether every class stored in t is admitted by
// the foreign key end, so the key can be NOT NULL
func (r *resolver) onlyAdmissibleRows(t *Table, admissible map[domain.ClassID]bool) bool {
	for _, c := range r.order {
		st := r.states[c.ID]
		if st == nil || !st.cm.IsMapped() || st.cm.Abstract {
			continue
		}
		if (st.primary == t || st.data == t) && !admissible[st.cm.ClassID] {
			return false
		}
	}
	return true
}

// addNavColumn adds a navigation column, reusing it when the same
// relationship already placed it in the table
func (r *resolver) addNavColumn(c *domain.Class, t *Table, col *Column) error {
	k := lower(t.Name + "." + col.Name)
	if owner, ok := r.navColumns[k]; ok {
		if owner != c.ID {
			return newError(KindColumnNameCollision, c.FullName(), "column %s.%s is already used by relationship %s", t.Name, col.Name, r.className(owner))
		}
		return nil
	}
	if existing, ok := t.Column(col.Name); ok && existing.Kind != col.Kind {
		return newError(KindColumnNameCollision, c.FullName(), "navigation column %s.%s collides with an existing column", t.Name, col.Name)
	}
	r.navColumns[k] = c.ID
	if existing, ok := t.Column(col.Name); ok {
		existing.NotNull = col.NotNull
		return nil
	}
	t.ensureColumn(col)
	return nil
}

func primaryTables(states []*classState) []string {
	var names []string
	seen := make(map[string]bool)
	for _, st := range states {
		if !seen[lower(st.cm.PrimaryTable)] {
			seen[lower(st.cm.PrimaryTable)] = true
			names = append(names, st.cm.PrimaryTable)
		}
	}
	return names
}

// mapIdentity maps a relationship whose foreign key is the row id of the
// key-holding end
func (r *resolver) mapIdentity(c *domain.Class, rm *RelationshipMapping, navs []navRef, fkAttr *domain.ForeignKeyAttr) error {
	end := fkEnd(c.Relationship)
	ref := end.Other()
	if err := checkNavigationEnds(c, navs, end); err != nil {
		return err
	}
	fkClasses := r.admissible(c, end)
	refClasses := r.admissible(c, ref)
	if len(fkClasses) == 0 || len(refClasses) == 0 {
		return newError(KindAmbiguousShape, c.FullName(), "identity sharing needs mapped classes on both ends")
	}
	far := concreteIDs(refClasses)
	if len(far) > 1 {
		return newError(KindAmbiguousShape, c.FullName(), "identity sharing cannot record which of %d classes is referenced", len(far))
	}

	rm.Kind = RelationshipForeignKey
	rm.FKEnd = end
	rm.UsesInstanceID = true
	rm.Physical = fkAttr != nil || rm.Strength == domain.StrengthEmbedding
	rm.ReferencedTables = primaryTables(refClasses)
	if rm.Physical && len(rm.ReferencedTables) != 1 {
		return newError(KindAmbiguousShape, c.FullName(), "referenced %s end maps to %d tables", ref, len(rm.ReferencedTables))
	}
	onDelete, err := onDeleteAction(c, rm.Strength, fkAttr)
	if err != nil {
		return err
	}
	rm.OnDelete = onDelete

	for _, table := range primaryTables(fkClasses) {
		p := FKPartition{Table: table, IDColumn: ColumnNameID, NotNull: true}
		for _, st := range fkClasses {
			if st.cm.PrimaryTable == table {
				p.Classes = append(p.Classes, st.cm.ClassID)
			}
		}
		if rm.Physical {
			t, _ := r.table(table)
			t.addForeignKey(ForeignKey{Column: ColumnNameID, RefTable: rm.ReferencedTables[0], RefColumn: ColumnNameID, OnDelete: onDelete})
		}
		rm.Partitions = append(rm.Partitions, p)
	}

	for _, cs := range r.order {
		st := r.states[cs.ID]
		if st == nil {
			continue
		}
		if nav, ok := st.cm.Navigation(c.ID); ok {
			nav.Table = st.cm.PrimaryTable
			nav.Columns = []string{ColumnNameID}
			nav.FarClasses = far
		}
	}
	return nil
}

// mapLinkTable creates the link table of a root relationship
func (r *resolver) mapLinkTable(c *domain.Class, st *classState, rm *RelationshipMapping, props []domain.Property) error {
	spec := c.Relationship
	sources := r.admissible(c, domain.EndSource)
	targets := r.admissible(c, domain.EndTarget)
	if len(sources) == 0 || len(targets) == 0 {
		return newError(KindAmbiguousShape, c.FullName(), "link table needs mapped classes on both ends")
	}

	t, err := r.newTable(c, tableName(c), TableLink, "")
	if err != nil {
		return err
	}
	r.addClassIDColumn(t)

	rm.Kind = RelationshipLinkTable
	rm.Table = t.Name
	rm.SourceIDColumn, rm.TargetIDColumn = "SourceId", "TargetId"
	t.ensureColumn(&Column{Name: rm.SourceIDColumn, Type: ColumnInteger, Kind: ColumnKindSourceID, NotNull: true})
	if len(concreteIDs(sources)) > 1 {
		rm.SourceClassIDColumn = "SourceECClassId"
		t.ensureColumn(&Column{Name: rm.SourceClassIDColumn, Type: ColumnInteger, Kind: ColumnKindSourceClassID, NotNull: true})
	}
	t.ensureColumn(&Column{Name: rm.TargetIDColumn, Type: ColumnInteger, Kind: ColumnKindTargetID, NotNull: true})
	if len(concreteIDs(targets)) > 1 {
		rm.TargetClassIDColumn = "TargetECClassId"
		t.ensureColumn(&Column{Name: rm.TargetClassIDColumn, Type: ColumnInteger, Kind: ColumnKindTargetClassID, NotNull: true})
	}
	if spec.LinkTable != nil {
		rm.AllowDuplicates = spec.LinkTable.AllowDuplicateRelationships
	}

	if spec.LinkTable.CreatesForeignKeys() {
		if tables := primaryTables(sources); len(tables) == 1 {
			t.addForeignKey(ForeignKey{Column: rm.SourceIDColumn, RefTable: tables[0], RefColumn: ColumnNameID, OnDelete: domain.ActionCascade})
		}
		if tables := primaryTables(targets); len(tables) == 1 {
			t.addForeignKey(ForeignKey{Column: rm.TargetIDColumn, RefTable: tables[0], RefColumn: ColumnNameID, OnDelete: domain.ActionCascade})
		}
	}

	st.primary, st.data = t, t
	st.props = props
	st.cm.Strategy = MapStrategy{Kind: TablePerHierarchy}
	st.cm.PrimaryTable, st.cm.DataTable = t.Name, t.Name
	return r.allocate(st, props)
}

// resolveDerivedRelationship maps a relationship subclass the way its root
// is mapped; overrides are only honored on the root
func (r *resolver) resolveDerivedRelationship(c *domain.Class, st *classState, base *domain.Class, navs []navRef, props []domain.Property) error {
	parent, ok := r.m.relationship(base.ID)
	if !ok {
		return newError(KindInternal, c.FullName(), "base relationship %s was not resolved", base.FullName())
	}
	spec := c.Relationship
	if spec.LinkTable != nil {
		return newError(KindInvalidOverrideCombination, c.FullName(), "link table overrides are only allowed on the root relationship")
	}
	if spec.UseInstanceIDAsForeignKey != parent.UsesInstanceID {
		return newError(KindInvalidOverrideCombination, c.FullName(), "identity sharing must match base relationship %s", base.FullName())
	}
	if len(navs) > 0 {
		return newError(KindInvalidOverrideCombination, c.FullName(), "navigation property %s must reference the root relationship", navs[0].path)
	}
	if err := checkStrengthDirection(c); err != nil {
		return err
	}

	rm := *parent
	rm.ClassID = c.ID
	rm.Name = c.FullName()
	rm.Base = base.ID
	rm.SourceMultiplicity = spec.Source.Multiplicity
	rm.TargetMultiplicity = spec.Target.Multiplicity
	rm.SourceClasses = r.admissibleIDs(c, domain.EndSource)
	rm.TargetClasses = r.admissibleIDs(c, domain.EndTarget)

	st.cm.Base = base.ID
	switch parent.Kind {
	case RelationshipForeignKey:
		if len(props) > 0 {
			return newError(KindAmbiguousShape, c.FullName(), "relationship properties need a link table but %s is a foreign key", base.FullName())
		}
	case RelationshipLinkTable:
		pst := r.states[base.ID]
		t, _ := r.table(parent.Table)
		st.primary, st.data = t, t
		st.cm.Strategy = pst.cm.Strategy
		st.cm.PrimaryTable, st.cm.DataTable = t.Name, t.Name
		st.props = props
		if err := r.extend(st, pst); err != nil {
			return err
		}
	}
	r.m.Relationships = append(r.m.Relationships, &rm)
	return nil
}

// relationship finds a mapping resolved earlier in this pass
func (m *Map) relationship(id domain.ClassID) (*RelationshipMapping, bool) {
	for _, rm := range m.Relationships {
		if rm.ClassID == id {
			return rm, true
		}
	}
	return nil, false
}

// className names a class during resolution, before the arena is built
func (r *resolver) className(id domain.ClassID) string {
	if st := r.states[id]; st != nil {
		return st.cm.Name
	}
	return ""
}
