package mapping

import (
	"ecstore/internal/domain"
)

// resolveClass assigns the strategy and column layout of one class. Bases
// are always resolved first.
func (r *resolver) resolveClass(c *domain.Class) error {
	st := &classState{
		class: c,
		cm: &ClassMap{
			ClassID:  c.ID,
			Name:     c.FullName(),
			Type:     c.Type,
			Abstract: c.IsAbstract(),
			Strategy: MapStrategy{Kind: NotMapped},
		},
	}
	if st.cm.Type == "" {
		st.cm.Type = domain.ClassTypeEntity
	}
	r.states[c.ID] = st

	switch {
	case c.IsRelationship():
		// filled in by the relationship resolver
		return r.checkUnmappedOverrides(c, true)
	case !c.IsEntity():
		return r.checkUnmappedOverrides(c, false)
	}

	var parent *classState
	if b := r.model.Base(c); b != nil {
		parent = r.states[b.ID]
		st.cm.Base = b.ID
	}
	for _, mixin := range r.model.Mixins(c) {
		if mixin.ClassMap != nil && mixin.ClassMap.Strategy != domain.StrategyNotMapped {
			return newError(KindIncompatibleStrategyOverride, c.FullName(), "mixin %s cannot own a table", mixin.FullName())
		}
	}

	kind, err := r.strategyKind(c, parent)
	if err != nil {
		return err
	}
	st.cm.Strategy.Kind = kind
	st.props = r.collectProperties(c, map[*domain.Class]bool{})

	switch kind {
	case NotMapped:
		return nil
	case OwnTable:
		return r.mapOwnTable(st)
	default:
		return r.mapHierarchy(st, parent)
	}
}

// checkUnmappedOverrides rejects table overrides on structs and mixins.
// Relationship classes get their layout from the relationship resolver.
func (r *resolver) checkUnmappedOverrides(c *domain.Class, relationship bool) error {
	if c.ShareColumns != nil || c.JoinedTablePerDirectSubclass {
		return newError(KindIncompatibleStrategyOverride, c.FullName(), "%s classes cannot share columns or split into joined tables", c.Type)
	}
	if c.ClassMap != nil && !relationship && c.ClassMap.Strategy != domain.StrategyNotMapped {
		return newError(KindIncompatibleStrategyOverride, c.FullName(), "%s classes are never mapped to tables", c.Type)
	}
	return nil
}

// strategyKind validates an explicit override against the parent's
// resolved strategy and returns the class's strategy kind
func (r *resolver) strategyKind(c *domain.Class, parent *classState) (StrategyKind, error) {
	var requested StrategyKind
	if c.ClassMap != nil {
		requested = StrategyKind(c.ClassMap.Strategy)
		switch requested {
		case OwnTable, TablePerHierarchy, NotMapped:
		default:
			return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "unknown strategy %q", requested)
		}
	}
	tphOverride := c.ShareColumns != nil || c.JoinedTablePerDirectSubclass

	if parent == nil {
		kind := OwnTable
		if requested != "" {
			kind = requested
		}
		if tphOverride && kind != TablePerHierarchy {
			return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "column sharing and joined tables require TablePerHierarchy, not %s", kind)
		}
		return kind, nil
	}

	switch parent.cm.Strategy.Kind {
	case NotMapped:
		if (requested != "" && requested != NotMapped) || tphOverride {
			return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "base class %s is NotMapped", parent.class.FullName())
		}
		return NotMapped, nil
	case TablePerHierarchy:
		if requested != "" && requested != TablePerHierarchy && requested != NotMapped {
			return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "%s subclass of TablePerHierarchy class %s", requested, parent.class.FullName())
		}
		if requested == NotMapped {
			if tphOverride {
				return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "NotMapped class cannot share columns")
			}
			return NotMapped, nil
		}
		if c.ShareColumns != nil && parent.shareRoot != nil {
			return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "columns are already shared from %s", parent.shareRoot.FullName())
		}
		if c.JoinedTablePerDirectSubclass && parent.joinRoot != nil {
			return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "hierarchy is already split into joined tables at %s", parent.joinRoot.FullName())
		}
		return TablePerHierarchy, nil
	default:
		kind := OwnTable
		if requested != "" {
			kind = requested
		}
		if tphOverride && kind != TablePerHierarchy {
			return "", newError(KindIncompatibleStrategyOverride, c.FullName(), "column sharing and joined tables require TablePerHierarchy, not %s", kind)
		}
		return kind, nil
	}
}

// mapOwnTable gives the class a table holding all of its properties,
// inherited ones included
func (r *resolver) mapOwnTable(st *classState) error {
	t, err := r.newTable(st.class, tableName(st.class), TablePrimary, "")
	if err != nil {
		return err
	}
	st.primary, st.data = t, t
	st.cm.PrimaryTable, st.cm.DataTable = t.Name, t.Name
	return r.allocate(st, st.props)
}

// mapHierarchy maps a TablePerHierarchy class: roots create the hierarchy
// table, subclasses continue in the parent's table or, directly below a
// JoinedTablePerDirectSubclass class, in a new joined table
func (r *resolver) mapHierarchy(st *classState, parent *classState) error {
	c := st.class
	root := parent == nil || parent.cm.Strategy.Kind != TablePerHierarchy

	if root {
		t, err := r.newTable(c, tableName(c), TablePrimary, "")
		if err != nil {
			return err
		}
		r.addClassIDColumn(t)
		st.primary, st.data = t, t
	} else {
		st.primary, st.data = parent.primary, parent.data
		st.shareRoot, st.joinRoot = parent.shareRoot, parent.joinRoot
		if parent.joinRoot == parent.class {
			joined, err := r.newTable(c, tableName(c), TableJoined, parent.primary.Name)
			if err != nil {
				return err
			}
			r.addClassIDColumn(joined)
			st.data = joined
		}
	}

	if c.ShareColumns != nil {
		st.shareRoot = c
	}
	if c.JoinedTablePerDirectSubclass {
		st.joinRoot = c
	}
	if st.shareRoot != nil {
		attr := st.shareRoot.ShareColumns
		st.sharing = !(st.shareRoot == c && attr.ApplyToSubclassesOnly)
		st.maxShared = attr.MaxSharedColumnsBeforeOverflow
		if st.maxShared == nil {
			st.maxShared = r.opts.DefaultMaxSharedColumns
		}
	}

	st.cm.Strategy = MapStrategy{
		Kind:                         TablePerHierarchy,
		ShareColumns:                 st.sharing,
		JoinedTablePerDirectSubclass: st.joinRoot != nil,
	}
	if st.sharing {
		st.cm.Strategy.MaxSharedColumnsBeforeOverflow = st.maxShared
	}
	st.cm.PrimaryTable, st.cm.DataTable = st.primary.Name, st.data.Name

	if root {
		return r.allocate(st, st.props)
	}
	return r.extend(st, parent)
}

// extend starts from the parent's columns and allocates only what the
// subclass adds. A redeclaration with the same shape keeps the inherited
// column; a different shape drops the inherited entries and allocates anew.
func (r *resolver) extend(st *classState, parent *classState) error {
	st.cm.Properties = append([]PropertyMap(nil), parent.cm.Properties...)

	inherited := make(map[string]domain.Property, len(parent.props))
	for _, p := range parent.props {
		inherited[lower(p.Name)] = p
	}

	var added []domain.Property
	for _, p := range st.props {
		base, ok := inherited[lower(p.Name)]
		switch {
		case !ok:
			added = append(added, p)
		case base.SameShape(p):
			r.refreshMetadata(st, p)
		default:
			st.cm.Properties = dropPath(st.cm.Properties, p.Name)
			added = append(added, p)
		}
	}
	return r.allocate(st, added)
}

// refreshMetadata applies non-layout changes of a same-shape override
func (r *resolver) refreshMetadata(st *classState, p domain.Property) {
	leaves, err := r.flatten(st.class, p, "", "", 0)
	if err != nil {
		return
	}
	for _, lf := range leaves {
		if pm, ok := st.cm.Property(lf.pm.Path); ok {
			pm.MinOccurs, pm.MaxOccurs, pm.Calculated = lf.pm.MinOccurs, lf.pm.MaxOccurs, lf.pm.Calculated
		}
	}
}

// dropPath removes the entries of a top-level property and its members
func dropPath(props []PropertyMap, name string) []PropertyMap {
	out := props[:0:0]
	for _, pm := range props {
		top := pm.Path
		if i := indexByte(top, '.'); i >= 0 {
			top = top[:i]
		}
		if lower(top) != lower(name) {
			out = append(out, pm)
		}
	}
	return out
}
