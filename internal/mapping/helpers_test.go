package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ecstore/internal/domain"
)

// ============================================================================
// Model builders
// ============================================================================

func entity(name string, bases []string, props ...domain.Property) *domain.Class {
	return &domain.Class{Schema: "ts", Name: name, Type: domain.ClassTypeEntity, BaseClasses: bases, Properties: props}
}

func structClass(name string, props ...domain.Property) *domain.Class {
	return &domain.Class{Schema: "ts", Name: name, Type: domain.ClassTypeStruct, Properties: props}
}

func tph(c *domain.Class) *domain.Class {
	c.ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyTablePerHierarchy}
	return c
}

func prim(name string, t domain.PrimitiveType) domain.Property {
	return domain.Property{Name: name, Kind: domain.KindPrimitive, Type: t}
}

func nav(name, rel string, dir domain.Direction) domain.Property {
	return domain.Property{Name: name, Kind: domain.KindNavigation, Relationship: rel, Direction: dir}
}

func constraint(m domain.Multiplicity, polymorphic bool, classes ...string) domain.Constraint {
	return domain.Constraint{Multiplicity: m, Polymorphic: polymorphic, Classes: classes}
}

func relClass(name string, strength domain.Strength, dir domain.Direction, src, tgt domain.Constraint, props ...domain.Property) *domain.Class {
	return &domain.Class{
		Schema:     "ts",
		Name:       name,
		Type:       domain.ClassTypeRelationship,
		Properties: props,
		Relationship: &domain.RelationshipSpec{
			Strength:  strength,
			Direction: dir,
			Source:    src,
			Target:    tgt,
		},
	}
}

func u32(v uint32) *uint32 { return &v }

func mustResolve(t *testing.T, classes ...*domain.Class) *Map {
	t.Helper()
	m, err := Resolve(domain.NewModel(classes...), nil, Options{})
	require.NoError(t, err)
	return m
}

func resolveErr(t *testing.T, classes ...*domain.Class) error {
	t.Helper()
	_, err := Resolve(domain.NewModel(classes...), nil, Options{})
	require.Error(t, err)
	return err
}

func columnNames(t *testing.T, m *Map, table string) []string {
	t.Helper()
	tbl, ok := m.Table(table)
	require.True(t, ok, "table %s", table)
	names := make([]string, 0, len(tbl.Columns))
	for _, c := range tbl.Columns {
		names = append(names, c.Name)
	}
	return names
}

func property(t *testing.T, m *Map, class, path string) *PropertyMap {
	t.Helper()
	cm, ok := m.ClassByName(class)
	require.True(t, ok, "class %s", class)
	pm, ok := cm.Property(path)
	require.True(t, ok, "property %s.%s", class, path)
	return pm
}

func index(m *Map, name string) (Index, bool) {
	for _, ix := range m.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return Index{}, false
}
