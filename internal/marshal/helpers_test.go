package marshal

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
)

// ============================================================================
// Fixture model
// ============================================================================

func u32(v uint32) *uint32 { return &v }

func prim(name string, t domain.PrimitiveType) domain.Property {
	return domain.Property{Name: name, Kind: domain.KindPrimitive, Type: t}
}

func nav(name, rel string, dir domain.Direction) domain.Property {
	return domain.Property{Name: name, Kind: domain.KindNavigation, Relationship: rel, Direction: dir}
}

func class(name string, t domain.ClassType, bases []string, props ...domain.Property) *domain.Class {
	return &domain.Class{Schema: "ts", Name: name, Type: t, BaseClasses: bases, Properties: props}
}

func rel(name string, src, tgt domain.Constraint, props ...domain.Property) *domain.Class {
	c := class(name, domain.ClassTypeRelationship, nil, props...)
	c.Relationship = &domain.RelationshipSpec{
		Strength:  domain.StrengthReferencing,
		Direction: domain.DirectionForward,
		Source:    src,
		Target:    tgt,
	}
	return c
}

// fixtureModel declares:
//
//	Widget      every property kind, a navigation to Owner
//	Party       abstract TPH root of Person and Company
//	Note        a navigation to any Party (companion class column)
//	OwnerLikesWidgets  many-to-many with a property (link table)
func fixtureModel() *domain.Model {
	party := class("Party", domain.ClassTypeEntity, nil, prim("Name", domain.TypeString))
	party.Modifier = domain.ModifierAbstract
	party.ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyTablePerHierarchy}

	return domain.NewModel(
		class("Address", domain.ClassTypeStruct, nil,
			prim("Street", domain.TypeString),
			prim("Zip", domain.TypeInteger),
		),
		class("Owner", domain.ClassTypeEntity, nil, prim("Name", domain.TypeString)),
		class("Widget", domain.ClassTypeEntity, nil,
			prim("Name", domain.TypeString),
			prim("Count", domain.TypeInteger),
			prim("Active", domain.TypeBoolean),
			prim("Made", domain.TypeDateTime),
			prim("Blob", domain.TypeBinary),
			prim("Pos", domain.TypePoint2d),
			prim("Loc", domain.TypePoint3d),
			domain.Property{Name: "Addr", Kind: domain.KindStruct, StructName: "Address"},
			domain.Property{Name: "Tags", Kind: domain.KindPrimitiveArray, Type: domain.TypeString, MinOccurs: 1, MaxOccurs: u32(3)},
			domain.Property{Name: "Stops", Kind: domain.KindStructArray, StructName: "Address"},
			prim("Width", domain.TypeDouble),
			prim("Height", domain.TypeDouble),
			domain.Property{Name: "Area", Kind: domain.KindPrimitive, Type: domain.TypeDouble,
				Calculated: "Width != nil && Height != nil ? Width * Height : nil"},
			nav("Owner", "OwnerHasWidgets", domain.DirectionBackward),
		),
		rel("OwnerHasWidgets",
			domain.Constraint{Multiplicity: domain.ZeroOne, Classes: []string{"Owner"}},
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Widget"}},
		),
		party,
		class("Person", domain.ClassTypeEntity, []string{"Party"}),
		class("Company", domain.ClassTypeEntity, []string{"Party"}),
		class("Note", domain.ClassTypeEntity, nil,
			prim("Text", domain.TypeString),
			nav("Party", "PartyHasNotes", domain.DirectionBackward),
		),
		rel("PartyHasNotes",
			domain.Constraint{Multiplicity: domain.ZeroOne, Polymorphic: true, Classes: []string{"Party"}},
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Note"}},
		),
		rel("OwnerLikesWidgets",
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Owner"}},
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Widget"}},
			prim("Since", domain.TypeDateTime),
		),
	)
}

func fixtureMap(t *testing.T) *mapping.Map {
	t.Helper()
	m, err := mapping.Resolve(fixtureModel(), nil, mapping.Options{})
	require.NoError(t, err)
	return m
}

func classID(t *testing.T, m *mapping.Map, name string) domain.ClassID {
	t.Helper()
	cm, ok := m.ClassByName(name)
	require.True(t, ok, "class %s", name)
	return cm.ClassID
}

// fakeLocator answers from a fixed id -> classes table
type fakeLocator map[domain.InstanceID][]domain.ClassID

func (f fakeLocator) LocateClasses(_ context.Context, candidates []domain.ClassID, id domain.InstanceID) ([]domain.ClassID, error) {
	var out []domain.ClassID
	for _, c := range f[id] {
		if slices.Contains(candidates, c) {
			out = append(out, c)
		}
	}
	return out, nil
}
