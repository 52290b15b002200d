package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecstore/internal/domain"
)

func TestResolveOwnTableFlattensProperties(t *testing.T) {
	m := mustResolve(t,
		structClass("Address", prim("Street", domain.TypeString), prim("Geo", domain.TypePoint2d)),
		entity("Site", nil,
			prim("Name", domain.TypeString),
			domain.Property{Name: "Addr", Kind: domain.KindStruct, StructName: "Address"},
			domain.Property{Name: "Tags", Kind: domain.KindPrimitiveArray, Type: domain.TypeString, MaxOccurs: u32(3)},
			prim("Pos", domain.TypePoint3d),
		),
	)

	assert.Equal(t, []string{"Id", "Name", "Addr_Street", "Addr_Geo_X", "Addr_Geo_Y", "Tags", "Pos_X", "Pos_Y", "Pos_Z"},
		columnNames(t, m, "ts_Site"))

	street := property(t, m, "ts.Site", "Addr.Street")
	assert.Equal(t, []string{"Addr_Street"}, street.Columns)

	geo := property(t, m, "ts.Site", "Addr.Geo")
	assert.Equal(t, []string{"Addr_Geo_X", "Addr_Geo_Y"}, geo.Columns)

	tags := property(t, m, "ts.Site", "Tags")
	assert.Equal(t, domain.KindPrimitiveArray, tags.Kind)
	require.NotNil(t, tags.Element)
	assert.Equal(t, domain.TypeString, tags.Element.Type)

	site, _ := m.ClassByName("ts.Site")
	assert.Equal(t, OwnTable, site.Strategy.Kind)
	assert.Equal(t, []string{"ts_Site"}, site.Tables)

	address, _ := m.ClassByName("ts.Address")
	assert.False(t, address.IsMapped())
}

func TestResolveAssignsClassIDsInModelOrder(t *testing.T) {
	m := mustResolve(t,
		entity("A", nil),
		entity("B", nil),
	)
	a, _ := m.ClassByName("ts.A")
	b, _ := m.ClassByName("ts.B")
	assert.Equal(t, domain.ClassID(1), a.ClassID)
	assert.Equal(t, domain.ClassID(2), b.ClassID)
	assert.Equal(t, "ts.B", m.ClassName(2))
}

func TestResolveLeavesModelUntouched(t *testing.T) {
	model := domain.NewModel(entity("A", nil), entity("B", []string{"A"}))
	m, err := Resolve(model, nil, Options{})
	require.NoError(t, err)

	b, _ := m.ClassByName("ts.B")
	assert.Equal(t, domain.ClassID(2), b.ClassID)
	for _, c := range model.Classes {
		assert.Zero(t, c.ID, "class %s", c.FullName())
	}
}

func TestResolveMixinsContributeProperties(t *testing.T) {
	named := &domain.Class{Schema: "ts", Name: "Named", Type: domain.ClassTypeMixin,
		Properties: []domain.Property{prim("Name", domain.TypeString)}}
	left := &domain.Class{Schema: "ts", Name: "Left", Type: domain.ClassTypeMixin, BaseClasses: []string{"Named"},
		Properties: []domain.Property{prim("L", domain.TypeInteger)}}
	right := &domain.Class{Schema: "ts", Name: "Right", Type: domain.ClassTypeMixin, BaseClasses: []string{"Named"},
		Properties: []domain.Property{prim("R", domain.TypeInteger)}}

	m := mustResolve(t, named, left, right, entity("Doc", []string{"Left", "Right"}, prim("Body", domain.TypeString)))

	assert.Equal(t, []string{"Id", "Name", "L", "R", "Body"}, columnNames(t, m, "ts_Doc"))
	mixin, _ := m.ClassByName("ts.Named")
	assert.Equal(t, NotMapped, mixin.Strategy.Kind)
}

func TestResolveTablePerHierarchy(t *testing.T) {
	m := mustResolve(t,
		tph(entity("Element", nil, prim("Code", domain.TypeString))),
		entity("Wall", []string{"Element"}, prim("Height", domain.TypeDouble)),
		entity("Door", []string{"Element"}, prim("Width", domain.TypeDouble)),
		entity("FireDoor", []string{"Door"}, prim("Rating", domain.TypeInteger)),
	)

	assert.Equal(t, []string{"Id", "ECClassId", "Code", "Height", "Width", "Rating"}, columnNames(t, m, "ts_Element"))
	for _, name := range []string{"ts.Wall", "ts.Door", "ts.FireDoor"} {
		cm, ok := m.ClassByName(name)
		require.True(t, ok)
		assert.Equal(t, "ts_Element", cm.PrimaryTable, name)
		assert.Equal(t, TablePerHierarchy, cm.Strategy.Kind, name)
	}
	assert.Equal(t, "ts_Element", property(t, m, "ts.FireDoor", "Code").Table)

	element, _ := m.ClassByName("ts.Element")
	assert.ElementsMatch(t, []domain.ClassID{1, 2, 3, 4}, m.ClassesInTable("ts_Element"))
	assert.Equal(t, []domain.ClassID{3, 4}, m.Descendants(3))
	assert.True(t, m.IsA(4, element.ClassID))
}

func TestResolveSiblingsReuseColumns(t *testing.T) {
	m := mustResolve(t,
		tph(entity("Element", nil)),
		entity("A", []string{"Element"}, prim("Label", domain.TypeString)),
		entity("B", []string{"Element"}, prim("Label", domain.TypeString)),
	)
	assert.Equal(t, []string{"Id", "ECClassId", "Label"}, columnNames(t, m, "ts_Element"))

	err := resolveErr(t,
		tph(entity("Element", nil)),
		entity("A", []string{"Element"}, prim("Label", domain.TypeString)),
		entity("B", []string{"Element"}, prim("Label", domain.TypeLong)),
	)
	assert.True(t, errors.Is(err, ErrColumnNameCollision), err.Error())
}

func TestResolveSharedColumnsWithOverflow(t *testing.T) {
	root := tph(entity("Element", nil, prim("Code", domain.TypeString)))
	root.ShareColumns = &domain.ShareColumnsAttr{MaxSharedColumnsBeforeOverflow: u32(2), ApplyToSubclassesOnly: true}

	m := mustResolve(t,
		root,
		entity("Wall", []string{"Element"},
			prim("A", domain.TypeString),
			prim("B", domain.TypeDouble),
			prim("C", domain.TypeLong),
		),
		entity("Door", []string{"Element"}, prim("X", domain.TypeInteger)),
	)

	assert.Equal(t, []string{"Id", "ECClassId", "Code", "ps1", "ps2"}, columnNames(t, m, "ts_Element"))
	assert.Equal(t, []string{"Id", "os1"}, columnNames(t, m, "ts_Element_Overflow"))

	assert.Equal(t, []string{"Code"}, property(t, m, "ts.Wall", "Code").Columns)
	assert.Equal(t, []string{"ps1"}, property(t, m, "ts.Wall", "A").Columns)
	assert.Equal(t, []string{"ps2"}, property(t, m, "ts.Wall", "B").Columns)

	c := property(t, m, "ts.Wall", "C")
	assert.Equal(t, "ts_Element_Overflow", c.Table)
	assert.Equal(t, []string{"os1"}, c.Columns)

	// siblings start over at the first slot
	assert.Equal(t, []string{"ps1"}, property(t, m, "ts.Door", "X").Columns)

	wall, _ := m.ClassByName("ts.Wall")
	assert.Equal(t, []string{"ts_Element", "ts_Element_Overflow"}, wall.Tables)
	assert.True(t, wall.Strategy.ShareColumns)

	element, _ := m.ClassByName("ts.Element")
	assert.False(t, element.Strategy.ShareColumns)

	overflow, _ := m.Table("ts_Element_Overflow")
	fk, ok := overflow.ForeignKey("Id")
	require.True(t, ok)
	assert.Equal(t, "ts_Element", fk.RefTable)
	assert.Equal(t, domain.ActionCascade, fk.OnDelete)

	shared, _ := m.Table("ts_Element")
	col, _ := shared.Column("ps1")
	assert.Equal(t, ColumnAny, col.Type)
}

func TestResolveDefaultSharedColumnBound(t *testing.T) {
	root := tph(entity("Element", nil, prim("A", domain.TypeString), prim("B", domain.TypeString)))
	root.ShareColumns = &domain.ShareColumnsAttr{}

	m, err := Resolve(domain.NewModel(root), nil, Options{DefaultMaxSharedColumns: u32(1)})
	require.NoError(t, err)

	assert.Equal(t, []string{"ps1"}, property(t, m, "ts.Element", "A").Columns)
	b := property(t, m, "ts.Element", "B")
	assert.Equal(t, "ts_Element_Overflow", b.Table)
	assert.Equal(t, []string{"os1"}, b.Columns)
}

func TestResolveJoinedTablePerDirectSubclass(t *testing.T) {
	root := tph(entity("Element", nil, prim("Code", domain.TypeString)))
	root.JoinedTablePerDirectSubclass = true

	m := mustResolve(t,
		root,
		entity("Wall", []string{"Element"}, prim("Height", domain.TypeDouble)),
		entity("Door", []string{"Element"}, prim("Width", domain.TypeDouble)),
		entity("FireDoor", []string{"Door"}, prim("Rating", domain.TypeInteger)),
	)

	assert.Equal(t, []string{"Id", "ECClassId", "Code"}, columnNames(t, m, "ts_Element"))
	assert.Equal(t, []string{"Id", "ECClassId", "Height"}, columnNames(t, m, "ts_Wall"))
	assert.Equal(t, []string{"Id", "ECClassId", "Width", "Rating"}, columnNames(t, m, "ts_Door"))

	joined, _ := m.Table("ts_Door")
	assert.Equal(t, TableJoined, joined.Type)
	fk, ok := joined.ForeignKey("Id")
	require.True(t, ok)
	assert.Equal(t, "ts_Element", fk.RefTable)

	fire, _ := m.ClassByName("ts.FireDoor")
	assert.Equal(t, "ts_Element", fire.PrimaryTable)
	assert.Equal(t, "ts_Door", fire.DataTable)
	assert.Equal(t, []string{"ts_Element", "ts_Door"}, fire.Tables)
	assert.Equal(t, "ts_Element", property(t, m, "ts.FireDoor", "Code").Table)
	assert.Equal(t, "ts_Door", property(t, m, "ts.FireDoor", "Rating").Table)
}

func TestResolvePropertyOverrides(t *testing.T) {
	t.Run("same type keeps the inherited column", func(t *testing.T) {
		m := mustResolve(t,
			tph(entity("Element", nil, prim("Value", domain.TypeString))),
			entity("Sub", []string{"Element"}, prim("Value", domain.TypeString)),
		)
		assert.Equal(t, []string{"Id", "ECClassId", "Value"}, columnNames(t, m, "ts_Element"))
		assert.Equal(t, []string{"Value"}, property(t, m, "ts.Sub", "Value").Columns)
	})

	t.Run("different type in a shared table takes the released slot", func(t *testing.T) {
		root := tph(entity("Element", nil, prim("Value", domain.TypeString)))
		root.ShareColumns = &domain.ShareColumnsAttr{}
		m := mustResolve(t,
			root,
			entity("Sub", []string{"Element"}, prim("Value", domain.TypeLong)),
		)
		assert.Equal(t, []string{"ps1"}, property(t, m, "ts.Element", "Value").Columns)
		assert.Equal(t, []string{"ps1"}, property(t, m, "ts.Sub", "Value").Columns)
		assert.Equal(t, domain.TypeLong, property(t, m, "ts.Sub", "Value").Type)
	})

	t.Run("different type in an own table", func(t *testing.T) {
		m := mustResolve(t,
			entity("Base", nil, prim("Value", domain.TypeString)),
			entity("Sub", []string{"Base"}, prim("Value", domain.TypeLong)),
		)
		sub, _ := m.Table("ts_Sub")
		col, ok := sub.Column("Value")
		require.True(t, ok)
		assert.Equal(t, ColumnInteger, col.Type)
	})

	t.Run("different type in a dedicated hierarchy column collides", func(t *testing.T) {
		err := resolveErr(t,
			tph(entity("Element", nil, prim("Value", domain.TypeString))),
			entity("Sub", []string{"Element"}, prim("Value", domain.TypeLong)),
		)
		assert.Equal(t, KindColumnNameCollision, KindOf(err))
	})
}

func TestResolveStrategyErrors(t *testing.T) {
	ownTable := func(c *domain.Class) *domain.Class {
		c.ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyOwnTable}
		return c
	}
	notMapped := func(c *domain.Class) *domain.Class {
		c.ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyNotMapped}
		return c
	}
	shared := func(c *domain.Class) *domain.Class {
		c.ShareColumns = &domain.ShareColumnsAttr{}
		return c
	}
	joined := func(c *domain.Class) *domain.Class {
		c.JoinedTablePerDirectSubclass = true
		return c
	}

	tests := []struct {
		name    string
		classes []*domain.Class
		kind    ErrorKind
	}{
		{
			name: "own table below hierarchy",
			classes: []*domain.Class{
				tph(entity("Element", nil)),
				ownTable(entity("Sub", []string{"Element"})),
			},
			kind: KindIncompatibleStrategyOverride,
		},
		{
			name: "mapped class below not mapped",
			classes: []*domain.Class{
				notMapped(entity("Element", nil)),
				ownTable(entity("Sub", []string{"Element"})),
			},
			kind: KindIncompatibleStrategyOverride,
		},
		{
			name: "share columns twice in one hierarchy",
			classes: []*domain.Class{
				shared(tph(entity("Element", nil))),
				shared(entity("Sub", []string{"Element"})),
			},
			kind: KindIncompatibleStrategyOverride,
		},
		{
			name: "nested joined split",
			classes: []*domain.Class{
				joined(tph(entity("Element", nil))),
				joined(entity("Sub", []string{"Element"})),
			},
			kind: KindIncompatibleStrategyOverride,
		},
		{
			name:    "share columns on own table",
			classes: []*domain.Class{shared(ownTable(entity("Element", nil)))},
			kind:    KindIncompatibleStrategyOverride,
		},
		{
			name: "share columns on a struct",
			classes: []*domain.Class{
				shared(structClass("S", prim("A", domain.TypeString))),
			},
			kind: KindIncompatibleStrategyOverride,
		},
		{
			name: "cyclic bases",
			classes: []*domain.Class{
				entity("A", []string{"B"}),
				entity("B", []string{"A"}),
			},
			kind: KindCyclicBaseClass,
		},
		{
			name: "flattened struct collides with a property",
			classes: []*domain.Class{
				structClass("S", prim("X", domain.TypeString)),
				entity("E", nil,
					domain.Property{Name: "Pos", Kind: domain.KindStruct, StructName: "S"},
					prim("Pos_X", domain.TypeString),
				),
			},
			kind: KindColumnNameCollision,
		},
		{
			name:    "reserved column name",
			classes: []*domain.Class{entity("E", nil, prim("Id", domain.TypeLong))},
			kind:    KindColumnNameCollision,
		},
		{
			name:    "unknown base",
			classes: []*domain.Class{entity("E", []string{"Missing"})},
			kind:    KindInvalidModel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resolveErr(t, tt.classes...)
			assert.Equal(t, tt.kind, KindOf(err), err.Error())
			assert.True(t, IsMappingError(err))
		})
	}
}

func TestResolveNotMappedSubclassOfHierarchy(t *testing.T) {
	sub := entity("Transient", []string{"Element"}, prim("Scratch", domain.TypeString))
	sub.ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyNotMapped}

	m := mustResolve(t, tph(entity("Element", nil)), sub)
	cm, _ := m.ClassByName("ts.Transient")
	assert.False(t, cm.IsMapped())
	assert.Equal(t, []string{"Id", "ECClassId"}, columnNames(t, m, "ts_Element"))
}

func TestResolveIsDeterministic(t *testing.T) {
	build := func() []*domain.Class {
		root := tph(entity("Element", nil, prim("Code", domain.TypeString)))
		root.ShareColumns = &domain.ShareColumnsAttr{MaxSharedColumnsBeforeOverflow: u32(1)}
		return []*domain.Class{
			root,
			entity("Wall", []string{"Element"}, prim("Height", domain.TypeDouble), prim("Pos", domain.TypePoint2d)),
			entity("Owner", nil, prim("Name", domain.TypeString)),
			entity("Tag", nil, nav("Owner", "OwnerHasTags", domain.DirectionBackward)),
			relClass("OwnerHasTags", domain.StrengthEmbedding, domain.DirectionForward,
				constraint(domain.ZeroOne, false, "Owner"), constraint(domain.ZeroMany, false, "Tag")),
			relClass("WallRefersToOwner", domain.StrengthReferencing, domain.DirectionForward,
				constraint(domain.ZeroMany, false, "Wall"), constraint(domain.ZeroMany, false, "Owner")),
		}
	}
	first := mustResolve(t, build()...)
	second := mustResolve(t, build()...)

	assert.Equal(t, DDL(first), DDL(second))
	assert.Equal(t, Fingerprint(first), Fingerprint(second))
}

func TestMapLookup(t *testing.T) {
	m := mustResolve(t,
		entity("Owner", nil, prim("Name", domain.TypeString)),
		entity("Tag", nil, prim("Label", domain.TypeString), nav("Owner", "OwnerHasTags", domain.DirectionBackward)),
		relClass("OwnerHasTags", domain.StrengthReferencing, domain.DirectionForward,
			constraint(domain.ZeroOne, false, "Owner"), constraint(domain.ZeroMany, false, "Tag")),
	)

	l, ok := m.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, "ts_Tag", l.Table)
	assert.Equal(t, []ColumnRef{{Table: "ts_Tag", Column: "Label"}}, l.Columns["Label"])
	assert.Equal(t, []ColumnRef{{Table: "ts_Tag", Column: "OwnerId"}}, l.Columns["Owner"])

	rl, ok := m.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, RelationshipForeignKey, rl.RelationshipKind)
	assert.Equal(t, "ts_Tag", rl.Table)

	ref, ok := m.Column(2, "Owner")
	require.True(t, ok)
	assert.Equal(t, "OwnerId", ref.Column)

	_, ok = m.Lookup(42)
	assert.False(t, ok)
}
