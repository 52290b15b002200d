package mapping

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecstore/internal/domain"
)

func resolveAgainst(t *testing.T, prior *Map, classes ...*domain.Class) (*Map, error) {
	t.Helper()
	return Resolve(domain.NewModel(classes...), prior, Options{})
}

func evolvingModel(extra ...domain.Property) []*domain.Class {
	root := tph(entity("Element", nil, prim("Code", domain.TypeString)))
	root.ShareColumns = &domain.ShareColumnsAttr{ApplyToSubclassesOnly: true}
	wall := entity("Wall", []string{"Element"}, prim("Height", domain.TypeDouble))
	wall.Properties = append(wall.Properties, extra...)
	return []*domain.Class{
		root,
		wall,
		entity("Owner", nil, prim("Name", domain.TypeString)),
		entity("Tag", nil, nav("Owner", "OwnerHasTags", domain.DirectionBackward)),
		relClass("OwnerHasTags", domain.StrengthReferencing, domain.DirectionForward,
			constraint(domain.ZeroOne, false, "Owner"), constraint(domain.ZeroMany, false, "Tag")),
	}
}

func TestResolveUnchangedModelIsNoop(t *testing.T) {
	prior := mustResolve(t, evolvingModel()...)
	next, err := resolveAgainst(t, prior, evolvingModel()...)
	require.NoError(t, err)

	assert.Equal(t, DDL(prior), DDL(next))
	assert.Equal(t, Fingerprint(prior), Fingerprint(next))
	assert.Empty(t, UpgradeDDL(prior, next))
}

func TestResolveAddedPropertyAndClass(t *testing.T) {
	prior := mustResolve(t, evolvingModel()...)

	classes := evolvingModel(prim("Width", domain.TypeDouble))
	classes = append(classes, entity("Door", []string{"Element"}, prim("Swing", domain.TypeString)))
	classes = append(classes, entity("Site", nil, prim("Name", domain.TypeString)))

	next, err := resolveAgainst(t, prior, classes...)
	require.NoError(t, err)

	for _, cm := range prior.Classes {
		cur, ok := next.ClassByName(cm.Name)
		require.True(t, ok)
		assert.Equal(t, cm.ClassID, cur.ClassID, cm.Name)
	}
	door, _ := next.ClassByName("ts.Door")
	assert.Equal(t, domain.ClassID(len(prior.Classes)+1), door.ClassID)

	assert.Equal(t, []string{"ps1"}, property(t, next, "ts.Wall", "Height").Columns)
	assert.Equal(t, []string{"ps2"}, property(t, next, "ts.Wall", "Width").Columns)
	assert.Equal(t, []string{"ps1"}, property(t, next, "ts.Door", "Swing").Columns)

	stmts := UpgradeDDL(prior, next)
	joined := strings.Join(stmts, "\n")
	assert.Contains(t, joined, `ALTER TABLE "ts_Element" ADD COLUMN "ps2"`)
	assert.Contains(t, joined, `CREATE TABLE "ts_Site"`)
	assert.NotContains(t, joined, `CREATE TABLE "ts_Element"`)
}

func TestResolvePriorPinsColumnsOverDeclarationOrder(t *testing.T) {
	prior := mustResolve(t, evolvingModel()...)

	// a property declared before Height must not take Height's slot
	classes := evolvingModel()
	classes[1].Properties = append([]domain.Property{prim("Depth", domain.TypeDouble)}, classes[1].Properties...)

	next, err := resolveAgainst(t, prior, classes...)
	require.NoError(t, err)
	assert.Equal(t, []string{"ps1"}, property(t, next, "ts.Wall", "Height").Columns)
	assert.Equal(t, []string{"ps2"}, property(t, next, "ts.Wall", "Depth").Columns)
}

func TestResolveIncompatibleChanges(t *testing.T) {
	prior := mustResolve(t, evolvingModel()...)

	tests := []struct {
		name   string
		mutate func([]*domain.Class) []*domain.Class
	}{
		{
			name: "removed class",
			mutate: func(cs []*domain.Class) []*domain.Class {
				return append(cs[:1:1], cs[2:]...)
			},
		},
		{
			name: "removed property",
			mutate: func(cs []*domain.Class) []*domain.Class {
				cs[2].Properties = nil
				return cs
			},
		},
		{
			name: "changed property type",
			mutate: func(cs []*domain.Class) []*domain.Class {
				cs[2].Properties = []domain.Property{prim("Name", domain.TypeLong)}
				return cs
			},
		},
		{
			name: "changed strategy",
			mutate: func(cs []*domain.Class) []*domain.Class {
				cs[2].ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyTablePerHierarchy}
				return cs
			},
		},
		{
			name: "relationship became a link table",
			mutate: func(cs []*domain.Class) []*domain.Class {
				cs[3].Properties = nil
				cs[4].Relationship.Target.Multiplicity = domain.ZeroMany
				cs[4].Relationship.Source.Multiplicity = domain.ZeroMany
				return cs
			},
		},
		{
			name: "foreign key became required",
			mutate: func(cs []*domain.Class) []*domain.Class {
				cs[4].Relationship.Source.Multiplicity = domain.OneOne
				return cs
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveAgainst(t, prior, tt.mutate(evolvingModel())...)
			require.Error(t, err)
			assert.Equal(t, KindIncompatibleSchemaChange, KindOf(err), err.Error())
		})
	}
}

func TestUpgradeDDLRecreatesChangedIndexes(t *testing.T) {
	prior := mustResolve(t, evolvingModel()...)

	classes := evolvingModel()
	classes[4].Relationship.Target.Multiplicity = domain.ZeroOne
	next, err := resolveAgainst(t, prior, classes...)
	require.NoError(t, err)

	stmts := UpgradeDDL(prior, next)
	assert.Contains(t, stmts, `DROP INDEX IF EXISTS "ix_ts_Tag_fk_ts_OwnerHasTags_source"`)
	assert.Contains(t, stmts, `CREATE UNIQUE INDEX "uix_ts_Tag_fk_ts_OwnerHasTags_source" ON "ts_Tag" ("OwnerId") WHERE "OwnerId" IS NOT NULL`)
}
