package marshal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
)

func TestBindRelationshipForeignKey(t *testing.T) {
	m := fixtureMap(t)
	b := NewBinder(m, nil)
	relID := classID(t, m, "ts.OwnerHasWidgets")

	bound, err := b.BindRelationship(context.Background(), relID, Record{
		KeySourceID: "0x5",
		KeyTargetID: 7,
	})
	require.NoError(t, err)
	assert.Nil(t, bound.Insert)
	require.NotNil(t, bound.Update)
	assert.Equal(t, &RowUpdate{
		Table:   "ts_Widget",
		RowID:   7,
		Columns: []string{"OwnerId"},
		Values:  []any{int64(5)},
	}, bound.Update)
	assert.Equal(t, Navigation{ID: 5, Class: "ts.Owner"}, bound.Source)
	assert.Equal(t, Navigation{ID: 7, Class: "ts.Widget"}, bound.Target)

	cleared, err := b.ClearRelationship(context.Background(), relID, Record{KeySourceID: 5, KeyTargetID: 7})
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, cleared.Update.Values)
}

func TestBindRelationshipForeignKeyRejectsProperties(t *testing.T) {
	m := fixtureMap(t)
	b := NewBinder(m, nil)

	_, err := b.BindRelationship(context.Background(), classID(t, m, "ts.OwnerHasWidgets"), Record{
		KeySourceID: 5, KeyTargetID: 7, "Weight": 1,
	})
	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestBindRelationshipPolymorphicEnd(t *testing.T) {
	m := fixtureMap(t)
	relID := classID(t, m, "ts.PartyHasNotes")
	person := classID(t, m, "ts.Person")

	_, err := NewBinder(m, nil).BindRelationship(context.Background(), relID, Record{KeySourceID: 1, KeyTargetID: 2})
	assert.ErrorIs(t, err, ErrMissingClassQualifier)

	b := NewBinder(m, fakeLocator{1: {person}})
	bound, err := b.BindRelationship(context.Background(), relID, Record{KeySourceID: 1, KeyTargetID: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"PartyId", "PartyRelECClassId", "PartyECClassId"}, bound.Update.Columns)
	assert.Equal(t, []any{int64(1), int64(relID), int64(person)}, bound.Update.Values)
}

func TestBindRelationshipLinkTable(t *testing.T) {
	m := fixtureMap(t)
	b := NewBinder(m, nil)
	relID := classID(t, m, "ts.OwnerLikesWidgets")
	since := time.Date(2023, 3, 4, 0, 0, 0, 0, time.UTC)

	bound, err := b.BindRelationship(context.Background(), relID, Record{
		KeySourceID:        5,
		KeySourceClassName: "ts.Owner",
		KeyTargetID:        7,
		"Since":            since,
	})
	require.NoError(t, err)
	assert.Nil(t, bound.Update)
	require.NotNil(t, bound.Insert)
	require.Len(t, bound.Insert.Rows, 1)

	row := bound.Insert.Row()
	assert.Equal(t, int64(relID), row["ts_OwnerLikesWidgets.ECClassId"])
	assert.Equal(t, int64(5), row["ts_OwnerLikesWidgets.SourceId"])
	assert.Equal(t, int64(7), row["ts_OwnerLikesWidgets.TargetId"])
	assert.Equal(t, bound.Insert.Rows[0].Columns[0], mapping.ColumnNameClassID)
	assert.Equal(t, bound.Insert.Rows[0].Columns[1], "SourceId")

	row["ts_OwnerLikesWidgets.Id"] = int64(40)
	back, err := b.UnbindRelationship(relID, row)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceID(40), back[KeyID])
	assert.Equal(t, domain.InstanceID(5), back[KeySourceID])
	assert.Equal(t, "ts.Owner", back[KeySourceClassName])
	assert.Equal(t, domain.InstanceID(7), back[KeyTargetID])
	assert.Equal(t, "ts.Widget", back[KeyTargetClassName])
	assert.Equal(t, since, back["Since"])
}

func TestBindRelationshipErrors(t *testing.T) {
	m := fixtureMap(t)
	b := NewBinder(m, nil)
	link := classID(t, m, "ts.OwnerLikesWidgets")

	tests := []struct {
		name  string
		relID domain.ClassID
		rec   Record
		want  ErrorKind
	}{
		{"not a relationship", classID(t, m, "ts.Widget"), Record{}, KindNotMapped},
		{"missing source", link, Record{KeyTargetID: 1}, KindMalformedRecord},
		{"bad target id", link, Record{KeySourceID: 1, KeyTargetID: "x"}, KindMalformedRecord},
		{"wrong end class", link, Record{KeySourceID: 1, KeySourceClassName: "ts.Widget", KeyTargetID: 2}, KindMalformedRecord},
		{"unknown property", link, Record{KeySourceID: 1, KeyTargetID: 2, "Nope": 1}, KindUnknownProperty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.BindRelationship(context.Background(), tt.relID, tt.rec)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err), err.Error())
		})
	}
}

// familyMap has an abstract foreign key relationship with two subclasses
func familyMap(t *testing.T) *mapping.Map {
	t.Helper()
	ends := func() (domain.Constraint, domain.Constraint) {
		return domain.Constraint{Multiplicity: domain.ZeroOne, Classes: []string{"Parent"}},
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Child"}}
	}
	rootSrc, rootTgt := ends()
	root := rel("ParentOwnsChildren", rootSrc, rootTgt)
	root.Modifier = domain.ModifierAbstract
	adoptsSrc, adoptsTgt := ends()
	adopts := rel("ParentAdoptsChildren", adoptsSrc, adoptsTgt)
	adopts.BaseClasses = []string{"ParentOwnsChildren"}
	fostersSrc, fostersTgt := ends()
	fosters := rel("ParentFostersChildren", fostersSrc, fostersTgt)
	fosters.BaseClasses = []string{"ParentOwnsChildren"}

	m, err := mapping.Resolve(domain.NewModel(
		class("Parent", domain.ClassTypeEntity, nil),
		class("Child", domain.ClassTypeEntity, nil, nav("Parent", "ParentOwnsChildren", domain.DirectionBackward)),
		class("Pet", domain.ClassTypeEntity, nil),
		root, adopts, fosters,
	), nil, mapping.Options{})
	require.NoError(t, err)
	return m
}

func TestNavigationRelationshipClass(t *testing.T) {
	m := familyMap(t)
	b := NewBinder(m, nil)
	child := classID(t, m, "ts.Child")
	adopts := classID(t, m, "ts.ParentAdoptsChildren")

	tests := []struct {
		name  string
		value any
		want  Navigation
		kind  ErrorKind
	}{
		{name: "concrete subclass", value: map[string]any{"id": 1, "relClassName": "ts.ParentAdoptsChildren"}, want: Navigation{ID: 1, Relationship: "ts.ParentAdoptsChildren"}},
		{name: "abstract default", value: 1, kind: KindMissingClassQualifier},
		{name: "abstract named", value: map[string]any{"id": 1, "relClassName": "ts.ParentOwnsChildren"}, kind: KindMalformedRecord},
		{name: "unrelated class", value: map[string]any{"id": 1, "relClassName": "ts.Pet"}, kind: KindMalformedRecord},
		{name: "unknown class", value: map[string]any{"id": 1, "relClassName": "ts.Nope"}, kind: KindMalformedRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canon, err := b.Normalize(context.Background(), child, Record{"Parent": tt.value})
			if tt.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, KindOf(err), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, canon["Parent"])
		})
	}

	bound, err := b.Bind(context.Background(), child, Record{"Parent": map[string]any{"id": 1, "relClassName": "ts.ParentAdoptsChildren"}})
	require.NoError(t, err)
	row := bound.Row()
	assert.Equal(t, int64(adopts), row["ts_Child.ParentRelECClassId"])
	assert.NotContains(t, row, "ts_Child.ParentECClassId")
}

func TestBindRelationshipRecordsRelationshipClass(t *testing.T) {
	m := familyMap(t)
	b := NewBinder(m, nil)
	fosters := classID(t, m, "ts.ParentFostersChildren")

	bound, err := b.BindRelationship(context.Background(), fosters, Record{KeySourceID: 1, KeyTargetID: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"ParentId", "ParentRelECClassId"}, bound.Update.Columns)
	assert.Equal(t, []any{int64(1), int64(fosters)}, bound.Update.Values)

	cleared, err := b.ClearRelationship(context.Background(), fosters, Record{KeySourceID: 1, KeyTargetID: 2})
	require.NoError(t, err)
	assert.Equal(t, []any{nil, nil}, cleared.Update.Values)

	_, err = b.BindRelationship(context.Background(), classID(t, m, "ts.ParentOwnsChildren"), Record{KeySourceID: 1, KeyTargetID: 2})
	assert.ErrorIs(t, err, ErrNotMapped)
}
