package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newTestRepo creates an in-memory SQLite repository for testing
func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(":memory:")
	require.NoError(t, err, "failed to create test repository")

	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}

func prim(name string, t domain.PrimitiveType) domain.Property {
	return domain.Property{Name: name, Kind: domain.KindPrimitive, Type: t}
}

func nav(name, rel string) domain.Property {
	return domain.Property{Name: name, Kind: domain.KindNavigation, Relationship: rel, Direction: domain.DirectionBackward}
}

func entity(name string, bases []string, props ...domain.Property) *domain.Class {
	return &domain.Class{Schema: "ts", Name: name, Type: domain.ClassTypeEntity, BaseClasses: bases, Properties: props}
}

func rel(name string, strength domain.Strength, src, tgt domain.Constraint, props ...domain.Property) *domain.Class {
	return &domain.Class{
		Schema:     "ts",
		Name:       name,
		Type:       domain.ClassTypeRelationship,
		Properties: props,
		Relationship: &domain.RelationshipSpec{
			Strength:  strength,
			Direction: domain.DirectionForward,
			Source:    src,
			Target:    tgt,
		},
	}
}

// testModel declares an embedding (Folder/Document), a TPH hierarchy
// (Party/Person/Company) and a many-to-many link (OwnerLikesWidgets)
func testModel() *domain.Model {
	party := entity("Party", nil, prim("Name", domain.TypeString))
	party.Modifier = domain.ModifierAbstract
	party.ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyTablePerHierarchy}

	return domain.NewModel(
		entity("Folder", nil, prim("Name", domain.TypeString)),
		entity("Document", nil, prim("Title", domain.TypeString), nav("Folder", "FolderHasDocuments")),
		rel("FolderHasDocuments", domain.StrengthEmbedding,
			domain.Constraint{Multiplicity: domain.ZeroOne, Classes: []string{"Folder"}},
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Document"}},
		),
		party,
		entity("Person", []string{"Party"}, prim("Age", domain.TypeInteger)),
		entity("Company", []string{"Party"}),
		entity("Owner", nil, prim("Name", domain.TypeString)),
		entity("Widget", nil, prim("Name", domain.TypeString), prim("Count", domain.TypeInteger)),
		rel("OwnerLikesWidgets", domain.StrengthReferencing,
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Owner"}},
			domain.Constraint{Multiplicity: domain.ZeroMany, Classes: []string{"Widget"}},
			prim("Since", domain.TypeDateTime),
		),
	)
}

// newSchemaRepo creates a repository with testModel applied
func newSchemaRepo(t *testing.T) (*Repository, *mapping.Map, *marshal.Binder) {
	t.Helper()
	repo := newTestRepo(t)
	model := testModel()
	m, err := mapping.Resolve(model, nil, mapping.Options{})
	require.NoError(t, err)

	v := &repository.MapVersion{
		ImportID:    "import-1",
		Fingerprint: mapping.Fingerprint(m),
		ImportedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Model:       model,
		Map:         m,
	}
	require.NoError(t, repo.ApplySchema(context.Background(), v, mapping.DDL(m)))
	return repo, m, marshal.NewBinder(m, locator{repo: repo, m: m})
}

// locator adapts the repository to marshal.Locator
type locator struct {
	repo *Repository
	m    *mapping.Map
}

func (l locator) LocateClasses(ctx context.Context, candidates []domain.ClassID, id domain.InstanceID) ([]domain.ClassID, error) {
	return l.repo.LocateClasses(ctx, l.m, candidates, id)
}

func classID(t *testing.T, m *mapping.Map, name string) domain.ClassID {
	t.Helper()
	cm, ok := m.ClassByName(name)
	require.True(t, ok, "class %s", name)
	return cm.ClassID
}

// insert binds rec and stores it
func insert(t *testing.T, repo *Repository, b *marshal.Binder, class string, rec marshal.Record) domain.InstanceID {
	t.Helper()
	bound, err := b.Bind(context.Background(), classID(t, b.Map(), class), rec)
	require.NoError(t, err)
	id, err := repo.InsertInstance(context.Background(), bound)
	require.NoError(t, err)
	return id
}

// ============================================================================
// Helper Function Tests
// ============================================================================

func TestNullHelpers(t *testing.T) {
	assert.Equal(t, "", nullToString(sql.NullString{}))
	assert.Equal(t, "x", nullToString(sql.NullString{String: "x", Valid: true}))
	assert.False(t, nullToBool(sql.NullInt64{}))
	assert.False(t, nullToBool(sql.NullInt64{Int64: 0, Valid: true}))
	assert.True(t, nullToBool(sql.NullInt64{Int64: 2, Valid: true}))
	assert.Equal(t, sql.NullString{}, stringToNull(""))
	assert.Equal(t, sql.NullString{String: "a", Valid: true}, stringToNull("a"))
}

func TestSQLTextHelpers(t *testing.T) {
	assert.Equal(t, `"a""b"`, quote(`a"b`))
	assert.Equal(t, "?, ?, ?", placeholders(3))
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "CREATE TABLE x (", firstLine("\n  CREATE TABLE x (\n  Id INTEGER)"))
}

func TestInsertStatement(t *testing.T) {
	stmt, args := insertStatement(marshal.TableRow{
		Table:   "ts_Widget",
		Columns: []string{"Name", "Count"},
		Values:  []any{"w", int64(3)},
	}, 9)
	assert.Equal(t, `INSERT INTO "ts_Widget" ("Id", "Name", "Count") VALUES (?, ?, ?)`, stmt)
	assert.Equal(t, []any{int64(9), "w", int64(3)}, args)
}

func TestSelectStatement(t *testing.T) {
	m, err := mapping.Resolve(testModel(), nil, mapping.Options{})
	require.NoError(t, err)
	cm, _ := m.ClassByName("ts.Widget")

	stmt, keys, err := selectStatement(m, cm)
	require.NoError(t, err)
	assert.Equal(t, `SELECT t0."Id", t0."Name", t0."Count" FROM "ts_Widget" t0 WHERE t0."Id" = ?`, stmt)
	assert.Equal(t, []string{"ts_Widget.Id", "ts_Widget.Name", "ts_Widget.Count"}, keys)
}

func TestGroupByTableSkipsAbstractClasses(t *testing.T) {
	m, err := mapping.Resolve(testModel(), nil, mapping.Options{})
	require.NoError(t, err)
	party := classID(t, m, "ts.Party")

	groups := groupByTable(m, m.Descendants(party))
	require.Len(t, groups, 1)
	assert.Equal(t, "ts_Party", groups[0].table)
	assert.ElementsMatch(t, []domain.ClassID{classID(t, m, "ts.Person"), classID(t, m, "ts.Company")}, groups[0].classes)
}

// ============================================================================
// Map Version Tests
// ============================================================================

func TestMigrateIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.migrate())
}

func TestLoadMapEmptyStore(t *testing.T) {
	repo := newTestRepo(t)
	v, err := repo.LoadMap(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestApplySchemaAndLoadMap(t *testing.T) {
	repo, m, _ := newSchemaRepo(t)
	ctx := context.Background()

	v, err := repo.LoadMap(ctx)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, int64(1), v.Version)
	assert.Equal(t, "import-1", v.ImportID)
	assert.Equal(t, mapping.Fingerprint(m), v.Fingerprint)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), v.ImportedAt)

	require.NotNil(t, v.Map)
	assert.Equal(t, mapping.DDL(m), mapping.DDL(v.Map))
	cm, ok := v.Map.ClassByName("ts:Widget")
	require.True(t, ok)
	assert.Equal(t, classID(t, m, "ts.Widget"), cm.ClassID)
	_, ok = v.Model.Class("ts.Widget")
	assert.True(t, ok)

	versions, err := repo.MapVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Nil(t, versions[0].Map)

	classes, err := repo.ListClasses(ctx)
	require.NoError(t, err)
	require.Len(t, classes, len(m.Classes))
	party := classes[classID(t, m, "ts.Party")-1]
	assert.Equal(t, "ts.Party", party.Name)
	assert.True(t, party.Abstract)
	assert.Equal(t, "ts_Party", party.PrimaryTable)
}

func TestApplySchemaRollsBackOnFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	m, err := mapping.Resolve(testModel(), nil, mapping.Options{})
	require.NoError(t, err)

	v := &repository.MapVersion{ImportID: "bad", ImportedAt: time.Now(), Model: testModel(), Map: m}
	ddl := append(mapping.DDL(m), "CREATE TABLE broken (")
	require.Error(t, repo.ApplySchema(ctx, v, ddl))

	loaded, err := repo.LoadMap(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// the tables created before the failing statement are gone too
	require.NoError(t, repo.ApplySchema(ctx, &repository.MapVersion{
		ImportID: "good", ImportedAt: time.Now(), Model: testModel(), Map: m,
	}, mapping.DDL(m)))
}

// ============================================================================
// Instance Tests
// ============================================================================

func TestInsertReadDeleteInstance(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()
	widget := classID(t, m, "ts.Widget")

	id := insert(t, repo, b, "ts.Widget", marshal.Record{"Name": "gear", "Count": 3})
	assert.Equal(t, domain.InstanceID(1), id)

	row, err := repo.ReadInstance(ctx, m, widget, id)
	require.NoError(t, err)
	assert.Equal(t, "gear", row["ts_Widget.Name"])
	assert.Equal(t, int64(3), row["ts_Widget.Count"])

	rec, err := b.Unbind(widget, row)
	require.NoError(t, err)
	assert.Equal(t, id, rec[marshal.KeyID])
	assert.Equal(t, "gear", rec["Name"])

	require.NoError(t, repo.DeleteInstance(ctx, m, widget, id))
	_, err = repo.ReadInstance(ctx, m, widget, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteInstance(ctx, m, widget, id), repository.ErrNotFound)
}

func TestInsertReservesExplicitIDs(t *testing.T) {
	repo, _, b := newSchemaRepo(t)

	explicit := insert(t, repo, b, "ts.Widget", marshal.Record{marshal.KeyID: "0x10", "Name": "a"})
	assert.Equal(t, domain.InstanceID(16), explicit)

	next := insert(t, repo, b, "ts.Owner", marshal.Record{"Name": "b"})
	assert.Equal(t, domain.InstanceID(17), next)
}

func TestInsertDuplicateIDFails(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	insert(t, repo, b, "ts.Widget", marshal.Record{marshal.KeyID: 5})

	bound, err := b.Bind(context.Background(), classID(t, m, "ts.Widget"), marshal.Record{marshal.KeyID: 5})
	require.NoError(t, err)
	_, err = repo.InsertInstance(context.Background(), bound)
	assert.Error(t, err)
}

func TestClassOfAndListInstancesArePolymorphic(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()
	party := classID(t, m, "ts.Party")
	person := classID(t, m, "ts.Person")
	company := classID(t, m, "ts.Company")

	alice := insert(t, repo, b, "ts.Person", marshal.Record{"Name": "alice", "Age": 30})
	acme := insert(t, repo, b, "ts.Company", marshal.Record{"Name": "acme"})
	gear := insert(t, repo, b, "ts.Widget", marshal.Record{"Name": "gear"})

	got, err := repo.ClassOf(ctx, m, party, alice)
	require.NoError(t, err)
	assert.Equal(t, person, got)

	_, err = repo.ClassOf(ctx, m, company, alice)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	got, err = repo.ClassOf(ctx, m, classID(t, m, "ts.Widget"), gear)
	require.NoError(t, err)
	assert.Equal(t, classID(t, m, "ts.Widget"), got)

	refs, err := repo.ListInstances(ctx, m, party)
	require.NoError(t, err)
	assert.Equal(t, []repository.InstanceRef{{ID: alice, ClassID: person}, {ID: acme, ClassID: company}}, refs)

	refs, err = repo.ListInstances(ctx, m, company)
	require.NoError(t, err)
	assert.Equal(t, []repository.InstanceRef{{ID: acme, ClassID: company}}, refs)

	// a TPH row read through its concrete class only
	_, err = repo.ReadInstance(ctx, m, company, alice)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	row, err := repo.ReadInstance(ctx, m, person, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(person), row["ts_Party.ECClassId"])
}

func TestLocateClasses(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()
	person := classID(t, m, "ts.Person")
	widget := classID(t, m, "ts.Widget")

	alice := insert(t, repo, b, "ts.Person", marshal.Record{"Name": "alice"})
	candidates := []domain.ClassID{person, classID(t, m, "ts.Company"), widget}

	got, err := repo.LocateClasses(ctx, m, candidates, alice)
	require.NoError(t, err)
	assert.Equal(t, []domain.ClassID{person}, got)

	got, err = repo.LocateClasses(ctx, m, candidates, 999)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()
	widget := classID(t, m, "ts.Widget")
	bound, err := b.Bind(ctx, widget, marshal.Record{"Name": "gear"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.WithTx(ctx, func(s repository.Store) error {
		if _, err := s.InsertInstance(ctx, bound); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	refs, err := repo.ListInstances(ctx, m, widget)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

// ============================================================================
// Relationship Tests
// ============================================================================

func TestUpdateRowSetsForeignKey(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()
	relID := classID(t, m, "ts.FolderHasDocuments")

	folder := insert(t, repo, b, "ts.Folder", marshal.Record{"Name": "inbox"})
	doc := insert(t, repo, b, "ts.Document", marshal.Record{"Title": "memo"})

	bound, err := b.BindRelationship(ctx, relID, marshal.Record{marshal.KeySourceID: folder, marshal.KeyTargetID: doc})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateRow(ctx, bound.Update))

	row, err := repo.ReadInstance(ctx, m, classID(t, m, "ts.Document"), doc)
	require.NoError(t, err)
	assert.Equal(t, int64(folder), row["ts_Document.FolderId"])

	bound.Update.RowID = 999
	assert.ErrorIs(t, repo.UpdateRow(ctx, bound.Update), repository.ErrNotFound)
}

func TestEmbeddingDeleteCascades(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()
	document := classID(t, m, "ts.Document")

	folder := insert(t, repo, b, "ts.Folder", marshal.Record{"Name": "inbox"})
	doc := insert(t, repo, b, "ts.Document", marshal.Record{"Title": "memo", "Folder": folder})
	loose := insert(t, repo, b, "ts.Document", marshal.Record{"Title": "loose"})

	require.NoError(t, repo.DeleteInstance(ctx, m, classID(t, m, "ts.Folder"), folder))

	_, err := repo.ReadInstance(ctx, m, document, doc)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.ReadInstance(ctx, m, document, loose)
	assert.NoError(t, err)
}

func TestForeignKeyRejectsMissingTarget(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	bound, err := b.Bind(context.Background(), classID(t, m, "ts.Document"), marshal.Record{"Title": "orphan", "Folder": 42})
	require.NoError(t, err)

	_, err = repo.InsertInstance(context.Background(), bound)
	assert.Error(t, err)
}

func TestLinkTableRejectsDuplicates(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()
	relID := classID(t, m, "ts.OwnerLikesWidgets")
	rm, ok := m.Relationship(relID)
	require.True(t, ok)

	owner := insert(t, repo, b, "ts.Owner", marshal.Record{"Name": "ann"})
	widget := insert(t, repo, b, "ts.Widget", marshal.Record{"Name": "gear"})
	link := marshal.Record{marshal.KeySourceID: owner, marshal.KeyTargetID: widget, "Since": "2023-03-04T00:00:00Z"}

	bound, err := b.BindRelationship(ctx, relID, link)
	require.NoError(t, err)
	_, err = repo.InsertInstance(ctx, bound.Insert)
	require.NoError(t, err)

	again, err := b.BindRelationship(ctx, relID, link)
	require.NoError(t, err)
	_, err = repo.InsertInstance(ctx, again.Insert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE")

	rows, err := repo.ListLinks(ctx, m, relID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rec, err := b.UnbindRelationship(relID, rows[0])
	require.NoError(t, err)
	assert.Equal(t, owner, rec[marshal.KeySourceID])
	assert.Equal(t, widget, rec[marshal.KeyTargetID])
	assert.Equal(t, time.Date(2023, 3, 4, 0, 0, 0, 0, time.UTC), rec["Since"])

	n, err := repo.DeleteLink(ctx, rm, owner, widget)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err = repo.ListLinks(ctx, m, relID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeferForeignKeysAllowsForwardReferences(t *testing.T) {
	repo, m, b := newSchemaRepo(t)
	ctx := context.Background()

	doc, err := b.Bind(ctx, classID(t, m, "ts.Document"), marshal.Record{marshal.KeyID: 2, "Title": "memo", "Folder": 1})
	require.NoError(t, err)
	folder, err := b.Bind(ctx, classID(t, m, "ts.Folder"), marshal.Record{marshal.KeyID: 1, "Name": "inbox"})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(s repository.Store) error {
		if err := s.DeferForeignKeys(ctx); err != nil {
			return err
		}
		if _, err := s.InsertInstance(ctx, doc); err != nil {
			return err
		}
		_, err := s.InsertInstance(ctx, folder)
		return err
	})
	require.NoError(t, err)

	_, err = repo.ReadInstance(ctx, m, classID(t, m, "ts.Document"), 2)
	assert.NoError(t, err)
}
