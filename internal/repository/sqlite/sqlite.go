package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository"

	_ "modernc.org/sqlite"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements repository.Store using SQLite
type Repository struct {
	db *sql.DB
	q  querier
}

var _ repository.Store = (*Repository)(nil)

// Options tunes the connection
type Options struct {
	BusyTimeoutMS int
}

// New creates a new SQLite repository
func New(dbPath string) (*Repository, error) {
	return Open(dbPath, Options{})
}

// Open opens (creating if needed) the store at dbPath. ":memory:" opens a
// private in-memory store.
func Open(dbPath string, opts Options) (*Repository, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	db, err := sql.Open("sqlite", dsn(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" stores whole and serializes writers
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db, q: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

func dsn(path string, opts Options) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeoutMS))
	if path != ":memory:" {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ec_MapVersion (
		Version INTEGER PRIMARY KEY,
		ImportId TEXT NOT NULL,
		Fingerprint TEXT NOT NULL,
		ImportedAt TEXT NOT NULL,
		Model TEXT NOT NULL,
		Map TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ec_Class (
		Id INTEGER PRIMARY KEY,
		Name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		Type TEXT NOT NULL,
		Abstract INTEGER NOT NULL DEFAULT 0,
		BaseId INTEGER,
		Strategy TEXT NOT NULL,
		PrimaryTable TEXT,
		DataTable TEXT
	);

	CREATE TABLE IF NOT EXISTS ec_Table (
		Name TEXT PRIMARY KEY COLLATE NOCASE,
		Type TEXT NOT NULL,
		Parent TEXT,
		RootClassId INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ec_Column (
		TableName TEXT NOT NULL COLLATE NOCASE,
		Name TEXT NOT NULL COLLATE NOCASE,
		Ordinal INTEGER NOT NULL,
		Type TEXT,
		Kind TEXT NOT NULL,
		IsNotNull INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (TableName, Name)
	);

	CREATE TABLE IF NOT EXISTS ec_PropertyMap (
		ClassId INTEGER NOT NULL,
		Path TEXT NOT NULL COLLATE NOCASE,
		Kind TEXT NOT NULL,
		Type TEXT,
		TableName TEXT NOT NULL,
		Columns TEXT NOT NULL,
		PRIMARY KEY (ClassId, Path)
	);

	CREATE TABLE IF NOT EXISTS ec_Index (
		Name TEXT PRIMARY KEY COLLATE NOCASE,
		TableName TEXT NOT NULL,
		Columns TEXT NOT NULL,
		IsUnique INTEGER NOT NULL DEFAULT 0,
		WhereClause TEXT
	);

	CREATE TABLE IF NOT EXISTS ec_Relationship (
		ClassId INTEGER PRIMARY KEY,
		Kind TEXT NOT NULL,
		Strength TEXT NOT NULL,
		FKEnd TEXT,
		OwnerTable TEXT,
		OnDelete TEXT
	);

	CREATE TABLE IF NOT EXISTS ec_Sequence (
		Name TEXT PRIMARY KEY,
		Value INTEGER NOT NULL
	);
	`

	_, err := r.db.Exec(schema)
	return err
}

// WithTx runs fn inside one transaction. The connection opens transactions
// with BEGIN IMMEDIATE, so the write lock is held from the start.
func (r *Repository) WithTx(ctx context.Context, fn func(repository.Store) error) error {
	if _, nested := r.q.(*sql.Tx); nested {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Repository{db: r.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeferForeignKeys defers foreign key enforcement until the transaction
// commits; SQLite resets the pragma at commit. Outside a transaction it is a
// no-op.
func (r *Repository) DeferForeignKeys(ctx context.Context) error {
	if _, ok := r.q.(*sql.Tx); !ok {
		return nil
	}
	if _, err := r.q.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return fmt.Errorf("failed to defer foreign keys: %w", err)
	}
	return nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// ============================================================================
// Map Versions
// ============================================================================

// LoadMap loads the newest map version
func (r *Repository) LoadMap(ctx context.Context) (*repository.MapVersion, error) {
	var row versionRow
	err := r.q.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM ec_MapVersion ORDER BY Version DESC LIMIT 1
	`).Scan(row.scanArgs()...)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query map version: %w", err)
	}
	return row.toVersion(true)
}

// MapVersions lists every version, oldest first
func (r *Repository) MapVersions(ctx context.Context) ([]repository.MapVersion, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM ec_MapVersion ORDER BY Version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query map versions: %w", err)
	}
	defer rows.Close()

	var out []repository.MapVersion
	for rows.Next() {
		var row versionRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan map version: %w", err)
		}
		v, err := row.toVersion(false)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating map versions: %w", err)
	}
	return out, nil
}

// ApplySchema runs the DDL, appends the version and rewrites the lookup
// tables, all in one transaction
func (r *Repository) ApplySchema(ctx context.Context, v *repository.MapVersion, ddl []string) error {
	return r.WithTx(ctx, func(s repository.Store) error {
		tx := s.(*Repository)
		for _, stmt := range ddl {
			if _, err := tx.q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply %q: %w", firstLine(stmt), err)
			}
		}

		args, err := versionInsertArgs(v)
		if err != nil {
			return err
		}
		res, err := tx.q.ExecContext(ctx, `
			INSERT INTO ec_MapVersion (ImportId, Fingerprint, ImportedAt, Model, Map)
			VALUES (?, ?, ?, ?, ?)
		`, args...)
		if err != nil {
			return fmt.Errorf("failed to store map version: %w", err)
		}
		if v.Version, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read map version: %w", err)
		}

		return tx.writeLookups(ctx, v.Map)
	})
}

// writeLookups mirrors the map into the ec_Class, ec_Table, ec_Column,
// ec_PropertyMap, ec_Index and ec_Relationship tables
func (r *Repository) writeLookups(ctx context.Context, m *mapping.Map) error {
	for _, table := range []string{"ec_Class", "ec_Table", "ec_Column", "ec_PropertyMap", "ec_Index", "ec_Relationship"} {
		if _, err := r.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, cm := range m.Classes {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO ec_Class (Id, Name, Type, Abstract, BaseId, Strategy, PrimaryTable, DataTable)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, classInsertArgs(cm)...); err != nil {
			return fmt.Errorf("failed to insert class %s: %w", cm.Name, err)
		}
		for _, pm := range cm.Properties {
			if _, err := r.q.ExecContext(ctx, `
				INSERT INTO ec_PropertyMap (ClassId, Path, Kind, Type, TableName, Columns)
				VALUES (?, ?, ?, ?, ?, ?)
			`, int64(cm.ClassID), pm.Path, string(pm.Kind), stringToNull(string(pm.Type)), pm.Table, strings.Join(pm.Columns, ",")); err != nil {
				return fmt.Errorf("failed to insert property map %s.%s: %w", cm.Name, pm.Path, err)
			}
		}
	}

	for _, t := range m.Tables {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO ec_Table (Name, Type, Parent, RootClassId) VALUES (?, ?, ?, ?)
		`, t.Name, string(t.Type), stringToNull(t.Parent), int64(t.RootClass)); err != nil {
			return fmt.Errorf("failed to insert table %s: %w", t.Name, err)
		}
		for i, c := range t.Columns {
			if _, err := r.q.ExecContext(ctx, `
				INSERT INTO ec_Column (TableName, Name, Ordinal, Type, Kind, IsNotNull) VALUES (?, ?, ?, ?, ?, ?)
			`, t.Name, c.Name, i, stringToNull(string(c.Type)), string(c.Kind), boolToInt(c.NotNull)); err != nil {
				return fmt.Errorf("failed to insert column %s.%s: %w", t.Name, c.Name, err)
			}
		}
	}

	for _, ix := range m.Indexes {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO ec_Index (Name, TableName, Columns, IsUnique, WhereClause) VALUES (?, ?, ?, ?, ?)
		`, ix.Name, ix.Table, strings.Join(ix.Columns, ","), boolToInt(ix.Unique), stringToNull(ix.Where)); err != nil {
			return fmt.Errorf("failed to insert index %s: %w", ix.Name, err)
		}
	}

	for _, rm := range m.Relationships {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO ec_Relationship (ClassId, Kind, Strength, FKEnd, OwnerTable, OnDelete) VALUES (?, ?, ?, ?, ?, ?)
		`, int64(rm.ClassID), string(rm.Kind), string(rm.Strength), stringToNull(string(rm.FKEnd)),
			stringToNull(rm.OwnerTable()), stringToNull(string(rm.OnDelete))); err != nil {
			return fmt.Errorf("failed to insert relationship %s: %w", rm.Name, err)
		}
	}
	return nil
}

// ListClasses reads the ec_Class lookup table
func (r *Repository) ListClasses(ctx context.Context) ([]repository.ClassRow, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT Id, Name, Type, Abstract, Strategy, PrimaryTable FROM ec_Class ORDER BY Id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query classes: %w", err)
	}
	defer rows.Close()

	var out []repository.ClassRow
	for rows.Next() {
		var (
			c        repository.ClassRow
			abstract sql.NullInt64
			primary  sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &abstract, &c.Strategy, &primary); err != nil {
			return nil, fmt.Errorf("failed to scan class: %w", err)
		}
		c.Abstract = nullToBool(abstract)
		c.PrimaryTable = nullToString(primary)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Instances
// ============================================================================

// nextID allocates the next instance id
func (r *Repository) nextID(ctx context.Context) (domain.InstanceID, error) {
	var id int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO ec_Sequence (Name, Value) VALUES ('instance', 1)
		ON CONFLICT(Name) DO UPDATE SET Value = Value + 1
		RETURNING Value
	`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate instance id: %w", err)
	}
	return domain.InstanceID(id), nil
}

// reserveID keeps explicit ids from being allocated again
func (r *Repository) reserveID(ctx context.Context, id domain.InstanceID) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ec_Sequence (Name, Value) VALUES ('instance', ?)
		ON CONFLICT(Name) DO UPDATE SET Value = MAX(Value, excluded.Value)
	`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to reserve instance id: %w", err)
	}
	return nil
}

// InsertInstance writes one row per table of the binding, primary table
// first. The id is allocated when the binding carries none.
func (r *Repository) InsertInstance(ctx context.Context, b *marshal.RowBinding) (domain.InstanceID, error) {
	var id domain.InstanceID
	err := r.WithTx(ctx, func(s repository.Store) error {
		tx := s.(*Repository)
		var err error
		if b.ID != 0 {
			id = b.ID
			err = tx.reserveID(ctx, id)
		} else {
			id, err = tx.nextID(ctx)
		}
		if err != nil {
			return err
		}

		for _, row := range b.Rows {
			stmt, args := insertStatement(row, id)
			if _, err := tx.q.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("failed to insert into %s: %w", row.Table, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ReadInstance reads the row of an instance across the tables of its class
func (r *Repository) ReadInstance(ctx context.Context, m *mapping.Map, classID domain.ClassID, id domain.InstanceID) (marshal.Row, error) {
	cm, ok := m.Class(classID)
	if !ok || !cm.IsMapped() {
		return nil, fmt.Errorf("class %d is not mapped", classID)
	}
	stmt, keys, err := selectStatement(m, cm)
	if err != nil {
		return nil, err
	}
	args := []any{int64(id)}
	if t, _ := m.Table(cm.PrimaryTable); t.HasClassID() {
		stmt += ` AND t0.` + quote(mapping.ColumnNameClassID) + ` = ?`
		args = append(args, int64(cm.ClassID))
	}

	values := make([]any, len(keys))
	ptrs := make([]any, len(keys))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err = r.q.QueryRowContext(ctx, stmt, args...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instance: %w", err)
	}

	row := make(marshal.Row, len(keys))
	for i, key := range keys {
		row[key] = values[i]
	}
	return row, nil
}

// ClassOf returns the concrete class stored under id
func (r *Repository) ClassOf(ctx context.Context, m *mapping.Map, classID domain.ClassID, id domain.InstanceID) (domain.ClassID, error) {
	cm, ok := m.Class(classID)
	if !ok || !cm.IsMapped() {
		return 0, fmt.Errorf("class %d is not mapped", classID)
	}
	t, ok := m.Table(cm.PrimaryTable)
	if !ok {
		return 0, fmt.Errorf("table %s is not in the map", cm.PrimaryTable)
	}

	if !t.HasClassID() {
		var one int
		err := r.q.QueryRowContext(ctx, `SELECT 1 FROM `+quote(t.Name)+` WHERE "Id" = ?`, int64(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("failed to query instance: %w", err)
		}
		return t.RootClass, nil
	}

	var found int64
	err := r.q.QueryRowContext(ctx, `SELECT "ECClassId" FROM `+quote(t.Name)+` WHERE "Id" = ?`, int64(id)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repository.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query instance class: %w", err)
	}
	if !m.IsA(domain.ClassID(found), classID) {
		return 0, repository.ErrNotFound
	}
	return domain.ClassID(found), nil
}

// DeleteInstance deletes the primary row; joined and overflow rows go with
// it through their cascading keys
func (r *Repository) DeleteInstance(ctx context.Context, m *mapping.Map, classID domain.ClassID, id domain.InstanceID) error {
	cm, ok := m.Class(classID)
	if !ok || !cm.IsMapped() {
		return fmt.Errorf("class %d is not mapped", classID)
	}
	res, err := r.q.ExecContext(ctx, `DELETE FROM `+quote(cm.PrimaryTable)+` WHERE "Id" = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateRow sets columns of an existing row
func (r *Repository) UpdateRow(ctx context.Context, up *marshal.RowUpdate) error {
	sets := make([]string, len(up.Columns))
	for i, col := range up.Columns {
		sets[i] = quote(col) + ` = ?`
	}
	args := append(append([]any{}, up.Values...), int64(up.RowID))
	res, err := r.q.ExecContext(ctx,
		`UPDATE `+quote(up.Table)+` SET `+strings.Join(sets, ", ")+` WHERE "Id" = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", up.Table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteLink removes the link rows between two instances
func (r *Repository) DeleteLink(ctx context.Context, rm *mapping.RelationshipMapping, source, target domain.InstanceID) (int64, error) {
	stmt := `DELETE FROM ` + quote(rm.Table) + ` WHERE ` + quote(rm.SourceIDColumn) + ` = ? AND ` + quote(rm.TargetIDColumn) + ` = ?`
	args := []any{int64(source), int64(target)}
	if rm.Base != 0 {
		stmt += ` AND "ECClassId" = ?`
		args = append(args, int64(rm.ClassID))
	}
	res, err := r.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete link: %w", err)
	}
	return res.RowsAffected()
}

// ListLinks reads every link row of a relationship and its subclasses
func (r *Repository) ListLinks(ctx context.Context, m *mapping.Map, relID domain.ClassID) ([]marshal.Row, error) {
	cm, ok := m.Class(relID)
	if !ok || !cm.IsMapped() {
		return nil, fmt.Errorf("relationship %d is not mapped", relID)
	}
	stmt, keys, err := selectStatement(m, cm)
	if err != nil {
		return nil, err
	}
	stmt = strings.TrimSuffix(stmt, ` WHERE t0."Id" = ?`) + ` ORDER BY t0."Id"`

	rows, err := r.q.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var out []marshal.Row
	for rows.Next() {
		values := make([]any, len(keys))
		ptrs := make([]any, len(keys))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		row := make(marshal.Row, len(keys))
		for i, key := range keys {
			row[key] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return out, nil
}

// ListInstances lists the concrete instances of a class and its subclasses
func (r *Repository) ListInstances(ctx context.Context, m *mapping.Map, classID domain.ClassID) ([]repository.InstanceRef, error) {
	var out []repository.InstanceRef
	for _, group := range groupByTable(m, m.Descendants(classID)) {
		refs, err := r.scanTable(ctx, m, group, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, refs...)
	}
	sortRefs(out)
	return out, nil
}

// LocateClasses reports which candidates hold id
func (r *Repository) LocateClasses(ctx context.Context, m *mapping.Map, candidates []domain.ClassID, id domain.InstanceID) ([]domain.ClassID, error) {
	var out []domain.ClassID
	for _, group := range groupByTable(m, candidates) {
		refs, err := r.scanTable(ctx, m, group, id)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			out = append(out, ref.ClassID)
		}
	}
	return out, nil
}

// scanTable reads (Id, class) pairs of one table restricted to the group's
// classes; id 0 reads every row
func (r *Repository) scanTable(ctx context.Context, m *mapping.Map, g tableGroup, id domain.InstanceID) ([]repository.InstanceRef, error) {
	t, ok := m.Table(g.table)
	if !ok {
		return nil, fmt.Errorf("table %s is not in the map", g.table)
	}

	var (
		where []string
		args  []any
	)
	// a table without ECClassId holds a single class
	classExpr := fmt.Sprint(int64(g.classes[0]))
	if t.HasClassID() {
		classExpr = `"ECClassId"`
		where = append(where, `"ECClassId" IN (`+placeholders(len(g.classes))+`)`)
		for _, c := range g.classes {
			args = append(args, int64(c))
		}
	}
	if id != 0 {
		where = append(where, `"Id" = ?`)
		args = append(args, int64(id))
	}
	stmt := `SELECT "Id", ` + classExpr + ` FROM ` + quote(t.Name)
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, ` AND `)
	}

	rows, err := r.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []repository.InstanceRef
	for rows.Next() {
		var rowID, class int64
		if err := rows.Scan(&rowID, &class); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.Name, err)
		}
		out = append(out, repository.InstanceRef{ID: domain.InstanceID(rowID), ClassID: domain.ClassID(class)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", t.Name, err)
	}
	return out, nil
}
