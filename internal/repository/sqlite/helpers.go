package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository"
)

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

// nullToString safely converts sql.NullString to string
func nullToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullToBool converts sql.NullInt64 to bool (0 = false, non-zero = true)
func nullToBool(ni sql.NullInt64) bool {
	return ni.Valid && ni.Int64 != 0
}

// stringToNull safely converts string to sql.NullString
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// boolToInt stores booleans as 0/1
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// SQL Text Helpers
// ============================================================================

// quote quotes an identifier
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// placeholders returns "?, ?, ?" for n parameters
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// firstLine shortens a statement for error messages
func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}

// ============================================================================
// Map Version Row Scanner
// ============================================================================

// versionRow holds all columns from an ec_MapVersion query for scanning
type versionRow struct {
	Version     int64
	ImportID    string
	Fingerprint string
	ImportedAt  string
	ModelJSON   string
	MapJSON     string
}

// scanArgs returns pointers to all fields for sql.Scan()
// MUST match versionColumns order exactly:
// Version, ImportId, Fingerprint, ImportedAt, Model, Map
func (r *versionRow) scanArgs() []interface{} {
	return []interface{}{
		&r.Version,     // 1
		&r.ImportID,    // 2
		&r.Fingerprint, // 3
		&r.ImportedAt,  // 4
		&r.ModelJSON,   // 5
		&r.MapJSON,     // 6
	}
}

// versionColumns returns the SELECT column list for map version queries
const versionColumns = `Version, ImportId, Fingerprint, ImportedAt, Model, Map`

// toVersion converts the scanned row; withMap decodes the model and map
func (r *versionRow) toVersion(withMap bool) (*repository.MapVersion, error) {
	importedAt, err := time.Parse(time.RFC3339Nano, r.ImportedAt)
	if err != nil {
		return nil, fmt.Errorf("parse imported at: %w", err)
	}
	v := &repository.MapVersion{
		Version:     r.Version,
		ImportID:    r.ImportID,
		Fingerprint: r.Fingerprint,
		ImportedAt:  importedAt,
	}
	if !withMap {
		return v, nil
	}

	v.Model = &domain.Model{}
	if err := json.Unmarshal([]byte(r.ModelJSON), v.Model); err != nil {
		return nil, fmt.Errorf("unmarshal model: %w", err)
	}
	v.Model.Reindex()

	v.Map = &mapping.Map{}
	if err := json.Unmarshal([]byte(r.MapJSON), v.Map); err != nil {
		return nil, fmt.Errorf("unmarshal map: %w", err)
	}
	if err := v.Map.Reindex(); err != nil {
		return nil, fmt.Errorf("reindex map: %w", err)
	}
	return v, nil
}

// versionInsertArgs prepares arguments for the ec_MapVersion INSERT
// Returns: ImportId, Fingerprint, ImportedAt, Model, Map
func versionInsertArgs(v *repository.MapVersion) ([]interface{}, error) {
	modelJSON, err := json.Marshal(v.Model)
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	mapJSON, err := json.Marshal(v.Map)
	if err != nil {
		return nil, fmt.Errorf("marshal map: %w", err)
	}
	return []interface{}{
		v.ImportID,
		v.Fingerprint,
		v.ImportedAt.UTC().Format(time.RFC3339Nano),
		string(modelJSON),
		string(mapJSON),
	}, nil
}

// classInsertArgs prepares arguments for the ec_Class INSERT
// Returns: Id, Name, Type, Abstract, BaseId, Strategy, PrimaryTable, DataTable
func classInsertArgs(cm *mapping.ClassMap) []interface{} {
	var base sql.NullInt64
	if cm.Base != 0 {
		base = sql.NullInt64{Int64: int64(cm.Base), Valid: true}
	}
	return []interface{}{
		int64(cm.ClassID),
		cm.Name,
		string(cm.Type),
		boolToInt(cm.Abstract),
		base,
		string(cm.Strategy.Kind),
		stringToNull(cm.PrimaryTable),
		stringToNull(cm.DataTable),
	}
}

// ============================================================================
// Instance Statements
// ============================================================================

// insertStatement builds the INSERT of one table row under id
func insertStatement(row marshal.TableRow, id domain.InstanceID) (string, []any) {
	cols := make([]string, 0, len(row.Columns)+1)
	cols = append(cols, quote(mapping.ColumnNameID))
	for _, c := range row.Columns {
		cols = append(cols, quote(c))
	}
	args := make([]any, 0, len(cols))
	args = append(args, int64(id))
	args = append(args, row.Values...)
	return `INSERT INTO ` + quote(row.Table) + ` (` + strings.Join(cols, ", ") + `) VALUES (` + placeholders(len(cols)) + `)`, args
}

// selectStatement builds the read of one instance across the class tables.
// keys names the result columns as "table.column"; the statement ends with
// the id predicate.
func selectStatement(m *mapping.Map, cm *mapping.ClassMap) (string, []string, error) {
	var (
		cols  []string
		keys  []string
		joins []string
	)
	for i, name := range cm.Tables {
		t, ok := m.Table(name)
		if !ok {
			return "", nil, fmt.Errorf("table %s is not in the map", name)
		}
		alias := fmt.Sprintf("t%d", i)
		for _, c := range t.Columns {
			cols = append(cols, alias+"."+quote(c.Name))
			keys = append(keys, marshal.ColumnKey(t.Name, c.Name))
		}
		if i > 0 {
			joins = append(joins, ` LEFT JOIN `+quote(t.Name)+` `+alias+` ON `+alias+`."Id" = t0."Id"`)
		}
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("class %s has no tables", cm.Name)
	}
	stmt := `SELECT ` + strings.Join(cols, ", ") + ` FROM ` + quote(cm.Tables[0]) + ` t0` +
		strings.Join(joins, "") + ` WHERE t0."Id" = ?`
	return stmt, keys, nil
}

// tableGroup is a set of concrete classes sharing a primary table
type tableGroup struct {
	table   string
	classes []domain.ClassID
}

// groupByTable groups the concrete mapped classes among ids by primary
// table, in order of first appearance
func groupByTable(m *mapping.Map, ids []domain.ClassID) []tableGroup {
	var groups []tableGroup
	index := make(map[string]int)
	for _, id := range ids {
		cm, ok := m.Class(id)
		if !ok || cm.Abstract || !cm.IsMapped() {
			continue
		}
		key := strings.ToLower(cm.PrimaryTable)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, tableGroup{table: cm.PrimaryTable})
		}
		groups[i].classes = append(groups[i].classes, id)
	}
	return groups
}

func sortRefs(refs []repository.InstanceRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
}
