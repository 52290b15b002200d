package mapping

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"ecstore/internal/domain"
)

// quote quotes an SQL identifier
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnDef(c *Column) string {
	var b strings.Builder
	b.WriteString(quote(c.Name))
	if c.Kind == ColumnKindID {
		b.WriteString(" INTEGER PRIMARY KEY")
		return b.String()
	}
	if c.Type != ColumnAny {
		b.WriteString(" ")
		b.WriteString(string(c.Type))
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

func onDeleteClause(a domain.Action) string {
	switch a {
	case domain.ActionCascade:
		return " ON DELETE CASCADE"
	case domain.ActionSetNull:
		return " ON DELETE SET NULL"
	case domain.ActionRestrict:
		return " ON DELETE RESTRICT"
	}
	return ""
}

// CreateTableSQL renders the CREATE TABLE statement of a table
func CreateTableSQL(t *Table) string {
	lines := make([]string, 0, len(t.Columns)+len(t.ForeignKeys))
	for _, c := range t.Columns {
		lines = append(lines, "\t"+columnDef(c))
	}
	for _, fk := range t.ForeignKeys {
		lines = append(lines, fmt.Sprintf("\tFOREIGN KEY (%s) REFERENCES %s(%s)%s",
			quote(fk.Column), quote(fk.RefTable), quote(fk.RefColumn), onDeleteClause(fk.OnDelete)))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", quote(t.Name), strings.Join(lines, ",\n"))
}

// CreateIndexSQL renders the CREATE INDEX statement of a descriptor
func CreateIndexSQL(ix Index) string {
	cols := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		cols[i] = quote(c)
	}
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, quote(ix.Name), quote(ix.Table), strings.Join(cols, ", "))
	if ix.Where != "" {
		stmt += " WHERE " + ix.Where
	}
	return stmt
}

// DDL renders the statements creating every table and index of the map, in
// map order. Identical maps always render identical text.
func DDL(m *Map) []string {
	stmts := make([]string, 0, len(m.Tables)+len(m.Indexes))
	for _, t := range m.Tables {
		stmts = append(stmts, CreateTableSQL(t))
	}
	for _, ix := range m.Indexes {
		stmts = append(stmts, CreateIndexSQL(ix))
	}
	return stmts
}

// Fingerprint hashes the DDL of a map
func Fingerprint(m *Map) string {
	sum := blake2b.Sum256([]byte(strings.Join(DDL(m), ";\n")))
	return hex.EncodeToString(sum[:])
}

// UpgradeDDL renders the statements moving a store from prior to next.
// next must have passed CheckCompatible against prior.
func UpgradeDDL(prior, next *Map) []string {
	var stmts []string

	nextIndexes := make(map[string]Index, len(next.Indexes))
	for _, ix := range next.Indexes {
		nextIndexes[strings.ToLower(ix.Name)] = ix
	}
	priorIndexes := make(map[string]Index, len(prior.Indexes))
	for _, ix := range prior.Indexes {
		priorIndexes[strings.ToLower(ix.Name)] = ix
		if n, ok := nextIndexes[strings.ToLower(ix.Name)]; !ok || !n.Equal(ix) {
			stmts = append(stmts, "DROP INDEX IF EXISTS "+quote(ix.Name))
		}
	}

	for _, t := range next.Tables {
		old, ok := prior.Table(t.Name)
		if !ok {
			stmts = append(stmts, CreateTableSQL(t))
			continue
		}
		for _, c := range t.Columns {
			if _, ok := old.Column(c.Name); ok {
				continue
			}
			def := columnDef(c)
			if fk, ok := t.ForeignKey(c.Name); ok {
				def += fmt.Sprintf(" REFERENCES %s(%s)%s", quote(fk.RefTable), quote(fk.RefColumn), onDeleteClause(fk.OnDelete))
			}
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(t.Name), def))
		}
	}

	for _, ix := range next.Indexes {
		if p, ok := priorIndexes[strings.ToLower(ix.Name)]; !ok || !p.Equal(ix) {
			stmts = append(stmts, CreateIndexSQL(ix))
		}
	}
	return stmts
}
