package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"ecstore/internal/domain"
)

// GenerateIndexes derives the index descriptors of a resolved map. The
// result is sorted by name and free of duplicates, so it can be compared
// across schema versions.
func GenerateIndexes(m *Map) []Index {
	g := &indexSet{names: make(map[string]bool), keys: make(map[string]bool)}

	for _, t := range m.Tables {
		if t.HasClassID() {
			g.add(Index{Name: "ix_" + t.Name + "_ecclassid", Table: t.Name, Columns: []string{ColumnNameClassID}})
		}
	}

	for _, rm := range m.Relationships {
		if rm.Base != 0 {
			// subclasses share the storage, and the indexes, of their root
			continue
		}
		switch rm.Kind {
		case RelationshipForeignKey:
			if rm.UsesInstanceID {
				continue
			}
			unique := !rm.SourceMultiplicity.IsMany() && !rm.TargetMultiplicity.IsMany()
			for _, p := range rm.Partitions {
				t, ok := m.Table(p.Table)
				if !ok {
					continue
				}
				prefix := "ix_"
				if unique {
					prefix = "uix_"
				}
				g.add(Index{
					Name:    prefix + t.Name + "_fk_" + relTableName(rm.Name) + "_" + string(rm.FKEnd.Other()),
					Table:   t.Name,
					Columns: []string{p.IDColumn},
					Unique:  unique,
					Where:   partitionPredicate(t, p),
				})
			}
		case RelationshipLinkTable:
			g.add(Index{Name: "ix_" + rm.Table + "_source", Table: rm.Table, Columns: []string{rm.SourceIDColumn}})
			g.add(Index{Name: "ix_" + rm.Table + "_target", Table: rm.Table, Columns: []string{rm.TargetIDColumn}})
			if !rm.AllowDuplicates {
				g.add(Index{
					Name:    "uix_" + rm.Table + "_sourcetarget",
					Table:   rm.Table,
					Columns: []string{rm.SourceIDColumn, rm.TargetIDColumn},
					Unique:  true,
				})
			}
		}
	}

	sort.Slice(g.out, func(i, j int) bool { return g.out[i].Name < g.out[j].Name })
	return g.out
}

type indexSet struct {
	out   []Index
	names map[string]bool
	keys  map[string]bool
}

// add skips an index already covered by the same table, columns and
// predicate, and disambiguates a clashing name with the column name
func (g *indexSet) add(ix Index) {
	key := strings.ToLower(ix.Table + "|" + strings.Join(ix.Columns, ",") + "|" + ix.Where)
	if g.keys[key] {
		return
	}
	g.keys[key] = true
	if g.names[strings.ToLower(ix.Name)] {
		ix.Name = ix.Name + "_" + strings.ToLower(ix.Columns[0])
	}
	g.names[strings.ToLower(ix.Name)] = true
	g.out = append(g.out, ix)
}

// partitionPredicate restricts a foreign key index to the classes whose
// rows in this table carry the column, and to non-null keys
func partitionPredicate(t *Table, p FKPartition) string {
	var terms []string
	if t.HasClassID() && len(p.Classes) > 0 {
		ids := append([]domain.ClassID(nil), p.Classes...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(int64(id), 10)
		}
		terms = append(terms, fmt.Sprintf("%s IN (%s)", quote(ColumnNameClassID), strings.Join(parts, ",")))
	}
	if !p.NotNull {
		terms = append(terms, quote(p.IDColumn)+" IS NOT NULL")
	}
	return strings.Join(terms, " AND ")
}

// relTableName turns "alias.Name" into "alias_Name"
func relTableName(qualified string) string {
	return strings.Replace(qualified, ".", "_", 1)
}
