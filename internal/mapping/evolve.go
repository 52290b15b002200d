package mapping

import (
	"strings"
)

// CheckCompatible verifies that next is a lossless extension of prior:
// existing classes, properties, relationships and columns keep their
// physical placement, and every physical change can be applied with
// CREATE TABLE or ALTER TABLE ADD COLUMN. Index changes are always allowed
// since indexes are regenerated.
func CheckCompatible(prior, next *Map) error {
	for _, old := range prior.Classes {
		cur, ok := next.Class(old.ClassID)
		if !ok || cur == nil || !strings.EqualFold(cur.Name, old.Name) {
			return newError(KindIncompatibleSchemaChange, old.Name, "class was removed from the schema")
		}
		if err := checkClass(old, cur); err != nil {
			return err
		}
	}

	for _, old := range prior.Relationships {
		cur, ok := next.Relationship(old.ClassID)
		if !ok {
			return newError(KindIncompatibleSchemaChange, old.Name, "relationship is no longer mapped")
		}
		switch {
		case cur.Kind != old.Kind:
			return newError(KindIncompatibleSchemaChange, old.Name, "relationship changed from %s to %s", old.Kind, cur.Kind)
		case cur.Kind == RelationshipForeignKey && cur.FKEnd != old.FKEnd:
			return newError(KindIncompatibleSchemaChange, old.Name, "foreign key moved from the %s end to the %s end", old.FKEnd, cur.FKEnd)
		case cur.Kind == RelationshipForeignKey && cur.UsesInstanceID != old.UsesInstanceID:
			return newError(KindIncompatibleSchemaChange, old.Name, "identity sharing changed")
		case cur.Kind == RelationshipLinkTable && !strings.EqualFold(cur.Table, old.Table):
			return newError(KindIncompatibleSchemaChange, old.Name, "link table changed from %s to %s", old.Table, cur.Table)
		}
	}

	for _, old := range prior.Tables {
		cur, ok := next.Table(old.Name)
		if !ok {
			return newError(KindIncompatibleSchemaChange, "", "table %s is no longer mapped", old.Name)
		}
		if err := checkTable(old, cur); err != nil {
			return err
		}
	}
	return nil
}

func checkClass(old, cur *ClassMap) error {
	switch {
	case cur.Type != old.Type:
		return newError(KindIncompatibleSchemaChange, old.Name, "class type changed from %s to %s", old.Type, cur.Type)
	case cur.Strategy.Kind != old.Strategy.Kind:
		return newError(KindIncompatibleSchemaChange, old.Name, "strategy changed from %s to %s", old.Strategy.Kind, cur.Strategy.Kind)
	case !strings.EqualFold(cur.PrimaryTable, old.PrimaryTable) || !strings.EqualFold(cur.DataTable, old.DataTable):
		return newError(KindIncompatibleSchemaChange, old.Name, "class moved from table %s to %s", old.DataTable, cur.DataTable)
	}
	for _, op := range old.Properties {
		np, ok := cur.Property(op.Path)
		if !ok {
			return newError(KindIncompatibleSchemaChange, old.Name, "property %s was removed", op.Path)
		}
		if np.Kind != op.Kind || np.Type != op.Type {
			return newError(KindIncompatibleSchemaChange, old.Name, "property %s changed from %s %s to %s %s", op.Path, op.Kind, op.Type, np.Kind, np.Type)
		}
		if !strings.EqualFold(np.Table, op.Table) || !sameColumns(np.Columns, op.Columns) {
			return newError(KindIncompatibleSchemaChange, old.Name, "property %s moved from %s(%s) to %s(%s)",
				op.Path, op.Table, strings.Join(op.Columns, ", "), np.Table, strings.Join(np.Columns, ", "))
		}
	}
	return nil
}

func checkTable(old, cur *Table) error {
	for _, oc := range old.Columns {
		nc, ok := cur.Column(oc.Name)
		if !ok {
			return newError(KindIncompatibleSchemaChange, "", "column %s.%s was dropped", old.Name, oc.Name)
		}
		if nc.Type != oc.Type {
			return newError(KindIncompatibleSchemaChange, "", "column %s.%s changed type from %q to %q", old.Name, oc.Name, oc.Type, nc.Type)
		}
		if nc.NotNull != oc.NotNull {
			return newError(KindIncompatibleSchemaChange, "", "nullability of column %s.%s changed", old.Name, oc.Name)
		}
		ofk, hadFK := old.ForeignKey(oc.Name)
		nfk, hasFK := cur.ForeignKey(oc.Name)
		if hadFK != hasFK || (hadFK && (ofk.OnDelete != nfk.OnDelete || !strings.EqualFold(ofk.RefTable, nfk.RefTable))) {
			return newError(KindIncompatibleSchemaChange, "", "foreign key on existing column %s.%s changed", old.Name, oc.Name)
		}
	}
	for _, nc := range cur.Columns {
		if _, ok := old.Column(nc.Name); !ok && nc.NotNull {
			return newError(KindIncompatibleSchemaChange, "", "new column %s.%s cannot be NOT NULL on an existing table", cur.Name, nc.Name)
		}
	}
	return nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
