package marshal

import (
	"context"
	"strings"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
)

// RowUpdate sets the foreign key columns of an existing row
type RowUpdate struct {
	Table   string
	RowID   domain.InstanceID
	Columns []string
	Values  []any
}

// RelationshipBinding is a relationship instance bound to its storage: a
// link table row to insert, a foreign key update, or nothing at all when
// the ends share their instance id.
type RelationshipBinding struct {
	Mapping *mapping.RelationshipMapping
	Source  Navigation
	Target  Navigation
	Insert  *RowBinding
	Update  *RowUpdate
}

var relationshipKeys = map[string]bool{
	strings.ToLower(KeyID):              true,
	strings.ToLower(KeyClassName):       true,
	strings.ToLower(KeySourceID):        true,
	strings.ToLower(KeySourceClassName): true,
	strings.ToLower(KeyTargetID):        true,
	strings.ToLower(KeyTargetClassName): true,
}

// BindRelationship binds a relationship record. The record carries
// sourceId and targetId, optionally sourceClassName and targetClassName,
// and the relationship's own properties.
func (b *Binder) BindRelationship(ctx context.Context, relID domain.ClassID, rec Record) (*RelationshipBinding, error) {
	return b.bindRelationship(ctx, relID, rec, false)
}

// ClearRelationship binds the removal of a relationship record. For foreign
// key relationships the update nulls the key; link rows are matched by
// their ends.
func (b *Binder) ClearRelationship(ctx context.Context, relID domain.ClassID, rec Record) (*RelationshipBinding, error) {
	return b.bindRelationship(ctx, relID, rec, true)
}

func (b *Binder) bindRelationship(ctx context.Context, relID domain.ClassID, rec Record, clear bool) (*RelationshipBinding, error) {
	cm, ok := b.m.Class(relID)
	if !ok || cm.Type != domain.ClassTypeRelationship {
		return nil, newError(KindNotMapped, b.m.ClassName(relID), "", "not a relationship class")
	}
	rm, ok := b.m.Relationship(relID)
	if !ok || cm.Abstract {
		return nil, newError(KindNotMapped, cm.Name, "", "relationship has no instances of its own")
	}
	if rec == nil {
		return nil, newError(KindMalformedRecord, cm.Name, "", "record is null")
	}

	source, err := b.bindEnd(ctx, cm, rec, KeySourceID, KeySourceClassName, rm.SourceClasses)
	if err != nil {
		return nil, err
	}
	target, err := b.bindEnd(ctx, cm, rec, KeyTargetID, KeyTargetClassName, rm.TargetClasses)
	if err != nil {
		return nil, err
	}
	out := &RelationshipBinding{Mapping: rm, Source: source, Target: target}

	switch {
	case rm.Kind == mapping.RelationshipLinkTable:
		if clear {
			return out, nil
		}
		props, err := b.normalizeRecord(ctx, cm, rec, relationshipKeys)
		if err != nil {
			return nil, err
		}
		bound, err := b.encode(cm, props)
		if err != nil {
			return nil, err
		}
		b.prependEnds(rm, bound, source, target)
		out.Insert = bound
		return out, nil

	case rm.UsesInstanceID:
		if source.ID != target.ID {
			return nil, newError(KindMalformedRecord, cm.Name, "", "ends share their instance id but %s differs from %s", source.ID, target.ID)
		}
		return out, nil
	}

	for k := range rec {
		if !relationshipKeys[strings.ToLower(k)] {
			return nil, newError(KindUnknownProperty, cm.Name, k, "foreign key relationships carry no properties")
		}
	}

	holder, ref := target, source
	if rm.FKEnd == domain.EndSource {
		holder, ref = source, target
	}
	holderClass, _ := b.m.ClassByName(holder.Class)
	var part *mapping.FKPartition
	for i := range rm.Partitions {
		for _, id := range rm.Partitions[i].Classes {
			if id == holderClass.ClassID {
				part = &rm.Partitions[i]
			}
		}
	}
	if part == nil {
		return nil, newError(KindInternal, cm.Name, "", "no foreign key column for %s", holder.Class)
	}

	up := &RowUpdate{Table: part.Table, RowID: holder.ID}
	refClass, _ := b.m.ClassByName(ref.Class)
	up.set(part.IDColumn, int64(ref.ID), clear)
	if part.RelClassIDColumn != "" {
		up.set(part.RelClassIDColumn, int64(relID), clear)
	}
	if part.FarClassIDColumn != "" {
		up.set(part.FarClassIDColumn, int64(refClass.ClassID), clear)
	}
	out.Update = up
	return out, nil
}

// set adds a column to the update; cleared updates write NULL
func (u *RowUpdate) set(column string, v any, clear bool) {
	if clear {
		v = nil
	}
	u.Columns = append(u.Columns, column)
	u.Values = append(u.Values, v)
}

// bindEnd reads one end of a relationship record; the returned navigation
// always names its concrete class
func (b *Binder) bindEnd(ctx context.Context, cm *mapping.ClassMap, rec Record, idKey, classKey string, candidates []domain.ClassID) (Navigation, error) {
	_, raw, ok := lookupKey(rec, idKey)
	if !ok || raw == nil {
		return Navigation{}, newError(KindMalformedRecord, cm.Name, idKey, "missing")
	}
	id, err := ParseInstanceID(raw)
	if err != nil {
		return Navigation{}, &Error{Kind: KindMalformedRecord, Class: cm.Name, Path: idKey, Err: err}
	}
	nav := Navigation{ID: id}
	if _, raw, ok := lookupKey(rec, classKey); ok && raw != nil {
		s, isString := raw.(string)
		if !isString {
			return Navigation{}, newError(KindMalformedRecord, cm.Name, classKey, "must be a string")
		}
		nav.Class = s
	}
	class, err := b.resolveEnd(ctx, cm.Name, idKey, candidates, nav)
	if err != nil {
		return Navigation{}, err
	}
	nav.Class = b.m.ClassName(class)
	return nav, nil
}

// prependEnds puts the end columns in front of the link table row
func (b *Binder) prependEnds(rm *mapping.RelationshipMapping, bound *RowBinding, source, target Navigation) {
	for i := range bound.Rows {
		row := &bound.Rows[i]
		if !strings.EqualFold(row.Table, rm.Table) {
			continue
		}
		cols := []string{rm.SourceIDColumn}
		vals := []any{int64(source.ID)}
		if rm.SourceClassIDColumn != "" {
			sc, _ := b.m.ClassByName(source.Class)
			cols = append(cols, rm.SourceClassIDColumn)
			vals = append(vals, int64(sc.ClassID))
		}
		cols = append(cols, rm.TargetIDColumn)
		vals = append(vals, int64(target.ID))
		if rm.TargetClassIDColumn != "" {
			tc, _ := b.m.ClassByName(target.Class)
			cols = append(cols, rm.TargetClassIDColumn)
			vals = append(vals, int64(tc.ClassID))
		}

		// ECClassId stays first
		n := 0
		if len(row.Columns) > 0 && row.Columns[0] == mapping.ColumnNameClassID {
			n = 1
		}
		row.Columns = append(append(append([]string{}, row.Columns[:n]...), cols...), row.Columns[n:]...)
		row.Values = append(append(append([]any{}, row.Values[:n]...), vals...), row.Values[n:]...)
	}
}

// UnbindRelationship rebuilds a relationship record from a link table row
func (b *Binder) UnbindRelationship(relID domain.ClassID, row Row) (Record, error) {
	rm, ok := b.m.Relationship(relID)
	if !ok || rm.Kind != mapping.RelationshipLinkTable {
		return nil, newError(KindNotMapped, b.m.ClassName(relID), "", "not a link table relationship")
	}
	rec, err := b.Unbind(relID, row)
	if err != nil {
		return nil, err
	}
	ends := []struct {
		idKey, classKey string
		idCol, classCol string
		candidates      []domain.ClassID
	}{
		{KeySourceID, KeySourceClassName, rm.SourceIDColumn, rm.SourceClassIDColumn, rm.SourceClasses},
		{KeyTargetID, KeyTargetClassName, rm.TargetIDColumn, rm.TargetClassIDColumn, rm.TargetClasses},
	}
	for _, end := range ends {
		id, err := ParseInstanceID(row[ColumnKey(rm.Table, end.idCol)])
		if err != nil {
			return nil, &Error{Kind: KindInternal, Class: rm.Name, Path: end.idKey, Err: err}
		}
		rec[end.idKey] = id
		var classID domain.ClassID
		if end.classCol != "" {
			n, _ := toInt64(row[ColumnKey(rm.Table, end.classCol)])
			classID = domain.ClassID(n)
		} else if len(end.candidates) == 1 {
			classID = end.candidates[0]
		}
		if classID != 0 {
			rec[end.classKey] = b.m.ClassName(classID)
		}
	}
	return rec, nil
}
