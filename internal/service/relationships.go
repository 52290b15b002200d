package service

import (
	"context"
	"fmt"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository"
)

// Relate stores a relationship instance. Link table relationships insert a
// row and return its id; foreign key relationships set the key on the
// holding instance and return 0. Both ends must exist.
func (e *Engine) Relate(ctx context.Context, rel string, rec marshal.Record) (domain.InstanceID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(true); err != nil {
		return 0, err
	}

	var id domain.InstanceID
	err := e.storeFrom(ctx).WithTx(ctx, func(tx repository.Store) error {
		var err error
		id, err = e.relate(ctx, tx, rel, rec)
		return err
	})
	return id, err
}

func (e *Engine) relate(ctx context.Context, store repository.Store, rel string, rec marshal.Record) (domain.InstanceID, error) {
	rm, err := e.relationship(rel)
	if err != nil {
		return 0, err
	}
	m := e.version.Map

	rb, err := e.binder.BindRelationship(withStore(ctx, store), rm.ClassID, rec)
	if err != nil {
		return 0, err
	}
	for _, end := range []marshal.Navigation{rb.Source, rb.Target} {
		cm, _ := m.ClassByName(end.Class)
		if _, err := store.ClassOf(ctx, m, cm.ClassID, end.ID); err != nil {
			return 0, fmt.Errorf("failed to relate %s: %s %s: %w", rm.Name, end.Class, end.ID, err)
		}
	}

	var id domain.InstanceID
	switch {
	case rb.Insert != nil:
		if id, err = store.InsertInstance(ctx, rb.Insert); err != nil {
			return 0, fmt.Errorf("failed to insert %s: %w", rm.Name, err)
		}
	case rb.Update != nil:
		if err := store.UpdateRow(ctx, rb.Update); err != nil {
			return 0, fmt.Errorf("failed to set %s: %w", rm.Name, err)
		}
	}

	e.events.Publish(Event{
		Type: EventRelationshipInserted,
		Payload: map[string]string{
			"relationship": rm.Name,
			"source":       rb.Source.ID.String(),
			"target":       rb.Target.ID.String(),
		},
	})
	return id, nil
}

// Unrelate removes a relationship instance identified by its ends. Link
// rows are deleted; a foreign key is cleared only when it still references
// the given target.
func (e *Engine) Unrelate(ctx context.Context, rel string, rec marshal.Record) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(true); err != nil {
		return err
	}
	rm, err := e.relationship(rel)
	if err != nil {
		return err
	}

	store := e.storeFrom(ctx)
	err = store.WithTx(ctx, func(tx repository.Store) error {
		rb, err := e.binder.ClearRelationship(withStore(ctx, tx), rm.ClassID, rec)
		if err != nil {
			return err
		}
		switch {
		case rm.Kind == mapping.RelationshipLinkTable:
			n, err := tx.DeleteLink(ctx, rm, rb.Source.ID, rb.Target.ID)
			if err != nil {
				return err
			}
			if n == 0 {
				return repository.ErrNotFound
			}
			return nil
		case rb.Update == nil:
			return fmt.Errorf("%s shares instance ids between its ends and cannot be removed", rm.Name)
		}
		return e.clearForeignKey(ctx, tx, rm, rb)
	})
	if err != nil {
		return fmt.Errorf("failed to unrelate %s: %w", rm.Name, err)
	}

	e.events.Publish(Event{
		Type:    EventRelationshipDeleted,
		Payload: map[string]string{"relationship": rm.Name},
	})
	return nil
}

// clearForeignKey nulls the key of the holding instance if it references
// the other end of rb
func (e *Engine) clearForeignKey(ctx context.Context, store repository.Store, rm *mapping.RelationshipMapping, rb *marshal.RelationshipBinding) error {
	m := e.version.Map
	holder, ref := rb.Target, rb.Source
	if rm.FKEnd == domain.EndSource {
		holder, ref = rb.Source, rb.Target
	}
	hc, _ := m.ClassByName(holder.Class)
	row, err := store.ReadInstance(ctx, m, hc.ClassID, holder.ID)
	if err != nil {
		return err
	}
	part, ok := partitionOf(rm, hc.ClassID)
	if !ok {
		return repository.ErrNotFound
	}
	cur, rel, err := readForeignKey(m, rm, part, row)
	if err != nil || cur == 0 || cur != ref.ID || !m.IsA(rel, rm.ClassID) {
		return repository.ErrNotFound
	}
	return store.UpdateRow(ctx, rb.Update)
}

func partitionOf(rm *mapping.RelationshipMapping, classID domain.ClassID) (mapping.FKPartition, bool) {
	for _, part := range rm.Partitions {
		for _, id := range part.Classes {
			if id == classID {
				return part, true
			}
		}
	}
	return mapping.FKPartition{}, false
}

// readForeignKey returns the key a row holds for a foreign key relationship
// and the relationship class of that key; 0 means no key is set. Keys with
// no recorded class belong to the root relationship.
func readForeignKey(m *mapping.Map, rm *mapping.RelationshipMapping, part mapping.FKPartition, row marshal.Row) (domain.InstanceID, domain.ClassID, error) {
	raw := row[marshal.ColumnKey(part.Table, part.IDColumn)]
	if raw == nil {
		return 0, 0, nil
	}
	id, err := marshal.ParseInstanceID(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s key: %w", rm.Name, err)
	}
	rel := rootRelationship(m, rm)
	if part.RelClassIDColumn != "" {
		if raw := row[marshal.ColumnKey(part.Table, part.RelClassIDColumn)]; raw != nil {
			n, err := marshal.ParseInstanceID(raw)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to read %s class: %w", rm.Name, err)
			}
			rel = domain.ClassID(n)
		}
	}
	return id, rel, nil
}

func rootRelationship(m *mapping.Map, rm *mapping.RelationshipMapping) domain.ClassID {
	for rm.Base != 0 {
		base, ok := m.Relationship(rm.Base)
		if !ok {
			return rm.Base
		}
		rm = base
	}
	return rm.ClassID
}

// ListRelationships returns the instances of a relationship class and its
// subclasses as records with sourceId, targetId and their class names
func (e *Engine) ListRelationships(ctx context.Context, rel string) ([]marshal.Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(false); err != nil {
		return nil, err
	}
	rm, err := e.relationship(rel)
	if err != nil {
		return nil, err
	}
	return e.listRelationships(ctx, e.storeFrom(ctx), rm)
}

func (e *Engine) listRelationships(ctx context.Context, store repository.Store, rm *mapping.RelationshipMapping) ([]marshal.Record, error) {
	if rm.Kind == mapping.RelationshipLinkTable {
		return e.listLinks(ctx, store, rm)
	}
	return e.listForeignKeys(ctx, store, rm)
}

func (e *Engine) listLinks(ctx context.Context, store repository.Store, rm *mapping.RelationshipMapping) ([]marshal.Record, error) {
	m := e.version.Map
	rows, err := store.ListLinks(ctx, m, rm.ClassID)
	if err != nil {
		return nil, err
	}

	var out []marshal.Record
	for _, row := range rows {
		relID := rm.ClassID
		if raw := row[marshal.ColumnKey(rm.Table, mapping.ColumnNameClassID)]; raw != nil {
			n, err := marshal.ParseInstanceID(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to read link class: %w", err)
			}
			relID = domain.ClassID(n)
		}
		// the link table also holds rows of base and sibling relationships
		if !m.IsA(relID, rm.ClassID) {
			continue
		}
		rec, err := e.binder.UnbindRelationship(relID, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// listForeignKeys walks the instances holding the key columns
func (e *Engine) listForeignKeys(ctx context.Context, store repository.Store, rm *mapping.RelationshipMapping) ([]marshal.Record, error) {
	m := e.version.Map
	farEnd := rm.FKEnd.Other()

	var fallback string
	var concrete []domain.ClassID
	for _, id := range rm.Classes(farEnd) {
		if cm, ok := m.Class(id); ok && !cm.Abstract {
			concrete = append(concrete, id)
		}
	}
	if len(concrete) == 1 {
		fallback = m.ClassName(concrete[0])
	}

	seen := make(map[domain.InstanceID]bool)
	var out []marshal.Record
	for _, part := range rm.Partitions {
		for _, classID := range part.Classes {
			refs, err := store.ListInstances(ctx, m, classID)
			if err != nil {
				return nil, err
			}
			for _, ref := range refs {
				if seen[ref.ID] {
					continue
				}
				seen[ref.ID] = true

				row, err := store.ReadInstance(ctx, m, ref.ClassID, ref.ID)
				if err != nil {
					return nil, err
				}
				farID, rel, err := readForeignKey(m, rm, part, row)
				if err != nil {
					return nil, fmt.Errorf("failed to read %s: %w", ref.ID, err)
				}
				// the key columns also hold keys of base and sibling relationships
				if farID == 0 || !m.IsA(rel, rm.ClassID) {
					continue
				}
				far := marshal.Navigation{ID: farID, Class: fallback}
				if part.FarClassIDColumn != "" {
					if n, err := marshal.ParseInstanceID(row[marshal.ColumnKey(part.Table, part.FarClassIDColumn)]); err == nil {
						far.Class = m.ClassName(domain.ClassID(n))
					}
				}
				holder := marshal.Navigation{ID: ref.ID, Class: m.ClassName(ref.ClassID)}

				source, target := far, holder
				if rm.FKEnd == domain.EndSource {
					source, target = holder, far
				}
				rec := marshal.Record{
					marshal.KeyClassName: m.ClassName(rel),
					marshal.KeySourceID:  source.ID,
					marshal.KeyTargetID:  target.ID,
				}
				if source.Class != "" {
					rec[marshal.KeySourceClassName] = source.Class
				}
				if target.Class != "" {
					rec[marshal.KeyTargetClassName] = target.Class
				}
				out = append(out, rec)
			}
		}
	}
	return out, nil
}
