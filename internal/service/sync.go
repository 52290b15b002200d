package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ecstore/internal/codec"
	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository"
)

// DataImportResult counts what an import or sync wrote
type DataImportResult struct {
	Instances     int
	Relationships int
	Skipped       int
}

// ============================================================================
// Export
// ============================================================================

// Export reads instances into one batch per concrete class. classes names
// entity or relationship classes, read polymorphically; empty exports every
// instance and every link table relationship. Relationship batches follow
// entity batches.
func (e *Engine) Export(ctx context.Context, classes []string) ([]codec.Batch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(false); err != nil {
		return nil, err
	}
	m := e.version.Map
	store := e.storeFrom(ctx)

	var entities, relationships []*mapping.ClassMap
	if len(classes) == 0 {
		for _, cm := range m.Classes {
			switch {
			case !cm.IsMapped():
			case isRelationship(cm):
				// subclasses are read through their root; foreign keys
				// travel with the navigation properties of their holders
				if rm, ok := m.Relationship(cm.ClassID); ok && cm.Base == 0 && rm.Kind == mapping.RelationshipLinkTable {
					relationships = append(relationships, cm)
				}
			default:
				entities = append(entities, cm)
			}
		}
	} else {
		for _, name := range classes {
			cm, err := e.class(name)
			if err != nil {
				return nil, err
			}
			if isRelationship(cm) {
				relationships = append(relationships, cm)
			} else {
				entities = append(entities, cm)
			}
		}
	}

	out := newBatchSet()
	seen := make(map[domain.InstanceID]bool)
	for _, cm := range entities {
		refs, err := store.ListInstances(ctx, m, cm.ClassID)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", cm.Name, err)
		}
		for _, ref := range refs {
			if seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			rec, err := e.get(ctx, store, ref.ClassID, ref.ID)
			if err != nil {
				return nil, err
			}
			out.add(m.ClassName(ref.ClassID), rec)
		}
	}

	seenLinks := make(map[string]bool)
	for _, cm := range relationships {
		rm, _ := m.Relationship(cm.ClassID)
		if rm.Kind == mapping.RelationshipForeignKey && cm.Abstract {
			e.logger.Printf("Skipping %s: foreign keys do not record which subclass they hold", cm.Name)
			continue
		}
		recs, err := e.listRelationships(ctx, store, rm)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", cm.Name, err)
		}
		for _, rec := range recs {
			key := linkKey(rec)
			if seenLinks[key] {
				continue
			}
			seenLinks[key] = true
			out.add(recordClass(rec), rec)
		}
	}
	return out.batches, nil
}

func linkKey(rec marshal.Record) string {
	return fmt.Sprint(rec[marshal.KeyClassName], "/", rec[marshal.KeyID], "/", rec[marshal.KeySourceID], "/", rec[marshal.KeyTargetID])
}

// batchSet collects records into batches in order of first appearance
type batchSet struct {
	batches []codec.Batch
	index   map[string]int
}

func newBatchSet() *batchSet {
	return &batchSet{index: make(map[string]int)}
}

func (s *batchSet) add(class string, rec marshal.Record) {
	i, ok := s.index[class]
	if !ok {
		i = len(s.batches)
		s.index[class] = i
		s.batches = append(s.batches, codec.Batch{Class: class})
	}
	s.batches[i].Instances = append(s.batches[i].Instances, rec)
}

// ============================================================================
// Import
// ============================================================================

// ImportBatches writes batches in one transaction: entity batches first,
// then relationship batches. Foreign keys are checked at commit, so records
// may reference instances that appear later. Any failing record aborts the
// whole import.
func (e *Engine) ImportBatches(ctx context.Context, batches []codec.Batch) (*DataImportResult, error) {
	return e.importBatches(ctx, batches, false)
}

// importBatches optionally skips instances and link rows whose id already
// exists
func (e *Engine) importBatches(ctx context.Context, batches []codec.Batch, skipExisting bool) (*DataImportResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(true); err != nil {
		return nil, err
	}
	m := e.version.Map

	type classBatch struct {
		cm    *mapping.ClassMap
		batch codec.Batch
	}
	ordered := make([]classBatch, 0, len(batches))
	for _, b := range batches {
		cm, err := e.class(b.Class)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, classBatch{cm: cm, batch: b})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return !isRelationship(ordered[i].cm) && isRelationship(ordered[j].cm)
	})

	result := &DataImportResult{}
	err := e.storeFrom(ctx).WithTx(ctx, func(tx repository.Store) error {
		if err := tx.DeferForeignKeys(ctx); err != nil {
			return err
		}
		for _, cb := range ordered {
			for i, rec := range cb.batch.Instances {
				if skipExisting {
					exists, err := e.exists(ctx, tx, m, cb.cm.ClassID, rec)
					if err != nil {
						return fmt.Errorf("%s record %d: %w", cb.cm.Name, i+1, err)
					}
					if exists {
						result.Skipped++
						continue
					}
				}
				if isRelationship(cb.cm) {
					if _, err := e.relate(ctx, tx, cb.cm.Name, rec); err != nil {
						return fmt.Errorf("%s record %d: %w", cb.cm.Name, i+1, err)
					}
					result.Relationships++
					continue
				}
				if _, err := e.insert(ctx, tx, cb.cm.Name, rec); err != nil {
					return fmt.Errorf("%s record %d: %w", cb.cm.Name, i+1, err)
				}
				result.Instances++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import data: %w", err)
	}

	e.logger.Printf("Imported %d instances and %d relationships (%d skipped)", result.Instances, result.Relationships, result.Skipped)
	e.events.Publish(Event{
		Type: EventDataImported,
		Payload: map[string]int{
			"instances":     result.Instances,
			"relationships": result.Relationships,
			"skipped":       result.Skipped,
		},
	})
	return result, nil
}

// exists reports whether a record's id is already stored under classID.
// Records without an id, and foreign key relationships, never exist.
func (e *Engine) exists(ctx context.Context, store repository.Store, m *mapping.Map, classID domain.ClassID, rec marshal.Record) (bool, error) {
	if rm, ok := m.Relationship(classID); ok && rm.Kind != mapping.RelationshipLinkTable {
		return false, nil
	}
	raw, ok := rec[marshal.KeyID]
	if !ok || raw == nil {
		return false, nil
	}
	id, err := marshal.ParseInstanceID(raw)
	if err != nil {
		return false, err
	}
	_, err = store.ClassOf(ctx, m, classID, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	}
	return false, err
}

// ============================================================================
// Synchronization
// ============================================================================

// SyncTo copies instances and relationships of classes (all when empty) to
// dst. Both stores must carry the same map. Instances already present in
// dst by id are left as they are.
func (e *Engine) SyncTo(ctx context.Context, dst *Engine, classes []string) (*DataImportResult, error) {
	if dst == e {
		return nil, fmt.Errorf("cannot synchronize a store with itself")
	}
	src, target := e.Version(), dst.Version()
	if src == nil || target == nil {
		return nil, ErrNoSchema
	}
	if src.Fingerprint != target.Fingerprint {
		return nil, fmt.Errorf("%w: %s != %s", ErrIncompatibleMaps, short(src.Fingerprint), short(target.Fingerprint))
	}

	batches, err := e.Export(ctx, classes)
	if err != nil {
		return nil, err
	}
	result, err := dst.importBatches(ctx, batches, true)
	if err != nil {
		return nil, fmt.Errorf("failed to synchronize: %w", err)
	}
	e.logger.Printf("Synchronized %d instances and %d relationships, %d already present", result.Instances, result.Relationships, result.Skipped)
	return result, nil
}
