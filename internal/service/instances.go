package service

import (
	"context"
	"fmt"
	"strings"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository"
)

// Insert binds rec to class and stores it. An empty class falls back to the
// record's className. The record's id is kept when present, otherwise one
// is allocated.
func (e *Engine) Insert(ctx context.Context, class string, rec marshal.Record) (domain.InstanceID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(true); err != nil {
		return 0, err
	}
	return e.insert(ctx, e.storeFrom(ctx), class, rec)
}

func (e *Engine) insert(ctx context.Context, store repository.Store, class string, rec marshal.Record) (domain.InstanceID, error) {
	if class == "" {
		class = recordClass(rec)
	}
	if class == "" {
		return 0, fmt.Errorf("record names no class")
	}
	cm, err := e.class(class)
	if err != nil {
		return 0, err
	}

	bound, err := e.binder.Bind(withStore(ctx, store), cm.ClassID, rec)
	if err != nil {
		return 0, err
	}
	id, err := store.InsertInstance(ctx, bound)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", cm.Name, err)
	}

	e.events.Publish(Event{
		Type:    EventInstanceInserted,
		Payload: map[string]string{"class": cm.Name, "id": id.String()},
	})
	return id, nil
}

// Get reads an instance through class or any of its bases. The record is
// unbound with the concrete class the instance was stored as.
func (e *Engine) Get(ctx context.Context, class string, id domain.InstanceID) (marshal.Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(false); err != nil {
		return nil, err
	}
	cm, err := e.class(class)
	if err != nil {
		return nil, err
	}
	return e.get(ctx, e.storeFrom(ctx), cm.ClassID, id)
}

func (e *Engine) get(ctx context.Context, store repository.Store, classID domain.ClassID, id domain.InstanceID) (marshal.Record, error) {
	m := e.version.Map
	concrete, err := store.ClassOf(ctx, m, classID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", m.ClassName(classID), id, err)
	}
	row, err := store.ReadInstance(ctx, m, concrete, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", m.ClassName(concrete), id, err)
	}
	return e.binder.Unbind(concrete, row)
}

// Delete removes an instance. Embedded instances and link rows referencing
// it are removed by their cascading keys.
func (e *Engine) Delete(ctx context.Context, class string, id domain.InstanceID) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(true); err != nil {
		return err
	}
	cm, err := e.class(class)
	if err != nil {
		return err
	}

	store := e.storeFrom(ctx)
	m := e.version.Map
	concrete, err := store.ClassOf(ctx, m, cm.ClassID, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", cm.Name, id, err)
	}
	if err := store.DeleteInstance(ctx, m, concrete, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", m.ClassName(concrete), id, err)
	}

	e.events.Publish(Event{
		Type:    EventInstanceDeleted,
		Payload: map[string]string{"class": m.ClassName(concrete), "id": id.String()},
	})
	return nil
}

// List returns the instances of class and its subclasses ordered by id
func (e *Engine) List(ctx context.Context, class string) ([]repository.InstanceRef, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(false); err != nil {
		return nil, err
	}
	cm, err := e.class(class)
	if err != nil {
		return nil, err
	}
	return e.storeFrom(ctx).ListInstances(ctx, e.version.Map, cm.ClassID)
}

// Normalize returns rec in canonical form for class without storing it
func (e *Engine) Normalize(ctx context.Context, class string, rec marshal.Record) (marshal.Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(false); err != nil {
		return nil, err
	}
	cm, err := e.class(class)
	if err != nil {
		return nil, err
	}
	return e.binder.Normalize(ctx, cm.ClassID, rec)
}

// recordClass reads the className key of a record
func recordClass(rec marshal.Record) string {
	for k, v := range rec {
		if strings.EqualFold(k, marshal.KeyClassName) {
			s, _ := v.(string)
			return s
		}
	}
	return ""
}

// isRelationship reports whether a class map is a relationship class
func isRelationship(cm *mapping.ClassMap) bool {
	return cm.Type == domain.ClassTypeRelationship
}
