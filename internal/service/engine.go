package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository"

	"github.com/google/uuid"
)

var (
	// ErrNoSchema is returned by instance operations before any schema import
	ErrNoSchema = errors.New("no schema imported")
	// ErrReadOnly is returned by writes when the persisted map failed validation
	ErrReadOnly = errors.New("store is read-only: persisted map does not match its class model")
	// ErrUnknownClass is returned when a class name is not in the map
	ErrUnknownClass = errors.New("unknown class")
	// ErrIncompatibleMaps is returned when synchronizing stores with different maps
	ErrIncompatibleMaps = errors.New("stores have incompatible maps")
)

// Options configure an engine
type Options struct {
	// Logger receives lifecycle messages; nil means log.Default()
	Logger *log.Logger
	// Mapping is passed to every resolution
	Mapping mapping.Options
	// Events receives engine events; nil disables publishing
	Events *EventBus
}

// Engine is the handle through which a store is used
type Engine struct {
	mu       sync.RWMutex
	store    repository.Store
	events   *EventBus
	logger   *log.Logger
	opts     Options
	version  *repository.MapVersion
	binder   *marshal.Binder
	readOnly bool
	mismatch error
}

// Open creates an engine over store and validates its persisted map
func Open(ctx context.Context, store repository.Store, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		store:  store,
		events: opts.Events,
		logger: logger,
		opts:   opts,
	}

	v, err := store.LoadMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load map: %w", err)
	}
	if v == nil {
		e.logger.Printf("Store has no schema yet")
		return e, nil
	}
	e.install(v)

	if err := e.validate(v); err != nil {
		e.readOnly = true
		e.mismatch = err
		e.logger.Printf("Map version %d failed validation, store is read-only: %v", v.Version, err)
		return e, nil
	}
	e.logger.Printf("Map version %d validated (%d classes, %d tables)", v.Version, len(v.Map.Classes), len(v.Map.Tables))
	return e, nil
}

// validate re-resolves the persisted model and compares fingerprints
func (e *Engine) validate(v *repository.MapVersion) error {
	stored := mapping.Fingerprint(v.Map)
	if stored != v.Fingerprint {
		return fmt.Errorf("persisted map fingerprint %s does not match recorded %s", short(stored), short(v.Fingerprint))
	}
	fresh, err := mapping.Resolve(v.Model, v.Map, e.opts.Mapping)
	if err != nil {
		return fmt.Errorf("failed to re-resolve class model: %w", err)
	}
	if fp := mapping.Fingerprint(fresh); fp != stored {
		return fmt.Errorf("fresh resolution fingerprint %s does not match persisted %s", short(fp), short(stored))
	}
	return nil
}

// install makes v the current map version
func (e *Engine) install(v *repository.MapVersion) {
	e.version = v
	e.binder = marshal.NewBinder(v.Map, &locator{e: e, m: v.Map})
}

// Close closes the underlying store
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying store
func (e *Engine) Store() repository.Store {
	return e.store
}

// Version returns the current map version, or nil before any import
func (e *Engine) Version() *repository.MapVersion {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Map returns the current resolved map, or nil before any import
func (e *Engine) Map() *mapping.Map {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.version == nil {
		return nil
	}
	return e.version.Map
}

// ReadOnly reports whether writes are rejected, and why
func (e *Engine) ReadOnly() (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readOnly, e.mismatch
}

// Check re-validates the current map against its class model
func (e *Engine) Check(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.version == nil {
		return ErrNoSchema
	}
	return e.validate(e.version)
}

// ============================================================================
// Schema Import
// ============================================================================

// ImportResult describes a schema import
type ImportResult struct {
	Version     int64
	ImportID    string
	Fingerprint string
	Statements  []string
	// Unchanged is set when the model resolved to the current map
	Unchanged bool
}

// ImportSchema resolves model against the current map and applies the
// resulting DDL and map version atomically. Any resolution error aborts
// the import and leaves the store untouched.
func (e *Engine) ImportSchema(ctx context.Context, model *domain.Model) (*ImportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var prior *mapping.Map
	if e.version != nil {
		if e.readOnly {
			return nil, ErrReadOnly
		}
		prior = e.version.Map
	}

	next, err := mapping.Resolve(model, prior, e.opts.Mapping)
	if err != nil {
		return nil, err
	}
	fp := mapping.Fingerprint(next)

	var ddl []string
	if prior == nil {
		ddl = mapping.DDL(next)
	} else {
		ddl = mapping.UpgradeDDL(prior, next)
		if fp == e.version.Fingerprint && len(ddl) == 0 {
			e.logger.Printf("Schema unchanged (map version %d)", e.version.Version)
			return &ImportResult{
				Version:     e.version.Version,
				ImportID:    e.version.ImportID,
				Fingerprint: fp,
				Unchanged:   true,
			}, nil
		}
	}

	v := &repository.MapVersion{
		ImportID:    uuid.NewString(),
		Fingerprint: fp,
		ImportedAt:  time.Now().UTC(),
		Model:       model.Clone(),
		Map:         next,
	}
	if err := e.store.ApplySchema(ctx, v, ddl); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	e.install(v)

	e.logger.Printf("Schema imported: map version %d, %d statements, fingerprint %s", v.Version, len(ddl), short(fp))
	e.events.Publish(Event{
		Type: EventSchemaImported,
		Payload: map[string]interface{}{
			"version":     v.Version,
			"import_id":   v.ImportID,
			"fingerprint": fp,
		},
	})

	return &ImportResult{
		Version:     v.Version,
		ImportID:    v.ImportID,
		Fingerprint: fp,
		Statements:  ddl,
	}, nil
}

// ============================================================================
// Helpers
// ============================================================================

// ready checks that a schema exists; write additionally rejects read-only
// stores. Callers hold e.mu.
func (e *Engine) ready(write bool) error {
	if e.version == nil {
		return ErrNoSchema
	}
	if write && e.readOnly {
		return ErrReadOnly
	}
	return nil
}

// class resolves a class name in the current map
func (e *Engine) class(name string) (*mapping.ClassMap, error) {
	cm, ok := e.version.Map.ClassByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return cm, nil
}

// relationship resolves a relationship class name in the current map
func (e *Engine) relationship(name string) (*mapping.RelationshipMapping, error) {
	cm, err := e.class(name)
	if err != nil {
		return nil, err
	}
	rm, ok := e.version.Map.Relationship(cm.ClassID)
	if !ok {
		return nil, fmt.Errorf("%s is not a relationship class", cm.Name)
	}
	return rm, nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// storeKey carries the transaction-bound store through a context so the
// binder's lookups run on the same connection as the enclosing write
type storeKey struct{}

func withStore(ctx context.Context, s repository.Store) context.Context {
	return context.WithValue(ctx, storeKey{}, s)
}

func (e *Engine) storeFrom(ctx context.Context) repository.Store {
	if s, ok := ctx.Value(storeKey{}).(repository.Store); ok {
		return s
	}
	return e.store
}

// locator answers the binder's navigation lookups from the store
type locator struct {
	e *Engine
	m *mapping.Map
}

func (l *locator) LocateClasses(ctx context.Context, candidates []domain.ClassID, id domain.InstanceID) ([]domain.ClassID, error) {
	return l.e.storeFrom(ctx).LocateClasses(ctx, l.m, candidates, id)
}
