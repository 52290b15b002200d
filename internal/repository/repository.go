package repository

import (
	"context"
	"errors"
	"time"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
)

// ErrNotFound is returned when an instance row does not exist
var ErrNotFound = errors.New("instance not found")

// MapVersion is one persisted schema import
type MapVersion struct {
	Version     int64
	ImportID    string
	Fingerprint string
	ImportedAt  time.Time
	Model       *domain.Model
	Map         *mapping.Map
}

// InstanceRef identifies a stored instance and its concrete class
type InstanceRef struct {
	ID      domain.InstanceID
	ClassID domain.ClassID
}

// ClassRow is one entry of the stored class lookup
type ClassRow struct {
	ID           domain.ClassID
	Name         string
	Type         string
	Abstract     bool
	Strategy     string
	PrimaryTable string
}

// MapStore persists resolved maps
type MapStore interface {
	// LoadMap returns the newest version, or nil when no schema was imported
	LoadMap(ctx context.Context) (*MapVersion, error)
	// MapVersions lists versions oldest first, without model and map
	MapVersions(ctx context.Context) ([]MapVersion, error)
	// ApplySchema runs the DDL and records the version atomically
	ApplySchema(ctx context.Context, v *MapVersion, ddl []string) error
	// ListClasses reads the class lookup of the newest version by id
	ListClasses(ctx context.Context) ([]ClassRow, error)
}

// InstanceStore reads and writes instance rows
type InstanceStore interface {
	InsertInstance(ctx context.Context, b *marshal.RowBinding) (domain.InstanceID, error)
	ReadInstance(ctx context.Context, m *mapping.Map, classID domain.ClassID, id domain.InstanceID) (marshal.Row, error)
	DeleteInstance(ctx context.Context, m *mapping.Map, classID domain.ClassID, id domain.InstanceID) error
	UpdateRow(ctx context.Context, up *marshal.RowUpdate) error
	DeleteLink(ctx context.Context, rm *mapping.RelationshipMapping, source, target domain.InstanceID) (int64, error)
	ListLinks(ctx context.Context, m *mapping.Map, relID domain.ClassID) ([]marshal.Row, error)

	// ClassOf returns the concrete class of the instance stored under id in
	// the primary table of classID
	ClassOf(ctx context.Context, m *mapping.Map, classID domain.ClassID, id domain.InstanceID) (domain.ClassID, error)
	// ListInstances returns the instances of a class and its subclasses by id
	ListInstances(ctx context.Context, m *mapping.Map, classID domain.ClassID) ([]InstanceRef, error)
	// LocateClasses reports which candidate classes hold an instance id
	LocateClasses(ctx context.Context, m *mapping.Map, candidates []domain.ClassID, id domain.InstanceID) ([]domain.ClassID, error)
}

// Store is the full storage surface an engine needs
type Store interface {
	MapStore
	InstanceStore

	// WithTx runs fn against a store bound to one transaction; fn's error
	// rolls it back
	WithTx(ctx context.Context, fn func(Store) error) error

	// DeferForeignKeys postpones foreign key checks to the commit of the
	// enclosing transaction, so rows may reference rows inserted later
	DeferForeignKeys(ctx context.Context) error

	// Close releases resources
	Close() error
}
