// Package service implements the persistence engine of ecstore.
//
// An Engine is the explicit handle every operation goes through. It owns
// the store, the resolved map of the store's current schema and the binder
// that converts records for that map. There are no process-wide singletons:
// two engines over two stores are fully independent.
//
// # Schema import
//
// ImportSchema resolves a class model against the map persisted in the
// store, renders the DDL (full for a fresh store, an upgrade otherwise) and
// applies it together with the new map version in one transaction. Import
// excludes every other engine operation while it runs; reads and writes of
// instances share the engine concurrently.
//
// # Open-time validation
//
// Open re-resolves the persisted class model and compares its fingerprint
// with the persisted map. A mismatch leaves the engine readable but rejects
// writes with ErrReadOnly.
//
// # Event System
//
// Engines publish events via EventBus when schemas are imported and when
// instances or relationships are written. Publishing never blocks.
package service
