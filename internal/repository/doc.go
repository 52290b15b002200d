// Package repository defines the storage interfaces of the engine.
//
// A store holds two things: the versioned resolved map (class model, map
// arena and fingerprint) in reserved ec_* tables, and the instance rows in
// the tables that map describes. The sqlite subpackage implements both on
// the embedded engine.
//
// # Map Versions
//
// Every schema import appends a MapVersion. The newest version is the one
// an engine opens; older versions stay for inspection. Import applies the
// DDL and records the version inside one transaction, so a failed import
// leaves the previous version in place.
//
// # Instances
//
// Instance operations work on bindings produced by the marshal package and
// never interpret storage-engine constraint errors: uniqueness and foreign
// key violations reach the caller wrapped but unchanged.
package repository
