// Package mapping resolves a class model into a physical layout.
//
// Resolution runs once per schema import, in a fixed order:
//
//  1. Mapping strategy resolution assigns every class a MapStrategy and
//     a flat list of property-path to column entries (the ClassMap).
//  2. Relationship resolution decides, per relationship class, between a
//     foreign key on an end-class table and a link table, and turns
//     navigation properties into foreign key columns.
//  3. Index generation derives unique, partial and class-filtered indexes
//     from the resolved classes and relationships.
//
// The result is a Map: an immutable arena of class descriptors indexed by
// class id, plus tables, relationship mappings and indexes. DDL derived
// from a Map is deterministic, so resolving an unchanged model twice (or
// against its own prior map) yields byte-identical statements.
//
// Resolution performs no I/O. Authoring errors are returned as *Error with
// a Kind usable through errors.Is.
package mapping
