// Package domain defines the class model consumed by the mapping engine.
//
// The class model is the in-memory form of a schema: classes, their
// properties, base-class links and relationship classes with constrained
// ends. It is produced by a schema loader and is only referenced (by class
// id or qualified name) from the resolved map, never duplicated.
//
// # Core Types
//
// Model is an ordered list of classes with lookup by qualified name
// ("alias.Name") and by id.
//
// Class carries identity, a modifier (none/abstract/sealed), a type
// (entity, struct, mixin, relationship), properties, base classes and
// the custom-attribute overrides that steer table mapping.
//
// Property is a primitive, struct, primitive array, struct array or
// navigation property. Points are primitives of type point2d/point3d.
//
// RelationshipSpec describes a relationship class: strength, strength
// direction and the Source and Target constraints with their
// multiplicities.
//
// # Design Principles
//
// - No database or external dependencies
// - Validation only of model shape (references resolve, names unique);
//   mapping rules live in the mapping package
package domain
