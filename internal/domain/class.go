package domain

import (
	"fmt"
	"strings"
)

// ClassID identifies a class inside a resolved map
type ClassID int64

// InstanceID identifies a row (instance) inside the store
type InstanceID int64

// String renders the id the way records carry it ("0x1f")
func (id InstanceID) String() string {
	return fmt.Sprintf("0x%x", int64(id))
}

// ClassType represents the kind of class
type ClassType string

const (
	ClassTypeEntity       ClassType = "entity"
	ClassTypeStruct       ClassType = "struct"
	ClassTypeMixin        ClassType = "mixin"
	ClassTypeRelationship ClassType = "relationship"
)

// Modifier represents the class modifier
type Modifier string

const (
	ModifierNone     Modifier = "none"
	ModifierAbstract Modifier = "abstract"
	ModifierSealed   Modifier = "sealed"
)

// StrategyName names a map strategy in a ClassMap override
type StrategyName string

const (
	StrategyOwnTable          StrategyName = "OwnTable"
	StrategyTablePerHierarchy StrategyName = "TablePerHierarchy"
	StrategyNotMapped         StrategyName = "NotMapped"
)

// ClassMapAttr is the explicit strategy override on a class
type ClassMapAttr struct {
	Strategy StrategyName `json:"strategy"`
}

// ShareColumnsAttr enables shared columns for a hierarchy
type ShareColumnsAttr struct {
	MaxSharedColumnsBeforeOverflow *uint32 `json:"maxSharedColumnsBeforeOverflow,omitempty"`
	ApplyToSubclassesOnly          bool    `json:"applyToSubclassesOnly,omitempty"`
}

// Class is a class of the schema
type Class struct {
	ID           ClassID           `json:"id,omitempty"`
	Schema       string            `json:"schema"`
	Name         string            `json:"name"`
	Type         ClassType         `json:"type"`
	Modifier     Modifier          `json:"modifier,omitempty"`
	BaseClasses  []string          `json:"baseClasses,omitempty"`
	Properties   []Property        `json:"properties,omitempty"`
	ClassMap     *ClassMapAttr     `json:"classMap,omitempty"`
	ShareColumns *ShareColumnsAttr `json:"shareColumns,omitempty"`

	JoinedTablePerDirectSubclass bool `json:"joinedTablePerDirectSubclass,omitempty"`

	Relationship *RelationshipSpec `json:"relationship,omitempty"`
}

func (c *Class) clone() *Class {
	out := *c
	out.BaseClasses = append([]string(nil), c.BaseClasses...)
	out.Properties = make([]Property, len(c.Properties))
	for i, p := range c.Properties {
		out.Properties[i] = p.clone()
	}
	if c.Properties == nil {
		out.Properties = nil
	}
	if c.ClassMap != nil {
		cm := *c.ClassMap
		out.ClassMap = &cm
	}
	if c.ShareColumns != nil {
		sc := *c.ShareColumns
		sc.MaxSharedColumnsBeforeOverflow = cloneUint32(sc.MaxSharedColumnsBeforeOverflow)
		out.ShareColumns = &sc
	}
	if c.Relationship != nil {
		rs := *c.Relationship
		rs.Source.Classes = append([]string(nil), rs.Source.Classes...)
		rs.Target.Classes = append([]string(nil), rs.Target.Classes...)
		if rs.LinkTable != nil {
			lt := *rs.LinkTable
			if lt.CreateForeignKeyConstraints != nil {
				v := *lt.CreateForeignKeyConstraints
				lt.CreateForeignKeyConstraints = &v
			}
			rs.LinkTable = &lt
		}
		out.Relationship = &rs
	}
	return &out
}

func cloneUint32(v *uint32) *uint32 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// FullName returns the qualified name "alias.Name"
func (c *Class) FullName() string {
	return QualifiedName(c.Schema, c.Name)
}

// IsAbstract reports whether instances of the class can exist
func (c *Class) IsAbstract() bool {
	return c.Modifier == ModifierAbstract
}

// IsEntity reports whether the class is an entity class
func (c *Class) IsEntity() bool {
	return c.Type == ClassTypeEntity || c.Type == ""
}

// IsRelationship reports whether the class is a relationship class
func (c *Class) IsRelationship() bool {
	return c.Type == ClassTypeRelationship
}

// Property returns the declared property with the given name
func (c *Class) Property(name string) (*Property, bool) {
	for i := range c.Properties {
		if strings.EqualFold(c.Properties[i].Name, name) {
			return &c.Properties[i], true
		}
	}
	return nil, false
}

// QualifiedName joins a schema alias and a class name
func QualifiedName(schema, name string) string {
	if schema == "" {
		return name
	}
	return schema + "." + name
}

// SplitQualifiedName splits "alias.Name" (or "alias:Name") into its parts
func SplitQualifiedName(qualified string) (string, string) {
	if i := strings.IndexAny(qualified, ".:"); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "", qualified
}
