package domain

import (
	"fmt"
	"strings"
)

// Model is an ordered class list with lookup by qualified name
type Model struct {
	Classes []*Class `json:"classes"`

	byName map[string]*Class
}

// NewModel creates a model from classes in declaration order
func NewModel(classes ...*Class) *Model {
	m := &Model{Classes: classes}
	m.Reindex()
	return m
}

// Reindex rebuilds the name index after Classes was modified
func (m *Model) Reindex() {
	m.byName = make(map[string]*Class, len(m.Classes))
	for _, c := range m.Classes {
		m.byName[strings.ToLower(c.FullName())] = c
	}
}

// Clone returns a deep copy of the model
func (m *Model) Clone() *Model {
	classes := make([]*Class, len(m.Classes))
	for i, c := range m.Classes {
		classes[i] = c.clone()
	}
	return NewModel(classes...)
}

// Class looks up a class by qualified name
func (m *Model) Class(name string) (*Class, bool) {
	if m.byName == nil {
		m.Reindex()
	}
	c, ok := m.byName[strings.ToLower(name)]
	return c, ok
}

// Resolve looks up a class name relative to a schema alias; unqualified names
// resolve inside the given schema
func (m *Model) Resolve(schema, name string) (*Class, bool) {
	if alias, _ := SplitQualifiedName(name); alias != "" {
		return m.Class(strings.Replace(name, ":", ".", 1))
	}
	return m.Class(QualifiedName(schema, name))
}

// Base returns the table-inheritance base of c (its first non-mixin base)
func (m *Model) Base(c *Class) *Class {
	for _, name := range c.BaseClasses {
		if b, ok := m.Resolve(c.Schema, name); ok && b.Type != ClassTypeMixin {
			return b
		}
	}
	return nil
}

// Mixins returns the mixin bases of c in declaration order
func (m *Model) Mixins(c *Class) []*Class {
	var mixins []*Class
	for _, name := range c.BaseClasses {
		if b, ok := m.Resolve(c.Schema, name); ok && b.Type == ClassTypeMixin {
			mixins = append(mixins, b)
		}
	}
	return mixins
}

// Subclasses returns the direct subclasses of c in declaration order
func (m *Model) Subclasses(c *Class) []*Class {
	var subs []*Class
	for _, candidate := range m.Classes {
		if b := m.Base(candidate); b == c {
			subs = append(subs, candidate)
		}
	}
	return subs
}

// Descendants returns c and all classes deriving from it, depth first
func (m *Model) Descendants(c *Class) []*Class {
	out := []*Class{c}
	for _, sub := range m.Subclasses(c) {
		out = append(out, m.Descendants(sub)...)
	}
	return out
}

// IsA reports whether c is base or derives from base
func (m *Model) IsA(c, base *Class) bool {
	for cur := c; cur != nil; cur = m.Base(cur) {
		if cur == base {
			return true
		}
	}
	return false
}

// Validate checks that the model is well formed: unique names, resolvable
// references and relationship ends on relationship classes only
func (m *Model) Validate() error {
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if c.Name == "" {
			return fmt.Errorf("class without name in schema %q", c.Schema)
		}
		key := strings.ToLower(c.FullName())
		if seen[key] {
			return fmt.Errorf("duplicate class %s", c.FullName())
		}
		seen[key] = true
	}
	m.Reindex()

	for _, c := range m.Classes {
		if err := m.validateClass(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) validateClass(c *Class) error {
	tableBases := 0
	for _, name := range c.BaseClasses {
		b, ok := m.Resolve(c.Schema, name)
		if !ok {
			return fmt.Errorf("class %s: unknown base class %s", c.FullName(), name)
		}
		if b.Modifier == ModifierSealed {
			return fmt.Errorf("class %s: base class %s is sealed", c.FullName(), b.FullName())
		}
		if b.Type != ClassTypeMixin {
			tableBases++
			if b.Type != c.Type && !(b.IsEntity() && c.IsEntity()) {
				return fmt.Errorf("class %s: base class %s is a %s", c.FullName(), b.FullName(), b.Type)
			}
		}
	}
	if tableBases > 1 {
		return fmt.Errorf("class %s: more than one non-mixin base class", c.FullName())
	}

	names := make(map[string]bool, len(c.Properties))
	for _, p := range c.Properties {
		key := strings.ToLower(p.Name)
		if p.Name == "" || names[key] {
			return fmt.Errorf("class %s: duplicate or empty property name %q", c.FullName(), p.Name)
		}
		names[key] = true
		if err := m.validateProperty(c, p); err != nil {
			return err
		}
	}

	if c.IsRelationship() {
		if c.Relationship == nil {
			return fmt.Errorf("relationship class %s has no constraints", c.FullName())
		}
		for _, end := range []End{EndSource, EndTarget} {
			constraint := c.Relationship.Constraint(end)
			if len(constraint.Classes) == 0 {
				return fmt.Errorf("relationship %s: %s constraint has no classes", c.FullName(), end)
			}
			for _, name := range constraint.Classes {
				if _, ok := m.Resolve(c.Schema, name); !ok {
					return fmt.Errorf("relationship %s: unknown %s constraint class %s", c.FullName(), end, name)
				}
			}
		}
	} else if c.Relationship != nil {
		return fmt.Errorf("class %s is not a relationship class but declares constraints", c.FullName())
	}
	return nil
}

func (m *Model) validateProperty(c *Class, p Property) error {
	switch p.Kind {
	case KindPrimitive, KindPrimitiveArray:
		if !p.Type.Valid() {
			return fmt.Errorf("property %s.%s: unknown type %q", c.FullName(), p.Name, p.Type)
		}
	case KindStruct, KindStructArray:
		s, ok := m.Resolve(c.Schema, p.StructName)
		if !ok || s.Type != ClassTypeStruct {
			return fmt.Errorf("property %s.%s: unknown struct %q", c.FullName(), p.Name, p.StructName)
		}
	case KindNavigation:
		rel, ok := m.Resolve(c.Schema, p.Relationship)
		if !ok || !rel.IsRelationship() {
			return fmt.Errorf("property %s.%s: unknown relationship %q", c.FullName(), p.Name, p.Relationship)
		}
		if p.Direction != DirectionForward && p.Direction != DirectionBackward {
			return fmt.Errorf("property %s.%s: invalid direction %q", c.FullName(), p.Name, p.Direction)
		}
	default:
		return fmt.Errorf("property %s.%s: unknown kind %q", c.FullName(), p.Name, p.Kind)
	}
	if p.MaxOccurs != nil && *p.MaxOccurs < p.MinOccurs {
		return fmt.Errorf("property %s.%s: maxOccurs below minOccurs", c.FullName(), p.Name)
	}
	return nil
}
