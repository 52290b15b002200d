package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"ecstore/internal/domain"

	"gopkg.in/yaml.v3"
)

// SchemaYAML represents one schema document. A file may hold several
// documents separated by "---".
type SchemaYAML struct {
	Schema  string      `yaml:"schema"`
	Classes []ClassYAML `yaml:"classes"`
}

// ClassYAML represents a class in YAML format
type ClassYAML struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type,omitempty"`
	Modifier string   `yaml:"modifier,omitempty"`
	Base     []string `yaml:"base,omitempty"`

	// Custom attributes
	Map                          string            `yaml:"map,omitempty"`
	ShareColumns                 *ShareColumnsYAML `yaml:"shareColumns,omitempty"`
	JoinedTablePerDirectSubclass bool              `yaml:"joinedTablePerDirectSubclass,omitempty"`

	Properties []PropertyYAML `yaml:"properties,omitempty"`

	// Relationship classes only
	Strength                  string          `yaml:"strength,omitempty"`
	Direction                 string          `yaml:"direction,omitempty"`
	Source                    *ConstraintYAML `yaml:"source,omitempty"`
	Target                    *ConstraintYAML `yaml:"target,omitempty"`
	LinkTable                 *LinkTableYAML  `yaml:"linkTable,omitempty"`
	UseInstanceIDAsForeignKey bool            `yaml:"useInstanceIdAsForeignKey,omitempty"`
}

// ShareColumnsYAML represents the ShareColumns custom attribute
type ShareColumnsYAML struct {
	MaxSharedColumnsBeforeOverflow *uint32 `yaml:"maxSharedColumnsBeforeOverflow,omitempty"`
	ApplyToSubclassesOnly          bool    `yaml:"applyToSubclassesOnly,omitempty"`
}

// PropertyYAML represents a property. The kind is inferred when omitted:
// a relationship makes a navigation, a struct a struct, and a "[]" suffix
// on the type or struct an array.
type PropertyYAML struct {
	Name         string          `yaml:"name"`
	Kind         string          `yaml:"kind,omitempty"`
	Type         string          `yaml:"type,omitempty"`
	Struct       string          `yaml:"struct,omitempty"`
	MinOccurs    uint32          `yaml:"minOccurs,omitempty"`
	MaxOccurs    *uint32         `yaml:"maxOccurs,omitempty"`
	Relationship string          `yaml:"relationship,omitempty"`
	Direction    string          `yaml:"direction,omitempty"`
	ForeignKey   *ForeignKeyYAML `yaml:"foreignKey,omitempty"`
	Calculated   string          `yaml:"calculated,omitempty"`
}

// ForeignKeyYAML represents the ForeignKeyConstraint custom attribute
type ForeignKeyYAML struct {
	OnDelete string `yaml:"onDelete,omitempty"`
}

// ConstraintYAML represents a relationship end
type ConstraintYAML struct {
	Multiplicity string   `yaml:"multiplicity"`
	Polymorphic  bool     `yaml:"polymorphic,omitempty"`
	Classes      []string `yaml:"classes"`
}

// LinkTableYAML represents the LinkTableRelationshipMap custom attribute
type LinkTableYAML struct {
	AllowDuplicateRelationships bool  `yaml:"allowDuplicateRelationships,omitempty"`
	CreateForeignKeyConstraints *bool `yaml:"createForeignKeyConstraints,omitempty"`
}

// LoadYAML loads a model from one or more schema files, in order
func LoadYAML(paths ...string) (*domain.Model, error) {
	var docs []SchemaYAML
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		parsed, err := decodeDocuments(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		docs = append(docs, parsed...)
	}

	return convertYAMLToModel(docs)
}

// ParseYAML parses a model from YAML bytes
func ParseYAML(data []byte) (*domain.Model, error) {
	docs, err := decodeDocuments(data)
	if err != nil {
		return nil, err
	}
	return convertYAMLToModel(docs)
}

func decodeDocuments(data []byte) ([]SchemaYAML, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var docs []SchemaYAML
	for {
		var doc SchemaYAML
		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func convertYAMLToModel(docs []SchemaYAML) (*domain.Model, error) {
	var classes []*domain.Class
	for _, doc := range docs {
		if doc.Schema == "" {
			return nil, fmt.Errorf("schema document without a schema alias")
		}
		for _, cy := range doc.Classes {
			c, err := convertClass(doc.Schema, cy)
			if err != nil {
				return nil, err
			}
			classes = append(classes, c)
		}
	}

	model := domain.NewModel(classes...)
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return model, nil
}

func convertClass(schema string, cy ClassYAML) (*domain.Class, error) {
	c := &domain.Class{
		Schema:                       schema,
		Name:                         cy.Name,
		Type:                         domain.ClassType(cy.Type),
		Modifier:                     domain.Modifier(cy.Modifier),
		BaseClasses:                  cy.Base,
		JoinedTablePerDirectSubclass: cy.JoinedTablePerDirectSubclass,
	}
	if c.Type == "" {
		c.Type = domain.ClassTypeEntity
	}
	if cy.Map != "" {
		c.ClassMap = &domain.ClassMapAttr{Strategy: domain.StrategyName(cy.Map)}
	}
	if cy.ShareColumns != nil {
		c.ShareColumns = &domain.ShareColumnsAttr{
			MaxSharedColumnsBeforeOverflow: cy.ShareColumns.MaxSharedColumnsBeforeOverflow,
			ApplyToSubclassesOnly:          cy.ShareColumns.ApplyToSubclassesOnly,
		}
	}

	for _, py := range cy.Properties {
		p, err := convertProperty(py)
		if err != nil {
			return nil, fmt.Errorf("class %s.%s: %w", schema, cy.Name, err)
		}
		c.Properties = append(c.Properties, p)
	}

	if c.Type != domain.ClassTypeRelationship {
		if cy.Source != nil || cy.Target != nil {
			return nil, fmt.Errorf("class %s.%s: source and target need type relationship", schema, cy.Name)
		}
		return c, nil
	}

	if cy.Source == nil || cy.Target == nil {
		return nil, fmt.Errorf("relationship %s.%s: source and target are required", schema, cy.Name)
	}
	source, err := convertConstraint(cy.Source)
	if err != nil {
		return nil, fmt.Errorf("relationship %s.%s source: %w", schema, cy.Name, err)
	}
	target, err := convertConstraint(cy.Target)
	if err != nil {
		return nil, fmt.Errorf("relationship %s.%s target: %w", schema, cy.Name, err)
	}
	c.Relationship = &domain.RelationshipSpec{
		Strength:                  domain.Strength(cy.Strength),
		Direction:                 domain.Direction(cy.Direction),
		Source:                    source,
		Target:                    target,
		UseInstanceIDAsForeignKey: cy.UseInstanceIDAsForeignKey,
	}
	if cy.LinkTable != nil {
		c.Relationship.LinkTable = &domain.LinkTableAttr{
			AllowDuplicateRelationships: cy.LinkTable.AllowDuplicateRelationships,
			CreateForeignKeyConstraints: cy.LinkTable.CreateForeignKeyConstraints,
		}
	}
	return c, nil
}

func convertProperty(py PropertyYAML) (domain.Property, error) {
	p := domain.Property{
		Name:         py.Name,
		Kind:         domain.PropertyKind(py.Kind),
		MinOccurs:    py.MinOccurs,
		MaxOccurs:    py.MaxOccurs,
		Relationship: py.Relationship,
		Direction:    domain.Direction(py.Direction),
		Calculated:   py.Calculated,
	}

	typeName, typeArray := strings.CutSuffix(py.Type, "[]")
	structName, structArray := strings.CutSuffix(py.Struct, "[]")
	p.Type = domain.PrimitiveType(typeName)
	p.StructName = structName

	if p.Kind == "" {
		switch {
		case py.Relationship != "":
			p.Kind = domain.KindNavigation
		case structName != "" && structArray:
			p.Kind = domain.KindStructArray
		case structName != "":
			p.Kind = domain.KindStruct
		case typeArray:
			p.Kind = domain.KindPrimitiveArray
		default:
			p.Kind = domain.KindPrimitive
		}
	}

	if py.ForeignKey != nil {
		if p.Kind != domain.KindNavigation {
			return p, fmt.Errorf("property %s: foreignKey needs a navigation property", py.Name)
		}
		p.ForeignKey = &domain.ForeignKeyAttr{OnDelete: domain.Action(py.ForeignKey.OnDelete)}
	}
	if !p.Kind.IsArray() && (py.MinOccurs != 0 || py.MaxOccurs != nil) {
		return p, fmt.Errorf("property %s: minOccurs/maxOccurs need an array property", py.Name)
	}
	return p, nil
}

func convertConstraint(cy *ConstraintYAML) (domain.Constraint, error) {
	m, err := domain.ParseMultiplicity(cy.Multiplicity)
	if err != nil {
		return domain.Constraint{}, err
	}
	return domain.Constraint{Multiplicity: m, Polymorphic: cy.Polymorphic, Classes: cy.Classes}, nil
}

// ExportYAML renders a model back to schema documents, one per schema alias
// in order of first appearance
func ExportYAML(model *domain.Model) ([]byte, error) {
	var (
		docs  []*SchemaYAML
		index = make(map[string]*SchemaYAML)
	)
	for _, c := range model.Classes {
		doc, ok := index[c.Schema]
		if !ok {
			doc = &SchemaYAML{Schema: c.Schema}
			index[c.Schema] = doc
			docs = append(docs, doc)
		}
		doc.Classes = append(doc.Classes, exportClass(c))
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	for _, doc := range docs {
		if err := encoder.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	return buf.Bytes(), nil
}

func exportClass(c *domain.Class) ClassYAML {
	cy := ClassYAML{
		Name:                         c.Name,
		Type:                         string(c.Type),
		Modifier:                     string(c.Modifier),
		Base:                         c.BaseClasses,
		JoinedTablePerDirectSubclass: c.JoinedTablePerDirectSubclass,
	}
	if c.ClassMap != nil {
		cy.Map = string(c.ClassMap.Strategy)
	}
	if c.ShareColumns != nil {
		cy.ShareColumns = &ShareColumnsYAML{
			MaxSharedColumnsBeforeOverflow: c.ShareColumns.MaxSharedColumnsBeforeOverflow,
			ApplyToSubclassesOnly:          c.ShareColumns.ApplyToSubclassesOnly,
		}
	}

	for _, p := range c.Properties {
		py := PropertyYAML{
			Name:         p.Name,
			Kind:         string(p.Kind),
			Type:         string(p.Type),
			Struct:       p.StructName,
			MinOccurs:    p.MinOccurs,
			MaxOccurs:    p.MaxOccurs,
			Relationship: p.Relationship,
			Direction:    string(p.Direction),
			Calculated:   p.Calculated,
		}
		if p.ForeignKey != nil {
			py.ForeignKey = &ForeignKeyYAML{OnDelete: string(p.ForeignKey.OnDelete)}
		}
		cy.Properties = append(cy.Properties, py)
	}

	if rel := c.Relationship; rel != nil {
		cy.Strength = string(rel.Strength)
		cy.Direction = string(rel.Direction)
		cy.Source = &ConstraintYAML{Multiplicity: rel.Source.Multiplicity.String(), Polymorphic: rel.Source.Polymorphic, Classes: rel.Source.Classes}
		cy.Target = &ConstraintYAML{Multiplicity: rel.Target.Multiplicity.String(), Polymorphic: rel.Target.Polymorphic, Classes: rel.Target.Classes}
		cy.UseInstanceIDAsForeignKey = rel.UseInstanceIDAsForeignKey
		if rel.LinkTable != nil {
			cy.LinkTable = &LinkTableYAML{
				AllowDuplicateRelationships: rel.LinkTable.AllowDuplicateRelationships,
				CreateForeignKeyConstraints: rel.LinkTable.CreateForeignKeyConstraints,
			}
		}
	}
	return cy
}
