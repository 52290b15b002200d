package domain

// PropertyKind represents the shape of a property
type PropertyKind string

const (
	KindPrimitive      PropertyKind = "primitive"
	KindStruct         PropertyKind = "struct"
	KindPrimitiveArray PropertyKind = "primitive_array"
	KindStructArray    PropertyKind = "struct_array"
	KindNavigation     PropertyKind = "navigation"
)

// IsArray reports whether the kind is stored as one serialized column
func (k PropertyKind) IsArray() bool {
	return k == KindPrimitiveArray || k == KindStructArray
}

// PrimitiveType represents the primitive type of a property or array element
type PrimitiveType string

const (
	TypeBinary   PrimitiveType = "binary"
	TypeBoolean  PrimitiveType = "boolean"
	TypeDateTime PrimitiveType = "dateTime"
	TypeDouble   PrimitiveType = "double"
	TypeInteger  PrimitiveType = "int"
	TypeLong     PrimitiveType = "long"
	TypePoint2d  PrimitiveType = "point2d"
	TypePoint3d  PrimitiveType = "point3d"
	TypeString   PrimitiveType = "string"
)

// IsPoint reports whether the type spans several numeric columns
func (t PrimitiveType) IsPoint() bool {
	return t == TypePoint2d || t == TypePoint3d
}

// Axes returns the axis names of a point type
func (t PrimitiveType) Axes() []string {
	switch t {
	case TypePoint2d:
		return []string{"X", "Y"}
	case TypePoint3d:
		return []string{"X", "Y", "Z"}
	}
	return nil
}

// Valid reports whether t is a known primitive type
func (t PrimitiveType) Valid() bool {
	switch t {
	case TypeBinary, TypeBoolean, TypeDateTime, TypeDouble, TypeInteger,
		TypeLong, TypePoint2d, TypePoint3d, TypeString:
		return true
	}
	return false
}

// Property is a property declared on a class
type Property struct {
	Name string       `json:"name"`
	Kind PropertyKind `json:"kind"`

	// Type is set for primitives and primitive arrays
	Type PrimitiveType `json:"type,omitempty"`
	// StructName is the qualified struct class for struct and struct array properties
	StructName string `json:"struct,omitempty"`

	// Array bounds; MaxOccurs nil means unbounded
	MinOccurs uint32  `json:"minOccurs,omitempty"`
	MaxOccurs *uint32 `json:"maxOccurs,omitempty"`

	// Navigation properties only
	Relationship string          `json:"relationship,omitempty"`
	Direction    Direction       `json:"direction,omitempty"`
	ForeignKey   *ForeignKeyAttr `json:"foreignKey,omitempty"`

	// Calculated holds an expression evaluated against the record at bind time
	Calculated string `json:"calculated,omitempty"`
}

func (p Property) clone() Property {
	p.MaxOccurs = cloneUint32(p.MaxOccurs)
	if p.ForeignKey != nil {
		fk := *p.ForeignKey
		p.ForeignKey = &fk
	}
	return p
}

// SameShape reports whether two declarations map to identical columns
func (p Property) SameShape(o Property) bool {
	return p.Kind == o.Kind && p.Type == o.Type && p.StructName == o.StructName &&
		p.Relationship == o.Relationship
}
