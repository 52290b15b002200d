package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Unbounded is the upper bound of a "*" multiplicity
const Unbounded = math.MaxUint32

// Strength describes ownership semantics of a relationship
type Strength string

const (
	StrengthReferencing Strength = "referencing"
	StrengthHolding     Strength = "holding"
	StrengthEmbedding   Strength = "embedding"
)

// Direction is the strength direction, or the direction of a navigation property
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
)

// Action is a foreign key delete action
type Action string

const (
	ActionNoAction Action = "NoAction"
	ActionCascade  Action = "Cascade"
	ActionSetNull  Action = "SetNull"
	ActionRestrict Action = "Restrict"
)

// ForeignKeyAttr requests a physical foreign key for a navigation property
type ForeignKeyAttr struct {
	OnDelete Action `json:"onDelete,omitempty"`
}

// LinkTableAttr requests a link table for a relationship
type LinkTableAttr struct {
	AllowDuplicateRelationships bool  `json:"allowDuplicateRelationships,omitempty"`
	CreateForeignKeyConstraints *bool `json:"createForeignKeyConstraints,omitempty"`
}

// CreatesForeignKeys returns the effective createForeignKeyConstraints flag
func (a *LinkTableAttr) CreatesForeignKeys() bool {
	return a == nil || a.CreateForeignKeyConstraints == nil || *a.CreateForeignKeyConstraints
}

// Multiplicity is a (lower..upper) range
type Multiplicity struct {
	Lower uint32 `json:"lower"`
	Upper uint32 `json:"upper"`
}

var (
	ZeroOne  = Multiplicity{Lower: 0, Upper: 1}
	OneOne   = Multiplicity{Lower: 1, Upper: 1}
	ZeroMany = Multiplicity{Lower: 0, Upper: Unbounded}
	OneMany  = Multiplicity{Lower: 1, Upper: Unbounded}
)

// IsMany reports whether the upper bound exceeds one
func (m Multiplicity) IsMany() bool {
	return m.Upper > 1
}

func (m Multiplicity) String() string {
	upper := "*"
	if m.Upper != Unbounded {
		upper = strconv.FormatUint(uint64(m.Upper), 10)
	}
	return fmt.Sprintf("(%d..%s)", m.Lower, upper)
}

// ParseMultiplicity parses "(0..1)", "(1..*)", "0..N" style strings
func ParseMultiplicity(s string) (Multiplicity, error) {
	trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "()"))
	lo, hi, ok := strings.Cut(trimmed, "..")
	if !ok {
		return Multiplicity{}, fmt.Errorf("invalid multiplicity %q", s)
	}
	lower, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
	if err != nil {
		return Multiplicity{}, fmt.Errorf("invalid multiplicity %q: %w", s, err)
	}
	m := Multiplicity{Lower: uint32(lower), Upper: Unbounded}
	hi = strings.TrimSpace(hi)
	if hi != "*" && !strings.EqualFold(hi, "n") {
		upper, err := strconv.ParseUint(hi, 10, 32)
		if err != nil {
			return Multiplicity{}, fmt.Errorf("invalid multiplicity %q: %w", s, err)
		}
		m.Upper = uint32(upper)
	}
	if m.Upper == 0 || m.Lower > m.Upper {
		return Multiplicity{}, fmt.Errorf("invalid multiplicity %q: bounds out of order", s)
	}
	return m, nil
}

// End identifies a relationship end
type End string

const (
	EndSource End = "source"
	EndTarget End = "target"
)

// Other returns the opposite end
func (e End) Other() End {
	if e == EndSource {
		return EndTarget
	}
	return EndSource
}

// Constraint is one end of a relationship
type Constraint struct {
	Multiplicity Multiplicity `json:"multiplicity"`
	Polymorphic  bool         `json:"polymorphic"`
	Classes      []string     `json:"classes"`
}

// RelationshipSpec holds the relationship-specific parts of a class
type RelationshipSpec struct {
	Strength  Strength       `json:"strength"`
	Direction Direction      `json:"direction"`
	Source    Constraint     `json:"source"`
	Target    Constraint     `json:"target"`
	LinkTable *LinkTableAttr `json:"linkTable,omitempty"`

	UseInstanceIDAsForeignKey bool `json:"useInstanceIdAsForeignKey,omitempty"`
}

// Constraint returns the constraint of the given end
func (r *RelationshipSpec) Constraint(end End) Constraint {
	if end == EndSource {
		return r.Source
	}
	return r.Target
}
