package mapping

import (
	"fmt"
	"sort"
	"strings"

	"ecstore/internal/domain"
)

// StrategyKind is the table-ownership policy of a class
type StrategyKind string

const (
	OwnTable          StrategyKind = "OwnTable"
	TablePerHierarchy StrategyKind = "TablePerHierarchy"
	NotMapped         StrategyKind = "NotMapped"
)

// MapStrategy is the resolved strategy of a class
type MapStrategy struct {
	Kind                           StrategyKind `json:"kind"`
	ShareColumns                   bool         `json:"shareColumns,omitempty"`
	MaxSharedColumnsBeforeOverflow *uint32      `json:"maxSharedColumnsBeforeOverflow,omitempty"`
	JoinedTablePerDirectSubclass   bool         `json:"joinedTablePerDirectSubclass,omitempty"`
}

// TableType describes how a table relates to the class rows it stores
type TableType string

const (
	TablePrimary  TableType = "primary"
	TableJoined   TableType = "joined"
	TableOverflow TableType = "overflow"
	TableLink     TableType = "link"
)

// ColumnType is the declared column affinity; shared columns have none
type ColumnType string

const (
	ColumnInteger ColumnType = "INTEGER"
	ColumnReal    ColumnType = "REAL"
	ColumnText    ColumnType = "TEXT"
	ColumnBlob    ColumnType = "BLOB"
	ColumnAny     ColumnType = ""
)

// ColumnKind describes what a column holds
type ColumnKind string

const (
	ColumnKindID            ColumnKind = "id"
	ColumnKindClassID       ColumnKind = "classId"
	ColumnKindData          ColumnKind = "data"
	ColumnKindShared        ColumnKind = "shared"
	ColumnKindNavID         ColumnKind = "navId"
	ColumnKindNavRelClassID ColumnKind = "navRelClassId"
	ColumnKindNavClassID    ColumnKind = "navClassId"
	ColumnKindSourceID      ColumnKind = "sourceId"
	ColumnKindSourceClassID ColumnKind = "sourceClassId"
	ColumnKindTargetID      ColumnKind = "targetId"
	ColumnKindTargetClassID ColumnKind = "targetClassId"
)

// Reserved column names
const (
	ColumnNameID      = "Id"
	ColumnNameClassID = "ECClassId"
)

// Column is a physical column
type Column struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type,omitempty"`
	Kind    ColumnKind `json:"kind"`
	NotNull bool       `json:"notNull,omitempty"`
}

// ForeignKey is a single-column foreign key constraint
type ForeignKey struct {
	Column    string        `json:"column"`
	RefTable  string        `json:"refTable"`
	RefColumn string        `json:"refColumn"`
	OnDelete  domain.Action `json:"onDelete,omitempty"`
}

// Table is a physical table of the resolved map
type Table struct {
	Name        string         `json:"name"`
	Type        TableType      `json:"type"`
	Parent      string         `json:"parent,omitempty"`
	RootClass   domain.ClassID `json:"rootClass"`
	Columns     []*Column      `json:"columns"`
	ForeignKeys []ForeignKey   `json:"foreignKeys,omitempty"`
}

// Column finds a column by case-insensitive name
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return nil, false
}

// HasClassID reports whether rows carry a physical ECClassId
func (t *Table) HasClassID() bool {
	_, ok := t.Column(ColumnNameClassID)
	return ok
}

// ForeignKey returns the foreign key declared on a column
func (t *Table) ForeignKey(column string) (ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if strings.EqualFold(fk.Column, column) {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

func (t *Table) ensureColumn(c *Column) *Column {
	if existing, ok := t.Column(c.Name); ok {
		return existing
	}
	t.Columns = append(t.Columns, c)
	return c
}

func (t *Table) addForeignKey(fk ForeignKey) {
	if _, ok := t.ForeignKey(fk.Column); ok {
		return
	}
	t.ForeignKeys = append(t.ForeignKeys, fk)
}

// Shape describes an array element (or struct member) for serialization
type Shape struct {
	Kind    domain.PropertyKind  `json:"kind"`
	Type    domain.PrimitiveType `json:"type,omitempty"`
	Members []Member             `json:"members,omitempty"`
}

// Member is a named struct member inside a Shape
type Member struct {
	Name  string `json:"name"`
	Shape Shape  `json:"shape"`
}

// PropertyMap maps one leaf property path to its columns
type PropertyMap struct {
	Path    string               `json:"path"`
	Kind    domain.PropertyKind  `json:"kind"`
	Type    domain.PrimitiveType `json:"type,omitempty"`
	Table   string               `json:"table"`
	Columns []string             `json:"columns"`

	MinOccurs  uint32  `json:"minOccurs,omitempty"`
	MaxOccurs  *uint32 `json:"maxOccurs,omitempty"`
	Element    *Shape  `json:"element,omitempty"`
	Calculated string  `json:"calculated,omitempty"`

	// Navigation properties: the relationship, the concrete classes
	// admissible at the far end, and whether values carry a class qualifier.
	// RelClassColumn records the relationship class of each value and
	// FarClassColumn the class of a qualified far instance.
	Relationship   domain.ClassID   `json:"relationship,omitempty"`
	FarClasses     []domain.ClassID `json:"farClasses,omitempty"`
	Qualified      bool             `json:"qualified,omitempty"`
	RelClassColumn string           `json:"relClassColumn,omitempty"`
	FarClassColumn string           `json:"farClassColumn,omitempty"`
}

// ClassMap is the resolved descriptor of one class
type ClassMap struct {
	ClassID      domain.ClassID   `json:"id"`
	Name         string           `json:"name"`
	Type         domain.ClassType `json:"type"`
	Abstract     bool             `json:"abstract,omitempty"`
	Base         domain.ClassID   `json:"base,omitempty"`
	Strategy     MapStrategy      `json:"strategy"`
	PrimaryTable string           `json:"primaryTable,omitempty"`
	DataTable    string           `json:"dataTable,omitempty"`
	Tables       []string         `json:"tables,omitempty"`
	Properties   []PropertyMap    `json:"properties,omitempty"`
}

// IsMapped reports whether instances of the class have rows
func (cm *ClassMap) IsMapped() bool {
	return cm.Strategy.Kind != NotMapped && cm.PrimaryTable != ""
}

// Property finds a leaf property by case-insensitive path
func (cm *ClassMap) Property(path string) (*PropertyMap, bool) {
	for i := range cm.Properties {
		if strings.EqualFold(cm.Properties[i].Path, path) {
			return &cm.Properties[i], true
		}
	}
	return nil, false
}

// Navigation returns the navigation entry bound to a relationship
func (cm *ClassMap) Navigation(rel domain.ClassID) (*PropertyMap, bool) {
	for i := range cm.Properties {
		if cm.Properties[i].Kind == domain.KindNavigation && cm.Properties[i].Relationship == rel {
			return &cm.Properties[i], true
		}
	}
	return nil, false
}

// RelationshipKind is the physical representation of a relationship
type RelationshipKind string

const (
	RelationshipForeignKey RelationshipKind = "ForeignKey"
	RelationshipLinkTable  RelationshipKind = "LinkTable"
)

// FKPartition is the foreign key column of one end-class table.
// RelClassIDColumn holds the relationship class of each row's key and
// FarClassIDColumn the class of the referenced instance.
type FKPartition struct {
	Table            string           `json:"table"`
	IDColumn         string           `json:"idColumn"`
	RelClassIDColumn string           `json:"relClassIdColumn,omitempty"`
	FarClassIDColumn string           `json:"farClassIdColumn,omitempty"`
	NotNull          bool             `json:"notNull,omitempty"`
	Classes          []domain.ClassID `json:"classes"`
}

// RelationshipMapping is the resolved representation of a relationship class
type RelationshipMapping struct {
	ClassID            domain.ClassID      `json:"id"`
	Name               string              `json:"name"`
	Base               domain.ClassID      `json:"base,omitempty"`
	Kind               RelationshipKind    `json:"kind"`
	Strength           domain.Strength     `json:"strength"`
	SourceMultiplicity domain.Multiplicity `json:"sourceMultiplicity"`
	TargetMultiplicity domain.Multiplicity `json:"targetMultiplicity"`
	SourceClasses      []domain.ClassID    `json:"sourceClasses"`
	TargetClasses      []domain.ClassID    `json:"targetClasses"`

	// ForeignKey
	FKEnd            domain.End    `json:"fkEnd,omitempty"`
	Partitions       []FKPartition `json:"partitions,omitempty"`
	ReferencedTables []string      `json:"referencedTables,omitempty"`
	OnDelete         domain.Action `json:"onDelete,omitempty"`
	Physical         bool          `json:"physical,omitempty"`
	UsesInstanceID   bool          `json:"usesInstanceId,omitempty"`

	// LinkTable
	Table               string `json:"table,omitempty"`
	SourceIDColumn      string `json:"sourceIdColumn,omitempty"`
	TargetIDColumn      string `json:"targetIdColumn,omitempty"`
	SourceClassIDColumn string `json:"sourceClassIdColumn,omitempty"`
	TargetClassIDColumn string `json:"targetClassIdColumn,omitempty"`
	AllowDuplicates     bool   `json:"allowDuplicates,omitempty"`
}

// OwnerTable returns the table holding the relationship: the first foreign
// key partition, or the link table
func (rm *RelationshipMapping) OwnerTable() string {
	if rm.Kind == RelationshipLinkTable {
		return rm.Table
	}
	if len(rm.Partitions) > 0 {
		return rm.Partitions[0].Table
	}
	return ""
}

// Classes returns the admissible classes of an end
func (rm *RelationshipMapping) Classes(end domain.End) []domain.ClassID {
	if end == domain.EndSource {
		return rm.SourceClasses
	}
	return rm.TargetClasses
}

// Index is a generated index descriptor
type Index struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
	Where   string   `json:"where,omitempty"`
}

// Equal compares two descriptors
func (ix Index) Equal(o Index) bool {
	return ix.Name == o.Name && ix.Table == o.Table && ix.Unique == o.Unique &&
		ix.Where == o.Where && strings.Join(ix.Columns, ",") == strings.Join(o.Columns, ",")
}

// Map is the resolved class -> table -> column map. Classes is an arena
// indexed by class id (Classes[id-1]).
type Map struct {
	Classes       []*ClassMap            `json:"classes"`
	Tables        []*Table               `json:"tables"`
	Relationships []*RelationshipMapping `json:"relationships,omitempty"`
	Indexes       []Index                `json:"indexes,omitempty"`

	byName map[string]*ClassMap
	tables map[string]*Table
	rels   map[domain.ClassID]*RelationshipMapping
}

// Reindex rebuilds lookups; call after decoding a persisted map
func (m *Map) Reindex() error {
	m.byName = make(map[string]*ClassMap, len(m.Classes))
	m.tables = make(map[string]*Table, len(m.Tables))
	m.rels = make(map[domain.ClassID]*RelationshipMapping, len(m.Relationships))
	for i, cm := range m.Classes {
		if cm == nil || cm.ClassID != domain.ClassID(i+1) {
			return fmt.Errorf("class arena slot %d holds the wrong class", i+1)
		}
		m.byName[strings.ToLower(cm.Name)] = cm
	}
	for _, t := range m.Tables {
		m.tables[strings.ToLower(t.Name)] = t
	}
	for _, rm := range m.Relationships {
		m.rels[rm.ClassID] = rm
	}
	return nil
}

// Class returns the descriptor for a class id
func (m *Map) Class(id domain.ClassID) (*ClassMap, bool) {
	if id < 1 || int(id) > len(m.Classes) {
		return nil, false
	}
	return m.Classes[id-1], true
}

// ClassByName returns the descriptor for a qualified class name
func (m *Map) ClassByName(name string) (*ClassMap, bool) {
	cm, ok := m.byName[strings.ToLower(strings.Replace(name, ":", ".", 1))]
	return cm, ok
}

// Table returns a table by name
func (m *Map) Table(name string) (*Table, bool) {
	t, ok := m.tables[strings.ToLower(name)]
	return t, ok
}

// Relationship returns the mapping of a relationship class
func (m *Map) Relationship(id domain.ClassID) (*RelationshipMapping, bool) {
	rm, ok := m.rels[id]
	return rm, ok
}

// ClassName returns the qualified name of a class id, or "" if unknown
func (m *Map) ClassName(id domain.ClassID) string {
	if cm, ok := m.Class(id); ok {
		return cm.Name
	}
	return ""
}

// IsA reports whether class id derives from (or is) base
func (m *Map) IsA(id, base domain.ClassID) bool {
	for cur := id; cur != 0; {
		if cur == base {
			return true
		}
		cm, ok := m.Class(cur)
		if !ok {
			return false
		}
		cur = cm.Base
	}
	return false
}

// Descendants returns base and every class deriving from it, by id
func (m *Map) Descendants(base domain.ClassID) []domain.ClassID {
	var out []domain.ClassID
	for _, cm := range m.Classes {
		if m.IsA(cm.ClassID, base) {
			out = append(out, cm.ClassID)
		}
	}
	return out
}

// ColumnRef addresses a physical column
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Lookup is the read-only view the query compiler consumes
type Lookup struct {
	ClassID          domain.ClassID
	Table            string
	Columns          map[string][]ColumnRef
	RelationshipKind RelationshipKind
}

// Lookup resolves classId -> (table, column-for-property, relationship kind)
func (m *Map) Lookup(id domain.ClassID) (Lookup, bool) {
	cm, ok := m.Class(id)
	if !ok {
		return Lookup{}, false
	}
	l := Lookup{ClassID: id, Table: cm.PrimaryTable, Columns: make(map[string][]ColumnRef, len(cm.Properties))}
	for _, pm := range cm.Properties {
		refs := make([]ColumnRef, 0, len(pm.Columns))
		for _, col := range pm.Columns {
			refs = append(refs, ColumnRef{Table: pm.Table, Column: col})
		}
		l.Columns[pm.Path] = refs
	}
	if rm, ok := m.Relationship(id); ok {
		l.RelationshipKind = rm.Kind
		l.Table = rm.OwnerTable()
	}
	return l, true
}

// Column returns the first column of a property path
func (m *Map) Column(id domain.ClassID, path string) (ColumnRef, bool) {
	cm, ok := m.Class(id)
	if !ok {
		return ColumnRef{}, false
	}
	pm, ok := cm.Property(path)
	if !ok || len(pm.Columns) == 0 {
		return ColumnRef{}, false
	}
	return ColumnRef{Table: pm.Table, Column: pm.Columns[0]}, true
}

// ClassesInTable returns the ids of mapped classes whose rows live in table
func (m *Map) ClassesInTable(table string) []domain.ClassID {
	var ids []domain.ClassID
	for _, cm := range m.Classes {
		for _, t := range cm.Tables {
			if strings.EqualFold(t, table) {
				ids = append(ids, cm.ClassID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
