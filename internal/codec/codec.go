package codec

import (
	"io"
	"strings"

	"ecstore/internal/marshal"
)

// Batch is a set of instance (or relationship) records of one class
type Batch struct {
	Class     string           `json:"class" yaml:"class"`
	Instances []marshal.Record `json:"instances" yaml:"instances"`
}

// Importer interface for reading record batches from various formats
type Importer interface {
	Parse(r io.Reader) ([]Batch, error)
	Format() string
}

// Exporter interface for writing record batches to various formats
type Exporter interface {
	Export(batches []Batch, w io.Writer) error
	Format() string
}

// ForFormat returns the codec registered for a format name or file
// extension ("json", "yaml", "yml")
func ForFormat(format string, hexIDs bool) (Importer, Exporter, bool) {
	switch strings.ToLower(format) {
	case "json", ".json":
		c := &JSONCodec{HexIDs: hexIDs}
		return c, c, true
	case "yaml", "yml", ".yaml", ".yml":
		c := &YAMLCodec{HexIDs: hexIDs}
		return c, c, true
	}
	return nil, nil, false
}
