package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"ecstore/internal/marshal"
)

// JSONCodec handles JSON import/export
type JSONCodec struct {
	// HexIDs renders exported ids as "0x.." strings instead of numbers
	HexIDs bool
}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{HexIDs: true}
}

// Format returns the codec format identifier
func (c *JSONCodec) Format() string {
	return "json"
}

// Parse reads either a single batch object or an array of batches. Numbers
// are kept as json.Number so 64-bit ids survive.
func (c *JSONCodec) Parse(r io.Reader) ([]Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batches []Batch
		if err := decoder.Decode(&batches); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		return batches, nil
	}

	var batch Batch
	if err := decoder.Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return []Batch{batch}, nil
}

// Export writes the batches as a JSON array
func (c *JSONCodec) Export(batches []Batch, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(plainBatches(batches, c.HexIDs)); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

// plainBatch is the export shape: records rendered with marshal.Plain
type plainBatch struct {
	Class     string           `json:"class" yaml:"class"`
	Instances []map[string]any `json:"instances" yaml:"instances"`
}

func plainBatches(batches []Batch, hexIDs bool) []plainBatch {
	out := make([]plainBatch, 0, len(batches))
	for _, b := range batches {
		pb := plainBatch{Class: b.Class, Instances: make([]map[string]any, 0, len(b.Instances))}
		for _, rec := range b.Instances {
			pb.Instances = append(pb.Instances, marshal.Plain(rec, hexIDs))
		}
		out = append(out, pb)
	}
	return out
}
