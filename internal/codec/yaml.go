package codec

import (
	"errors"
	"fmt"
	"io"

	"ecstore/internal/marshal"

	"gopkg.in/yaml.v3"
)

// YAMLCodec handles YAML import/export
type YAMLCodec struct {
	HexIDs bool
}

// NewYAMLCodec creates a new YAML codec
func NewYAMLCodec() *YAMLCodec {
	return &YAMLCodec{HexIDs: true}
}

// Format returns the codec format identifier
func (c *YAMLCodec) Format() string {
	return "yaml"
}

// yamlBatch represents the YAML structure of one batch
type yamlBatch struct {
	Class     string           `yaml:"class"`
	Instances []map[string]any `yaml:"instances"`
}

// Parse reads a stream of batch documents separated by "---"
func (c *YAMLCodec) Parse(r io.Reader) ([]Batch, error) {
	decoder := yaml.NewDecoder(r)

	var batches []Batch
	for {
		var yb yamlBatch
		err := decoder.Decode(&yb)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if yb.Class == "" {
			return nil, fmt.Errorf("failed to parse YAML: batch %d has no class", len(batches)+1)
		}

		batch := Batch{Class: yb.Class, Instances: make([]marshal.Record, 0, len(yb.Instances))}
		for _, inst := range yb.Instances {
			batch.Instances = append(batch.Instances, marshal.Record(inst))
		}
		batches = append(batches, batch)
	}

	return batches, nil
}

// Export writes one YAML document per batch
func (c *YAMLCodec) Export(batches []Batch, w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	for _, pb := range plainBatches(batches, c.HexIDs) {
		yb := yamlBatch{Class: pb.Class, Instances: pb.Instances}
		if err := encoder.Encode(&yb); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
	}

	return nil
}
