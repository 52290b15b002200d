package codec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecstore/internal/domain"
	"ecstore/internal/marshal"
)

func TestJSONCodecParse(t *testing.T) {
	c := NewJSONCodec()

	t.Run("single batch", func(t *testing.T) {
		batches, err := c.Parse(strings.NewReader(`{"class":"ts.Widget","instances":[{"id":"0x1","Name":"gear","Count":9007199254740993}]}`))
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Equal(t, "ts.Widget", batches[0].Class)
		require.Len(t, batches[0].Instances, 1)
		assert.Equal(t, json.Number("9007199254740993"), batches[0].Instances[0]["Count"])
	})

	t.Run("array of batches", func(t *testing.T) {
		batches, err := c.Parse(strings.NewReader(`[{"class":"ts.A","instances":[]},{"class":"ts.B","instances":[{}]}]`))
		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Equal(t, "ts.B", batches[1].Class)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := c.Parse(strings.NewReader(`{"class":`))
		assert.Error(t, err)
	})
}

func TestJSONCodecExport(t *testing.T) {
	var buf bytes.Buffer
	err := NewJSONCodec().Export([]Batch{{
		Class: "ts.Widget",
		Instances: []marshal.Record{{
			marshal.KeyID: domain.InstanceID(31),
			"Owner":       marshal.Navigation{ID: 2, Class: "ts.Owner"},
			"Pos":         marshal.Point2d{X: 1, Y: 2},
		}},
	}}, &buf)
	require.NoError(t, err)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	inst := out[0]["instances"].([]any)[0].(map[string]any)
	assert.Equal(t, "0x1f", inst["id"])
	assert.Equal(t, map[string]any{"id": "0x2", "className": "ts.Owner"}, inst["Owner"])
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, inst["Pos"])
}

func TestYAMLCodecRoundTrip(t *testing.T) {
	src := `class: ts.Widget
instances:
  - Name: gear
    Addr:
      Street: Main
---
class: ts.Owner
instances:
  - Name: ann
`
	c := NewYAMLCodec()
	batches, err := c.Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "gear", batches[0].Instances[0]["Name"])
	assert.Equal(t, map[string]any{"Street": "Main"}, batches[0].Instances[0]["Addr"])

	var buf bytes.Buffer
	require.NoError(t, c.Export(batches, &buf))
	again, err := c.Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, batches, again)
}

func TestYAMLCodecRequiresClass(t *testing.T) {
	_, err := NewYAMLCodec().Parse(strings.NewReader("instances: []\n"))
	assert.Error(t, err)
}

func TestForFormat(t *testing.T) {
	imp, exp, ok := ForFormat(".YML", false)
	require.True(t, ok)
	assert.Equal(t, "yaml", imp.Format())
	assert.Equal(t, "yaml", exp.Format())
	assert.False(t, exp.(*YAMLCodec).HexIDs)

	_, _, ok = ForFormat("csv", true)
	assert.False(t, ok)
}
