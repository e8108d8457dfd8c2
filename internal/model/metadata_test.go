package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseMetadata() Metadata {
	return Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 3, 224, 224},
		OutputShape: []int64{1, 1000},
		ImageSize:   224,
	}
}

func TestMetadataLens(t *testing.T) {
	md := baseMetadata()
	require.NoError(t, md.Validate())
	assert.Equal(t, 150528, md.InputLen())
	assert.Equal(t, 1000, md.OutputLen())
}

func TestMetadataValidate(t *testing.T) {
	md := baseMetadata()
	md.OutputShape = []int64{1, 0}
	assert.Error(t, md.Validate())

	md = baseMetadata()
	md.InputName = ""
	assert.Error(t, md.Validate())

	md = baseMetadata()
	md.Classes = []string{"a", "b"}
	assert.Error(t, md.Validate())
}

func TestLoadMetadataMergesBase(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model_metadata.json")
	content := `{
  "input_name": "data",
  "input_shape": [1, 3, 48, 48],
  "output_shape": [1, 3],
  "classes": ["angry", "happy", "sad"],
  "image_size": 48
}`
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	md, err := LoadMetadata(p, baseMetadata())
	require.NoError(t, err)

	assert.Equal(t, "data", md.InputName)
	assert.Equal(t, "output", md.OutputName)
	assert.Equal(t, []int64{1, 3, 48, 48}, md.InputShape)
	assert.Equal(t, []string{"angry", "happy", "sad"}, md.Classes)
	assert.Equal(t, 48, md.ImageSize)
}

func TestLoadMetadataErrors(t *testing.T) {
	_, err := LoadMetadata(filepath.Join(t.TempDir(), "none.json"), baseMetadata())
	assert.Error(t, err)

	p := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(p, []byte("{"), 0o644))
	_, err = LoadMetadata(p, baseMetadata())
	assert.Error(t, err)
}
