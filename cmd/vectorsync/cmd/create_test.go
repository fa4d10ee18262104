package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/model"
)

func TestCreateOptions_DefinitionFromFlags(t *testing.T) {
	// Given: a definition given entirely by flags
	opts := &createOptions{
		table:        "articles",
		keyColumns:   []string{"tenant", "id"},
		vectorColumn: "embedding",
		metadata:     []string{"lang"},
		dimension:    3,
		metric:       "DOT",
		efSearch:     32,
	}

	// When: building the definition
	def, err := opts.definition("articles")

	// Then: flags are applied and defaults filled
	require.NoError(t, err)
	assert.Equal(t, "articles", def.Name)
	assert.Equal(t, []string{"tenant", "id"}, def.KeyColumns)
	assert.Equal(t, model.Metric("dot"), def.Metric)
	assert.Equal(t, 32, def.Params.ExpansionSearch)
	assert.Positive(t, def.Params.Connectivity)
	assert.Positive(t, def.Params.ExpansionAdd)
}

func TestCreateOptions_DefinitionFromFile(t *testing.T) {
	// Given: a YAML definition file and a flag overriding the dimension
	path := filepath.Join(t.TempDir(), "docs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: docs
table: documents
key_columns: [id]
vector_column: embedding
metadata_columns: [lang, author]
dimension: 8
metric: euclidean
`), 0o600))
	opts := &createOptions{file: path, dimension: 16}

	// When: building the definition without a name argument
	def, err := opts.definition("")

	// Then: the file supplies the fields and the flag wins
	require.NoError(t, err)
	assert.Equal(t, "docs", def.Name)
	assert.Equal(t, "documents", def.Table)
	assert.Equal(t, []string{"lang", "author"}, def.MetadataColumns)
	assert.Equal(t, 16, def.Dimension)
	assert.Equal(t, model.MetricEuclidean, def.Metric)
}

func TestCreateOptions_DefinitionFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"docs","table":"t","key_columns":["id"],"vector_column":"v","dimension":2}`), 0o600))

	def, err := (&createOptions{file: path}).definition("")

	require.NoError(t, err)
	assert.Equal(t, "docs", def.Name)
	assert.Equal(t, 2, def.Dimension)
}

func TestCreateOptions_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		opts createOptions
		arg  string
	}{
		{"missing table", createOptions{keyColumns: []string{"id"}, vectorColumn: "v", dimension: 2}, "x"},
		{"missing dimension", createOptions{table: "t", keyColumns: []string{"id"}, vectorColumn: "v"}, "x"},
		{"bad metric", createOptions{table: "t", keyColumns: []string{"id"}, vectorColumn: "v", dimension: 2, metric: "manhattan"}, "x"},
		{"missing file", createOptions{file: "/nonexistent/def.yaml"}, "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.definition(tt.arg)
			assert.Error(t, err)
		})
	}
}
