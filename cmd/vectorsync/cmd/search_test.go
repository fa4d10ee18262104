package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVector(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []float32
		wantErr bool
	}{
		{"plain", "1,0,0.5", []float32{1, 0, 0.5}, false},
		{"spaces", " 1, 2 ,3 ", []float32{1, 2, 3}, false},
		{"brackets", "[0.25,-1]", []float32{0.25, -1}, false},
		{"single", "7", []float32{7}, false},
		{"empty", "", nil, true},
		{"empty brackets", "[]", nil, true},
		{"not a number", "1,x,3", nil, true},
		{"trailing comma", "1,2,", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVector(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilter(t *testing.T) {
	got, err := parseFilter([]string{"lang=en", "author=a=b", "lang=fr"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lang": "fr", "author": "a=b"}, got)

	got, err = parseFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseFilter([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseFilter([]string{"=x"})
	assert.Error(t, err)
}

func TestSearchOptions_Params(t *testing.T) {
	// Given: options without a lag bound
	opts := &searchOptions{vector: "1,0", k: 3, maxLag: -1, timeout: time.Second}

	// When: building the request
	p, err := opts.params("docs")

	// Then: no consistency wait is requested
	require.NoError(t, err)
	assert.Equal(t, "docs", p.Index)
	assert.Equal(t, 3, p.K)
	assert.Nil(t, p.MaxLag)
	assert.Zero(t, p.TimeoutMS)

	// When: a lag bound is given
	opts.maxLag = 0
	p, err = opts.params("docs")

	// Then: it is carried with the timeout
	require.NoError(t, err)
	require.NotNil(t, p.MaxLag)
	assert.Equal(t, uint64(0), *p.MaxLag)
	assert.Equal(t, 1000, p.TimeoutMS)

	opts.k = 0
	_, err = opts.params("docs")
	assert.Error(t, err)
}
