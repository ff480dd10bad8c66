package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPriceTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gpt-4o-mini:
  input_per_1m: 0.15
  output_per_1m: 0.60
text-embedding-3-small:
  input_per_1m: 0.02
  output_per_1m: 0
`), 0o644))

	table, err := LoadPriceTable(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"gpt-4o-mini", "text-embedding-3-small"}, table.Models())
	assert.InDelta(t, 0.15+0.60, table.Cost("gpt-4o-mini", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.01, table.Cost("text-embedding-3-small", 500_000, 0), 1e-9)
}

func TestLoadPriceTableMissingFile(t *testing.T) {
	table, err := LoadPriceTable(filepath.Join(t.TempDir(), "pricing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, table.Models())
	assert.Zero(t, table.Cost("anything", 1000, 1000))
}

func TestPriceTableCostUnknownModel(t *testing.T) {
	table := NewPriceTable(map[string]ModelPrice{})
	assert.Zero(t, table.Cost("gpt-4o-mini", 1_000_000, 1_000_000))
}
