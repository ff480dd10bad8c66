package config

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPrice holds USD prices per one million tokens.
type ModelPrice struct {
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// PriceTable maps model ids to their token prices. Lookups are
// concurrency-safe; the table may be reloaded while requests are in
// flight, and callers freeze the computed cost into their own records at
// recording time.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// LoadPriceTable reads a YAML file shaped {model_id: {input_per_1m, output_per_1m}}.
// A missing file yields an empty table: unknown models cost 0 and are
// logged by the accountant, not treated as errors.
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PriceTable{prices: map[string]ModelPrice{}}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	prices := map[string]ModelPrice{}
	if err := yaml.Unmarshal(ExpandEnv(data), &prices); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}
	return &PriceTable{prices: prices}, nil
}

// NewPriceTable builds a table from an in-memory map, mainly for tests.
func NewPriceTable(prices map[string]ModelPrice) *PriceTable {
	copied := make(map[string]ModelPrice, len(prices))
	for k, v := range prices {
		copied[k] = v
	}
	return &PriceTable{prices: copied}
}

// Cost computes the USD cost of a call at current prices. Unknown models
// cost 0.
func (t *PriceTable) Cost(modelID string, inputTokens, outputTokens int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	price, ok := t.prices[modelID]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*price.InputPer1M +
		float64(outputTokens)/1_000_000*price.OutputPer1M
}

// Set replaces the price for one model.
func (t *PriceTable) Set(modelID string, price ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[modelID] = price
}

// Models returns the priced model ids, sorted.
func (t *PriceTable) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.prices))
	for id := range t.prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
