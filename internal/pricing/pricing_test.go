package pricing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
)

func TestBuiltinCost(t *testing.T) {
	c := NewCatalog()

	tests := []struct {
		model       string
		input, outp int
		want        float64
	}{
		{"gpt-4o-2024-08-06", 1000, 1000, 0.0025 + 0.01},
		{"GPT-4o-mini", 2000, 0, 2 * 0.00015},
		{"text-embedding-3-large", 500, 500, 0.00013},
		{"gpt-4o", 0, 0, 0},
		{"gpt-4o", -10, 1000, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.Cost(tt.model, tt.input, tt.outp), 1e-12)
		})
	}
}

func TestUnknownModelFallsBack(t *testing.T) {
	c := NewCatalog()
	before := testutil.ToFloat64(metrics.PricingFallbacks.WithLabelValues("unknown_model"))
	assert.InDelta(t, fallbackPer1K, c.Cost("my-finetune", 600, 400), 1e-12)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PricingFallbacks.WithLabelValues("unknown_model")))

	beforeMissing := testutil.ToFloat64(metrics.PricingFallbacks.WithLabelValues("missing_model"))
	c.Cost("", 1, 1)
	assert.Equal(t, beforeMissing+1, testutil.ToFloat64(metrics.PricingFallbacks.WithLabelValues("missing_model")))
}

func TestReloadOverridesAndDefaults(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Reload([]byte(`
pricing:
  defaults:
    combined_per_1k: 0.01
  models:
    gpt-4o:
      combined_per_1k: 0.005
    local-llama:
      input_per_1k: 0.001
`)))

	assert.InDelta(t, 0.005, c.Cost("gpt-4o", 500, 500), 1e-12)
	// Only one side priced: the average is applied to all tokens.
	assert.InDelta(t, 0.0005, c.Cost("local-llama", 500, 500), 1e-12)
	assert.InDelta(t, 0.01, c.Cost("unlisted", 1000, 0), 1e-12)
	// Built-ins not named in the file survive.
	_, ok := c.Price("gpt-4o-mini")
	assert.True(t, ok)
}

func TestReloadRejectsInvalid(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Reload([]byte("pricing:\n  models:\n    m:\n      combined_per_1k: 1\n")))

	for name, doc := range map[string]string{
		"negative default": "pricing:\n  defaults:\n    combined_per_1k: -1\n",
		"negative model":   "pricing:\n  models:\n    m:\n      output_per_1k: -0.1\n",
		"unknown field":    "pricing:\n  model: {}\n",
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, c.Reload([]byte(doc)))
			p, ok := c.Price("m")
			require.True(t, ok)
			assert.Equal(t, 1.0, p.CombinedPer1K)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pricing:\n  models:\n    custom:\n      combined_per_1k: 0.5\n"), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.Cost("custom", 1000, 0), 1e-12)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "read pricing"))
}

func TestEmptyFileKeepsBuiltins(t *testing.T) {
	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, f.Pricing.Models)
}
