// Package pricing estimates the dollar cost of model calls from token usage.
package pricing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
)

// ModelPrice is the USD price per 1K tokens of one model.
type ModelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

// File is the layout of a pricing YAML file:
//
//	pricing:
//	  defaults:
//	    combined_per_1k: 0.002
//	  models:
//	    gpt-4o-2024-08-06:
//	      input_per_1k: 0.0025
//	      output_per_1k: 0.01
type File struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]ModelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// fallbackPer1K applies when neither the model nor a default is configured.
const fallbackPer1K = 0.002

// builtin covers the models the service uses out of the box.
var builtin = map[string]ModelPrice{
	"gpt-4o-2024-08-06":      {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o":                 {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":            {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":                {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":           {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"text-embedding-3-large": {CombinedPer1K: 0.00013},
	"text-embedding-3-small": {CombinedPer1K: 0.00002},
}

// Catalog holds model prices. It is safe for concurrent use and can be
// reloaded at runtime.
type Catalog struct {
	mu          sync.RWMutex
	models      map[string]ModelPrice
	defaultPer1 float64
}

// NewCatalog returns a catalog with the built-in prices.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.set(&File{})
	return c
}

// LoadFile builds a catalog from path. Entries in the file replace the
// built-in price of the same model.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing %s: %w", path, err)
	}
	c := NewCatalog()
	if err := c.Reload(data); err != nil {
		return nil, fmt.Errorf("pricing %s: %w", path, err)
	}
	return c, nil
}

// Reload replaces the configured prices with data. The catalog is left
// unchanged when data does not validate.
func (c *Catalog) Reload(data []byte) error {
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.set(f)
	return nil
}

// Parse decodes and validates a pricing file.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	if f.Pricing.Defaults.CombinedPer1K < 0 {
		return nil, errors.New("pricing.defaults.combined_per_1k must be >= 0")
	}
	for name, m := range f.Pricing.Models {
		if m.InputPer1K < 0 || m.OutputPer1K < 0 || m.CombinedPer1K < 0 {
			return nil, fmt.Errorf("negative price for model %s", name)
		}
	}
	return &f, nil
}

func (c *Catalog) set(f *File) {
	models := make(map[string]ModelPrice, len(builtin)+len(f.Pricing.Models))
	for k, v := range builtin {
		models[k] = v
	}
	for k, v := range f.Pricing.Models {
		models[strings.ToLower(k)] = v
	}
	def := f.Pricing.Defaults.CombinedPer1K
	if def <= 0 {
		def = fallbackPer1K
	}
	c.mu.Lock()
	c.models = models
	c.defaultPer1 = def
	c.mu.Unlock()
}

// Price returns the configured price of model.
func (c *Catalog) Price(model string) (ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.models[strings.ToLower(model)]
	return p, ok
}

// Cost computes the USD cost of one call. Separate input and output prices
// are used when both are known, otherwise the combined price, otherwise the
// default rate.
func (c *Catalog) Cost(model string, inputTokens, outputTokens int) float64 {
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)
	total := float64(inputTokens + outputTokens)

	if p, ok := c.Price(model); ok {
		switch {
		case p.InputPer1K > 0 && p.OutputPer1K > 0:
			return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
		case p.CombinedPer1K > 0:
			return total / 1000 * p.CombinedPer1K
		case p.InputPer1K > 0 || p.OutputPer1K > 0:
			return total / 1000 * (p.InputPer1K + p.OutputPer1K) / 2
		}
	}

	reason := "unknown_model"
	if model == "" {
		reason = "missing_model"
	}
	metrics.PricingFallbacks.WithLabelValues(reason).Inc()

	c.mu.RLock()
	def := c.defaultPer1
	c.mu.RUnlock()
	return total / 1000 * def
}
