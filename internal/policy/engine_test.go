package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newEngine(t *testing.T, mutate func(*Config)) *OPAEngine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestDefaultPolicyAllows(t *testing.T) {
	e := newEngine(t, nil)
	require.True(t, e.IsEnabled())

	d, err := e.Evaluate(context.Background(), &Input{
		Subject:    "dev",
		Models:     map[string]string{"planner": "gpt-4o"},
		MaxRetries: 2,
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.NotEmpty(t, d.PolicyVersion)
}

func TestModelAllowlist(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.AllowedModels = []string{"gpt-4o", "gpt-4o-mini"} })

	d, err := e.Evaluate(context.Background(), &Input{Models: map[string]string{"planner": "gpt-4o-mini"}})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = e.Evaluate(context.Background(), &Input{Models: map[string]string{"final_answer": "o1-pro"}})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, `model "o1-pro" is not allowed for final_answer`)
}

func TestPromptOverridesNeedScope(t *testing.T) {
	e := newEngine(t, nil)

	d, err := e.Evaluate(context.Background(), &Input{PromptOverrides: []string{"planner_system"}, Scopes: []string{"agent:execute"}})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "prompts:tune")

	d, err = e.Evaluate(context.Background(), &Input{PromptOverrides: []string{"planner_system"}, Scopes: []string{"prompts:tune"}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestRetriesCeilingAndEvaluationToggle(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.MaxRetriesCeiling = 3
		c.EvaluationEnabled = false
	})

	d, err := e.Evaluate(context.Background(), &Input{MaxRetries: 5, IsRunRagas: true})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "evaluation is disabled; max_retries 5 exceeds ceiling 3", d.Reason)
}

func TestDryRunDowngradesDeny(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Mode = "dry-run"
		c.AllowedModels = []string{"gpt-4o"}
	})
	d, err := e.Evaluate(context.Background(), &Input{Models: map[string]string{"planner": "other"}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.True(t, d.DryRun)
}

func TestEnforce(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.AllowedModels = []string{"gpt-4o"} })
	err := Enforce(context.Background(), e, &Input{Models: map[string]string{"planner": "other"}})
	assert.ErrorIs(t, err, ErrDenied)
	assert.NoError(t, Enforce(context.Background(), e, &Input{Models: map[string]string{"planner": "gpt-4o"}}))
	assert.NoError(t, Enforce(context.Background(), nil, &Input{}))
}

func TestOffModeAllowsEverything(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Mode = "off"
		c.AllowedModels = []string{"gpt-4o"}
	})
	assert.False(t, e.IsEnabled())
	d, err := e.Evaluate(context.Background(), &Input{Models: map[string]string{"planner": "other"}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestExtraPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	extra := `package ragagent.request

import rego.v1

denials contains "weekend freeze" if {
	input.environment == "frozen"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(extra), 0o644))

	e := newEngine(t, func(c *Config) {
		c.Path = dir
		c.Environment = "frozen"
	})
	d, err := e.Evaluate(context.Background(), &Input{})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "weekend freeze", d.Reason)
}

func TestBrokenPolicyFailOpenAndClosed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.rego"), []byte("package x\nthis is not rego"), 0o644))

	e := newEngine(t, func(c *Config) { c.Path = dir })
	assert.False(t, e.IsEnabled())

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.FailClosed = true
	_, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestDecisionCache(t *testing.T) {
	c := newDecisionCache(2, time.Minute)
	c.Set("a", &Decision{Allow: true})
	c.Set("b", &Decision{Allow: false})
	c.Set("c", &Decision{Allow: true})

	_, ok := c.Get("a")
	assert.False(t, ok, "LRU entry evicted")
	d, ok := c.Get("b")
	require.True(t, ok)
	assert.False(t, d.Allow)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeOff, ParseMode("OFF"))
	assert.Equal(t, ModeDryRun, ParseMode("dry-run"))
	assert.Equal(t, ModeEnforce, ParseMode(""))
}
