package policy

import "strings"

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// ParseMode maps a configured string to a Mode, defaulting to enforce.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOff:
		return ModeOff
	case ModeDryRun, "dryrun":
		return ModeDryRun
	default:
		return ModeEnforce
	}
}

// Config holds policy engine configuration
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Mode    string `mapstructure:"mode"`

	// Path to a directory of extra .rego files. Empty uses the built-in policy only.
	Path string `mapstructure:"path"`

	// FailClosed determines behavior when policies can't be loaded
	// true: deny all requests if policies fail to load
	// false: allow all requests if policies fail to load (fail-open)
	FailClosed bool `mapstructure:"fail_closed"`

	Environment string `mapstructure:"environment"`

	// Data exposed to rego as data.ragagent.config.
	AllowedModels     []string `mapstructure:"allowed_models"`
	MaxRetriesCeiling int      `mapstructure:"max_retries_ceiling"`
	EvaluationEnabled bool     `mapstructure:"evaluation_enabled"`

	CacheSize int `mapstructure:"cache_size"`
}

// DefaultConfig returns an enforcing engine with no model restrictions.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Mode:              string(ModeEnforce),
		Environment:       "dev",
		MaxRetriesCeiling: 10,
		EvaluationEnabled: true,
		CacheSize:         1000,
	}
}

func (c Config) data() map[string]interface{} {
	allowed := make([]interface{}, 0, len(c.AllowedModels))
	for _, m := range c.AllowedModels {
		allowed = append(allowed, m)
	}
	return map[string]interface{}{
		"ragagent": map[string]interface{}{
			"config": map[string]interface{}{
				"allowed_models":      allowed,
				"max_retries_ceiling": c.MaxRetriesCeiling,
				"evaluation_enabled":  c.EvaluationEnabled,
			},
		},
	}
}
