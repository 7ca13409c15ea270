package auth

import "errors"

// Roles.
const (
	RoleAdmin = "admin"
	RoleTuner = "tuner"
	RoleUser  = "user"
)

// Scopes.
const (
	ScopeAgentExecute = "agent:execute"
	ScopePromptsTune  = "prompts:tune"
	ScopeTracesRead   = "traces:read"
	ScopeStreamRead   = "stream:read"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// UserContext is the authenticated caller.
type UserContext struct {
	Subject   string   `json:"subject"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"` // jwt | api_key | dev
}

// HasScope reports whether the caller holds scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopesForRole returns the default scopes of a role.
func ScopesForRole(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{ScopeAgentExecute, ScopePromptsTune, ScopeTracesRead, ScopeStreamRead}
	case RoleTuner:
		return []string{ScopeAgentExecute, ScopePromptsTune, ScopeTracesRead, ScopeStreamRead}
	default:
		return []string{ScopeAgentExecute, ScopeStreamRead}
	}
}

// Config configures authentication.
type Config struct {
	Enabled   bool           `mapstructure:"enabled"`
	JWTSecret string         `mapstructure:"jwt_secret"`
	Issuer    string         `mapstructure:"issuer"`
	APIKeys   []APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig is one configured key. Hash is the bcrypt hash of the
// secret part of the key.
type APIKeyConfig struct {
	ID   string `mapstructure:"id"`
	Hash string `mapstructure:"hash"`
	Role string `mapstructure:"role"`
}
