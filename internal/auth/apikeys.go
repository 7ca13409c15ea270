package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix starts every key. A key reads "rak_<id>_<secret>".
const APIKeyPrefix = "rak_"

// APIKeys validates keys against configured bcrypt hashes.
type APIKeys struct {
	byID map[string]APIKeyConfig
}

// NewAPIKeys indexes the configured keys by id.
func NewAPIKeys(keys []APIKeyConfig) (*APIKeys, error) {
	byID := make(map[string]APIKeyConfig, len(keys))
	for _, k := range keys {
		if k.ID == "" || k.Hash == "" {
			return nil, fmt.Errorf("api key entry needs id and hash")
		}
		if strings.Contains(k.ID, "_") {
			return nil, fmt.Errorf("api key id %q must not contain '_'", k.ID)
		}
		if _, dup := byID[k.ID]; dup {
			return nil, fmt.Errorf("duplicate api key id %q", k.ID)
		}
		if k.Role == "" {
			k.Role = RoleUser
		}
		byID[k.ID] = k
	}
	return &APIKeys{byID: byID}, nil
}

// Validate checks key and returns the caller it belongs to.
func (a *APIKeys) Validate(key string) (*UserContext, error) {
	id, secret, ok := splitKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: malformed api key", ErrUnauthenticated)
	}
	cfg, found := a.byID[id]
	if !found {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Hash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("%w: invalid api key", ErrUnauthenticated)
	}
	return &UserContext{Subject: "apikey:" + id, Role: cfg.Role, Scopes: ScopesForRole(cfg.Role), TokenType: "api_key"}, nil
}

func splitKey(key string) (id, secret string, ok bool) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", "", false
	}
	id, secret, ok = strings.Cut(strings.TrimPrefix(key, APIKeyPrefix), "_")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// GenerateAPIKey creates a new key for id and the bcrypt hash to configure.
func GenerateAPIKey(id string) (key, hash string, err error) {
	if id == "" || strings.Contains(id, "_") {
		return "", "", fmt.Errorf("invalid api key id %q", id)
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return APIKeyPrefix + id + "_" + secret, string(h), nil
}
