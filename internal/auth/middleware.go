package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// Middleware provides authentication middleware for HTTP
type Middleware struct {
	jwtManager *JWTManager
	apiKeys    *APIKeys
	skipAuth   bool // For development/testing
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, apiKeys *APIKeys, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, apiKeys: apiKeys, skipAuth: skipAuth, logger: logger}
}

// DevUser is attached to every request when auth is disabled.
func DevUser() *UserContext {
	return &UserContext{
		Subject:   "dev",
		Role:      RoleAdmin,
		Scopes:    ScopesForRole(RoleAdmin),
		TokenType: "dev",
	}
}

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), DevUser())))
			return
		}

		userCtx, err := m.authenticate(r)
		if err != nil {
			m.logger.Debug("authentication failed",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			writeError(w, http.StatusUnauthorized, unauthorizedMessage(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*UserContext, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			return nil, err
		}
		if m.jwtManager == nil {
			return nil, errors.New("bearer tokens are not accepted")
		}
		return m.jwtManager.ValidateAccessToken(token)
	}

	apiKey := r.Header.Get("X-API-Key")
	// Browser's EventSource API cannot send custom headers
	if apiKey == "" && strings.Contains(r.URL.Path, "/stream/") {
		apiKey = r.URL.Query().Get("api_key")
	}
	if apiKey == "" {
		return nil, errMissingCredentials
	}
	if m.apiKeys == nil {
		return nil, errors.New("api keys are not accepted")
	}
	return m.apiKeys.Validate(apiKey)
}

var errMissingCredentials = errors.New("API key is required")

func unauthorizedMessage(err error) string {
	if errors.Is(err, errMissingCredentials) {
		return errMissingCredentials.Error()
	}
	return "Invalid credentials"
}

// RequireScopes rejects callers missing any of scopes with 403.
func RequireScopes(next http.Handler, scopes ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userCtx, err := GetUserContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		for _, s := range scopes {
			if !userCtx.HasScope(s) {
				writeError(w, http.StatusForbidden, "Missing scope: "+s)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser stores the caller in ctx.
func WithUser(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, u)
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok || userCtx == nil {
		return nil, ErrUnauthenticated
	}
	return userCtx, nil
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
