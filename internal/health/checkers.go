package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/circuitbreaker"
)

const slowThreshold = 250 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client   redis.UniversalClient
	critical bool
	timeout  time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(client redis.UniversalClient, critical bool) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, critical: critical, timeout: 2 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "Redis ping failed"}
	}
	return latencyResult(time.Since(start), "Redis")
}

// PingFunc probes one dependency.
type PingFunc func(ctx context.Context) error

// DependencyChecker wraps a ping function and an optional circuit breaker.
// An open breaker reports unhealthy without calling ping.
type DependencyChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     PingFunc
	breaker  *circuitbreaker.CircuitBreaker
}

// NewDependencyChecker creates a checker for name.
func NewDependencyChecker(name string, critical bool, ping PingFunc, breaker *circuitbreaker.CircuitBreaker) *DependencyChecker {
	return &DependencyChecker{name: name, critical: critical, timeout: 3 * time.Second, ping: ping, breaker: breaker}
}

func (d *DependencyChecker) Name() string           { return d.name }
func (d *DependencyChecker) IsCritical() bool       { return d.critical }
func (d *DependencyChecker) Timeout() time.Duration { return d.timeout }

func (d *DependencyChecker) Check(ctx context.Context) CheckResult {
	if d.breaker != nil && d.breaker.State() == circuitbreaker.StateOpen {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: fmt.Sprintf("%s circuit breaker is open", d.name),
			Details: map[string]interface{}{"circuit_breaker_open": true},
		}
	}
	start := time.Now()
	if err := d.ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: d.name + " check failed"}
	}
	return latencyResult(time.Since(start), d.name)
}

// LLMServiceHealthChecker checks that the model provider is reachable.
// Any response below 500 counts as reachable.
type LLMServiceHealthChecker struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewLLMServiceHealthChecker creates an LLM service health checker
func NewLLMServiceHealthChecker(baseURL, apiKey string, logger *zap.Logger) *LLMServiceHealthChecker {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMServiceHealthChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (l *LLMServiceHealthChecker) Name() string           { return "llm_service" }
func (l *LLMServiceHealthChecker) IsCritical() bool       { return false }
func (l *LLMServiceHealthChecker) Timeout() time.Duration { return l.timeout }

func (l *LLMServiceHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/models", nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Debug("LLM health probe failed", zap.Error(err))
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "LLM service unreachable"}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("LLM service returned %d", resp.StatusCode),
			Details: map[string]interface{}{"status_code": resp.StatusCode},
		}
	}
	res := latencyResult(time.Since(start), "LLM service")
	res.Details["status_code"] = resp.StatusCode
	return res
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

func latencyResult(d time.Duration, what string) CheckResult {
	r := CheckResult{
		Status:  StatusHealthy,
		Message: what + " healthy",
		Details: map[string]interface{}{"latency_ms": d.Milliseconds()},
	}
	if d > slowThreshold {
		r.Status = StatusDegraded
		r.Message = what + " responding but with high latency"
	}
	return r
}
