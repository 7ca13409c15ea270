package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.uber.org/zap"
)

//go:embed policies/*.rego
var builtinPolicies embed.FS

const decisionQuery = "data.ragagent.request.decision"

// ErrDenied is returned by Enforce when an enforcing policy rejects a request.
var ErrDenied = errors.New("request denied by policy")

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	IsEnabled() bool
	Mode() Mode
}

// Input describes the caller-controlled parts of a turn request.
type Input struct {
	Subject     string   `json:"subject"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	Environment string   `json:"environment"`

	// Models maps a stage name to the model the caller asked for.
	Models          map[string]string `json:"models"`
	PromptOverrides []string          `json:"prompt_overrides"`
	MaxRetries      int               `json:"max_retries"`
	IsRunRagas      bool              `json:"is_run_ragas"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
	// DryRun is set when a deny was downgraded to allow.
	DryRun bool `json:"dry_run,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config   Config
	mode     Mode
	logger   *zap.Logger
	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := ParseMode(config.Mode)
	engine := &OPAEngine{
		config:  config,
		mode:    mode,
		logger:  logger,
		enabled: config.Enabled && mode != ModeOff,
		cache:   newDecisionCache(config.CacheSize, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.mu.Lock()
			engine.enabled = false
			engine.mu.Unlock()
		}
	}

	return engine, nil
}

// LoadPolicies compiles the built-in policy plus any .rego files under Path.
func (e *OPAEngine) LoadPolicies() error {
	policies := make(map[string]string)

	err := fs.WalkDir(builtinPolicies, "policies", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := builtinPolicies.ReadFile(path)
		if err != nil {
			return err
		}
		policies["builtin/"+strings.TrimSuffix(filepath.Base(path), ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read built-in policies: %w", err)
	}

	if e.config.Path != "" {
		err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
			e.logger.Debug("Loaded policy file", zap.String("path", path))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to walk policy directory: %w", err)
		}
	}

	regoOptions := []func(*rego.Rego){
		rego.Query(decisionQuery),
		rego.Store(inmem.NewFromObject(e.config.data())),
	}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := policyVersion(policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.cache = newDecisionCache(e.config.CacheSize, 5*time.Minute)
	e.enabled = e.config.Enabled && e.mode != ModeOff
	e.mu.Unlock()
	policyCount.Set(float64(len(policies)))

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
		zap.String("version", version),
	)
	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	e.mu.RLock()
	enabled, compiled, version, cache := e.enabled, e.compiled, e.version, e.cache
	e.mu.RUnlock()
	if !enabled || compiled == nil {
		return &Decision{Allow: true, Reason: "policy engine disabled"}, nil
	}
	if input.Environment == "" {
		input.Environment = e.config.Environment
	}
	if input.PromptOverrides == nil {
		input.PromptOverrides = []string{}
	}

	key, err := cacheKey(input)
	if err != nil {
		RecordError("input_marshal")
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	if d, ok := cache.Get(key); ok {
		recordCache(true)
		return d, nil
	}
	recordCache(false)

	start := time.Now()
	inputMap, err := inputToMap(input)
	if err != nil {
		RecordError("input_marshal")
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		RecordError("evaluation")
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation failed"}, nil
		}
		return &Decision{Allow: true, Reason: "policy evaluation failed, failing open"}, nil
	}

	decision := parseResults(results)
	decision.PolicyVersion = version
	RecordEvaluation(decision.Allow, e.mode, time.Since(start).Seconds())

	if !decision.Allow && e.mode == ModeDryRun {
		policyDryRunDivergence.Inc()
		e.logger.Info("Policy would deny request (dry-run)",
			zap.String("subject", input.Subject),
			zap.String("reason", decision.Reason),
		)
		decision.Allow = true
		decision.DryRun = true
	}

	cache.Set(key, decision)
	return decision, nil
}

// Enforce evaluates input and returns ErrDenied wrapped with the reason on deny.
func Enforce(ctx context.Context, e Engine, input *Input) error {
	if e == nil || !e.IsEnabled() {
		return nil
	}
	d, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	if !d.Allow {
		return fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}
	return nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Version returns the hash of the compiled policy modules.
func (e *OPAEngine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.mode }

func inputToMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	h := md5.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte(policies[n]))
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func cacheKey(input *Input) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64()), nil
}

func (c *decisionCache) Get(key string) (*Decision, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(key string, d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
