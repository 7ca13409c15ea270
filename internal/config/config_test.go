package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	c, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Agent.MaxRetries)
	assert.Equal(t, 1, c.Agent.Concurrency)
	assert.Equal(t, "chromem", c.Retrieval.Backend)
	assert.Equal(t, "documents", c.Retrieval.OpenSearch.Index)
	assert.Equal(t, "text-embedding-3-large", c.Embeddings.Model)
	assert.Equal(t, time.Minute, c.RateLimit.Window)
	assert.Equal(t, 10, c.Policy.MaxRetriesCeiling)
	assert.False(t, c.TraceStore.Enabled)
	assert.Equal(t, "sqlite3", c.TraceStore.Driver)
}

func TestLoadRequiredMissingFileFails(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), true)
	assert.Error(t, err)
}

func TestLoadFileValues(t *testing.T) {
	p := writeFile(t, t.TempDir(), "ragagent.yaml", `
agent:
  max_retries: 4
  subtask_concurrency: 3
  chat_history_max_turns: 6
  default_model: gpt-4o-mini
retrieval:
  backend: opensearch
  opensearch:
    base_url: http://search:9200
    index: kb
trace_store:
  enabled: true
  driver: postgres
  host: db
policy:
  allowed_models: [gpt-4o-mini, gpt-4o]
streaming:
  retention: 30s
`)
	c, err := LoadFile(p, true)
	require.NoError(t, err)

	assert.Equal(t, 4, c.Agent.MaxRetries)
	assert.Equal(t, 3, c.Agent.Concurrency)
	assert.Equal(t, 6, c.Agent.ChatHistoryMaxTurns)
	assert.Equal(t, "opensearch", c.Retrieval.Backend)
	assert.Equal(t, "http://search:9200", c.Retrieval.OpenSearch.BaseURL)
	assert.Equal(t, "kb", c.Retrieval.OpenSearch.Index)
	assert.True(t, c.TraceStore.Enabled)
	assert.Equal(t, "db", c.TraceStore.Host)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, c.Policy.AllowedModels)
	assert.Equal(t, 30*time.Second, c.Streaming.Retention)

	specs := c.Agent.ModelSpecs()
	assert.Equal(t, "gpt-4o-mini", specs.Planner.ModelName)
	assert.Equal(t, "gpt-4o-mini", specs.FinalAnswer.ModelName)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RAGAGENT_AGENT_MAX_RETRIES", "5")
	t.Setenv("RAGAGENT_RETRIEVAL_BACKEND", "opensearch")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENSEARCH_URL", "http://os:9200")

	c, err := LoadFile("", false)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Agent.MaxRetries)
	assert.Equal(t, "opensearch", c.Retrieval.Backend)
	assert.Equal(t, "sk-test", c.LLM.APIKey)
	assert.Equal(t, "http://os:9200", c.Retrieval.OpenSearch.BaseURL)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"retries":     "agent:\n  max_retries: 11\n",
		"concurrency": "agent:\n  subtask_concurrency: 0\n",
		"backend":     "retrieval:\n  backend: faiss\n",
		"driver":      "trace_store:\n  enabled: true\n  driver: mysql\n",
		"auth":        "auth:\n  enabled: true\n",
		"rate limit":  "rate_limit:\n  enabled: true\n  requests: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "c.yaml", body)
			_, err := LoadFile(p, true)
			assert.Error(t, err)
		})
	}
}
