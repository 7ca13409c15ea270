package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

// OpenSearchConfig points at a cluster holding the hybrid index.
type OpenSearchConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Index       string `mapstructure:"index"`
	Pipeline    string `mapstructure:"pipeline"`
	TextField   string `mapstructure:"text_field"`
	VectorField string `mapstructure:"vector_field"`
	Dimensions  int    `mapstructure:"dimensions"`
}

// OpenSearch runs hybrid (BM25 + k-NN) queries. Score normalization and
// combination happen in the cluster's search pipeline.
type OpenSearch struct {
	cfg      OpenSearchConfig
	topK     int
	timeout  time.Duration
	httpw    *circuitbreaker.HTTPWrapper
	embedder embeddings.Embedder
	log      *zap.Logger
}

// NewOpenSearch creates a client. embedder produces the k-NN query vector.
func NewOpenSearch(cfg Config, embedder embeddings.Embedder, logger *zap.Logger) *OpenSearch {
	c := cfg.OpenSearch
	if c.Index == "" {
		c.Index = "documents"
	}
	if c.Pipeline == "" {
		c.Pipeline = "hybrid-search-pipeline"
	}
	if c.TextField == "" {
		c.TextField = "content"
	}
	if c.VectorField == "" {
		c.VectorField = "content_vector"
	}
	if c.Dimensions == 0 {
		c.Dimensions = 3072
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenSearch{
		cfg:      c,
		topK:     topK,
		timeout:  timeout,
		httpw:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "opensearch", "retrieval", logger),
		embedder: embedder,
		log:      logger,
	}
}

// Name implements Backend.
func (o *OpenSearch) Name() string { return "opensearch" }

type osHit struct {
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type osSearchResponse struct {
	Hits struct {
		Hits []osHit `json:"hits"`
	} `json:"hits"`
}

// Search implements Gateway.
func (o *OpenSearch) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = o.topK
	}
	start := time.Now()
	fail := func(status int, err error) error {
		metrics.RecordRetrievalMetrics(o.Name(), "error", time.Since(start).Seconds(), 0)
		return &BackendError{Backend: o.Name(), StatusCode: status, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fail(0, fmt.Errorf("embed query: %w", err))
	}

	body := map[string]any{
		"size":    k,
		"_source": map[string]any{"excludes": []string{o.cfg.VectorField}},
		"query": map[string]any{
			"hybrid": map[string]any{
				"queries": []any{
					map[string]any{"match": map[string]any{o.cfg.TextField: map[string]any{"query": query}}},
					map[string]any{"knn": map[string]any{o.cfg.VectorField: map[string]any{"vector": vec, "k": k}}},
				},
			},
		},
	}
	url := fmt.Sprintf("%s/%s/_search?search_pipeline=%s", o.cfg.BaseURL, o.cfg.Index, o.cfg.Pipeline)
	var out osSearchResponse
	status, err := o.do(ctx, http.MethodPost, url, "application/json", mustJSON(body), &out)
	if err != nil {
		return nil, fail(status, err)
	}

	passages := make([]Passage, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		var src map[string]any
		if err := json.Unmarshal(h.Source, &src); err != nil {
			return nil, fail(0, fmt.Errorf("decode hit %s: %w", h.ID, err))
		}
		text, _ := src[o.cfg.TextField].(string)
		source, _ := src["source"].(string)
		passages = append(passages, Passage{ID: h.ID, Text: text, Score: h.Score, Source: source})
	}
	sortPassages(passages)

	metrics.RecordRetrievalMetrics(o.Name(), "success", time.Since(start).Seconds(), len(passages))
	o.log.Debug("Hybrid search completed",
		zap.String("index", o.cfg.Index),
		zap.Int("hits", len(passages)),
		zap.Duration("latency", time.Since(start)),
	)
	return passages, nil
}

// EnsureIndex creates the index with text and k-NN vector mappings when missing.
func (o *OpenSearch) EnsureIndex(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", o.cfg.BaseURL, o.cfg.Index)
	status, err := o.do(ctx, http.MethodHead, url, "", nil, nil)
	if err == nil {
		return nil
	}
	if status != http.StatusNotFound {
		return &BackendError{Backend: o.Name(), StatusCode: status, Err: err}
	}
	mapping := map[string]any{
		"settings": map[string]any{"index": map[string]any{"knn": true}},
		"mappings": map[string]any{
			"properties": map[string]any{
				o.cfg.TextField: map[string]any{"type": "text"},
				"source":        map[string]any{"type": "keyword"},
				o.cfg.VectorField: map[string]any{
					"type":      "knn_vector",
					"dimension": o.cfg.Dimensions,
					"method":    map[string]any{"name": "hnsw", "space_type": "cosinesimil", "engine": "lucene"},
				},
			},
		},
	}
	if status, err := o.do(ctx, http.MethodPut, url, "application/json", mustJSON(mapping), nil); err != nil {
		return &BackendError{Backend: o.Name(), StatusCode: status, Err: err}
	}
	o.log.Info("Created search index", zap.String("index", o.cfg.Index), zap.Int("dimensions", o.cfg.Dimensions))
	return nil
}

// Index embeds docs and writes them with the bulk API.
func (o *OpenSearch) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vecs, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return &BackendError{Backend: o.Name(), Err: fmt.Errorf("embed documents: %w", err)}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, d := range docs {
		_ = enc.Encode(map[string]any{"index": map[string]any{"_index": o.cfg.Index, "_id": d.ID}})
		src := map[string]any{o.cfg.TextField: d.Text, o.cfg.VectorField: vecs[i], "source": d.Source}
		for k, v := range d.Metadata {
			if _, taken := src[k]; !taken {
				src[k] = v
			}
		}
		_ = enc.Encode(src)
	}

	var resp struct {
		Errors bool `json:"errors"`
	}
	url := fmt.Sprintf("%s/_bulk?refresh=true", o.cfg.BaseURL)
	status, err := o.do(ctx, http.MethodPost, url, "application/x-ndjson", buf.Bytes(), &resp)
	if err != nil {
		return &BackendError{Backend: o.Name(), StatusCode: status, Err: err}
	}
	if resp.Errors {
		return &BackendError{Backend: o.Name(), Err: errors.New("bulk request reported item errors")}
	}
	return nil
}

// Count implements Indexer.
func (o *OpenSearch) Count(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	url := fmt.Sprintf("%s/%s/_count", o.cfg.BaseURL, o.cfg.Index)
	if status, err := o.do(ctx, http.MethodGet, url, "", nil, &resp); err != nil {
		return 0, &BackendError{Backend: o.Name(), StatusCode: status, Err: err}
	}
	return resp.Count, nil
}

// Ping checks cluster health.
func (o *OpenSearch) Ping(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if status, err := o.do(ctx, http.MethodGet, o.cfg.BaseURL+"/_cluster/health", "", nil, &resp); err != nil {
		return &BackendError{Backend: o.Name(), StatusCode: status, Err: err}
	}
	if resp.Status == "red" {
		return &BackendError{Backend: o.Name(), Err: errors.New("cluster status red")}
	}
	return nil
}

func (o *OpenSearch) do(ctx context.Context, method, url, contentType string, body []byte, out any) (int, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if o.cfg.Username != "" {
		req.SetBasicAuth(o.cfg.Username, o.cfg.Password)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := o.httpw.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
