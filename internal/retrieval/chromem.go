package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path enables on-disk persistence. Empty keeps the store in memory.
	Path       string  `mapstructure:"path"`
	Collection string  `mapstructure:"collection"`
	Compress   bool    `mapstructure:"compress"`
	// VectorWeight blends vector similarity with lexical overlap. 1 is
	// vector only.
	VectorWeight float64 `mapstructure:"vector_weight"`
	// CandidatePool is the multiplier over k for vector candidates that get
	// re-scored.
	CandidatePool int `mapstructure:"candidate_pool"`
}

// Chromem is an embedded hybrid store for local use and tests.
type Chromem struct {
	db   *chromem.DB
	col  *chromem.Collection
	cfg  ChromemConfig
	topK int
	emb  embeddings.Embedder
	log  *zap.Logger
	mu   sync.RWMutex
}

// NewChromem opens (or creates) the collection.
func NewChromem(cfg Config, embedder embeddings.Embedder, logger *zap.Logger) (*Chromem, error) {
	c := cfg.Chromem
	if c.Collection == "" {
		c.Collection = "documents"
	}
	if c.VectorWeight <= 0 || c.VectorWeight > 1 {
		c.VectorWeight = 0.7
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = 4
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	var (
		db  *chromem.DB
		err error
	)
	if c.Path != "" {
		db, err = chromem.NewPersistentDB(c.Path, c.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db at %s: %w", c.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(c.Collection, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", c.Collection, err)
	}
	return &Chromem{db: db, col: col, cfg: c, topK: topK, emb: embedder, log: logger}, nil
}

// Name implements Backend.
func (c *Chromem) Name() string { return "chromem" }

// Index implements Indexer. Documents are embedded in one batch.
func (c *Chromem) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vecs, err := c.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return &BackendError{Backend: c.Name(), Err: fmt.Errorf("embed documents: %w", err)}
	}
	cdocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		meta := make(map[string]string, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		if d.Source != "" {
			meta["source"] = d.Source
		}
		cdocs[i] = chromem.Document{ID: d.ID, Content: d.Text, Metadata: meta, Embedding: vecs[i]}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.col.AddDocuments(ctx, cdocs, 4); err != nil {
		return &BackendError{Backend: c.Name(), Err: err}
	}
	return nil
}

// Count implements Indexer.
func (c *Chromem) Count(_ context.Context) (int, error) {
	return c.col.Count(), nil
}

// Search implements Gateway. Vector candidates are re-scored with lexical
// term overlap so exact keyword hits rank above loose paraphrases.
func (c *Chromem) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = c.topK
	}
	ctx, span := tracing.StartSpan(ctx, "retrieval.chromem.search")
	start := time.Now()

	c.mu.RLock()
	n := k * c.cfg.CandidatePool
	if total := c.col.Count(); n > total {
		n = total
	}
	if n == 0 {
		c.mu.RUnlock()
		tracing.End(span, nil)
		metrics.RecordRetrievalMetrics(c.Name(), "success", time.Since(start).Seconds(), 0)
		return []Passage{}, nil
	}
	results, err := c.col.Query(ctx, query, n, nil, nil)
	c.mu.RUnlock()
	if err != nil {
		tracing.End(span, err)
		metrics.RecordRetrievalMetrics(c.Name(), "error", time.Since(start).Seconds(), 0)
		return nil, &BackendError{Backend: c.Name(), Err: err}
	}

	terms := tokenize(query)
	passages := make([]Passage, 0, len(results))
	for _, r := range results {
		score := c.cfg.VectorWeight*float64(r.Similarity) + (1-c.cfg.VectorWeight)*lexicalOverlap(terms, r.Content)
		passages = append(passages, Passage{ID: r.ID, Text: r.Content, Score: score, Source: r.Metadata["source"]})
	}
	sortPassages(passages)
	if len(passages) > k {
		passages = passages[:k]
	}

	tracing.End(span, nil)
	metrics.RecordRetrievalMetrics(c.Name(), "success", time.Since(start).Seconds(), len(passages))
	return passages, nil
}

// sortPassages orders by score descending, then ID, so equal scores rank
// the same way on every run.
func sortPassages(ps []Passage) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Score != ps[j].Score {
			return ps[i].Score > ps[j].Score
		}
		return ps[i].ID < ps[j].ID
	})
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(f)) > 1 {
			out[f] = struct{}{}
		}
	}
	return out
}

// lexicalOverlap is the fraction of query terms present in text.
func lexicalOverlap(terms map[string]struct{}, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	doc := tokenize(text)
	hit := 0
	for t := range terms {
		if _, ok := doc[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}
