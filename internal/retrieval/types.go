package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Passage is one scored search hit. Higher scores are more relevant; the
// scale depends on the backend.
type Passage struct {
	ID     string  `json:"id,omitempty"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// Document is a chunk to be indexed.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Gateway searches the corpus. An empty result with a nil error means no
// evidence was found; it is not a failure.
type Gateway interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// Indexer writes documents into a backend.
type Indexer interface {
	Index(ctx context.Context, docs []Document) error
	Count(ctx context.Context) (int, error)
}

// Backend is a searchable, writable store.
type Backend interface {
	Gateway
	Indexer
	Name() string
}

// ErrBackend marks search backend failures.
var ErrBackend = errors.New("retrieval backend error")

// BackendError carries backend failure details. It matches ErrBackend.
type BackendError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is reports ErrBackend.
func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// Config selects and tunes the backend.
type Config struct {
	Backend    string           `mapstructure:"backend"` // opensearch | chromem
	TopK       int              `mapstructure:"top_k"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Chromem    ChromemConfig    `mapstructure:"chromem"`
}
