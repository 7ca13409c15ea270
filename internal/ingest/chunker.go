// Package ingest splits source documents into token-bounded chunks and
// writes them to a retrieval backend.
package ingest

import (
	"strings"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/util"
)

// ChunkerConfig holds chunking configuration.
type ChunkerConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`    // tokens per chunk (default: 512)
	ChunkOverlap int `mapstructure:"chunk_overlap"` // token overlap between chunks (default: 50)
}

// Chunk is a slice of a document. Lines are zero-based and inclusive.
type Chunk struct {
	Text      string
	StartLine int
	EndLine   int
	Index     int
}

// Chunker splits text on line boundaries so each chunk stays under the
// configured token budget. Lines longer than the budget are cut by runes.
type Chunker struct {
	cfg   ChunkerConfig
	count func(string) int
}

// NewChunker creates a chunker that counts cl100k_base tokens.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 4
	}
	return &Chunker{cfg: cfg, count: util.CountTokens}
}

// CountTokens returns the token count of text.
func (c *Chunker) CountTokens(text string) int { return c.count(text) }

// ChunkText splits text into chunks. Blank input yields no chunks.
func (c *Chunker) ChunkText(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var (
		chunks  []Chunk
		cur     strings.Builder
		start   int
		tokens  int
		hasBody bool
	)
	emit := func(end int) {
		if hasBody && strings.TrimSpace(cur.String()) != "" {
			chunks = append(chunks, Chunk{Text: strings.TrimRight(cur.String(), "\n"), StartLine: start, EndLine: end, Index: len(chunks)})
		}
		cur.Reset()
		tokens = 0
		hasBody = false
	}

	for n, line := range lines {
		lineText := line + "\n"
		lineTokens := c.count(lineText)

		if lineTokens > c.cfg.ChunkSize {
			emit(n - 1)
			for _, piece := range c.splitLongLine(line) {
				chunks = append(chunks, Chunk{Text: piece, StartLine: n, EndLine: n, Index: len(chunks)})
			}
			start = n + 1
			continue
		}

		if tokens+lineTokens > c.cfg.ChunkSize && hasBody {
			emit(n - 1)
			if c.cfg.ChunkOverlap > 0 {
				overlap, from := c.overlap(lines, n, start)
				cur.WriteString(overlap)
				tokens = c.count(overlap)
				start = from
			} else {
				start = n
			}
		}
		if !hasBody && cur.Len() == 0 {
			start = n
		}
		cur.WriteString(lineText)
		tokens += lineTokens
		hasBody = true
	}
	emit(len(lines) - 1)
	return chunks
}

// overlap collects whole lines before line n, newest last, up to the
// overlap budget. It never reaches back past chunkStart.
func (c *Chunker) overlap(lines []string, n, chunkStart int) (string, int) {
	from := n
	tokens := 0
	for i := n - 1; i >= chunkStart; i-- {
		t := c.count(lines[i] + "\n")
		if tokens+t > c.cfg.ChunkOverlap {
			break
		}
		tokens += t
		from = i
	}
	if from == n {
		return "", n
	}
	return strings.Join(lines[from:n], "\n") + "\n", from
}

// splitLongLine cuts one line into rune windows of about ChunkSize tokens,
// assuming four runes per token.
func (c *Chunker) splitLongLine(line string) []string {
	runes := []rune(line)
	size := c.cfg.ChunkSize * 4
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
