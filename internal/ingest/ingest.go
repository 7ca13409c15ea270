package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

// DefaultExtensions are the file types picked up when walking directories.
var DefaultExtensions = []string{".md", ".markdown", ".txt"}

// Config tunes an ingestion run.
type Config struct {
	Chunker    ChunkerConfig
	BatchSize  int
	Extensions []string
}

// Stats summarizes an ingestion run.
type Stats struct {
	Files    int
	Chunks   int
	Skipped  int
	Duration time.Duration
}

// Ingester turns files into documents and indexes them in batches.
type Ingester struct {
	indexer retrieval.Indexer
	chunker *Chunker
	cfg     Config
	logger  *zap.Logger
}

// NewIngester creates an ingester writing to indexer.
func NewIngester(indexer retrieval.Indexer, cfg Config, logger *zap.Logger) *Ingester {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	return &Ingester{indexer: indexer, chunker: NewChunker(cfg.Chunker), cfg: cfg, logger: logger}
}

// Collect expands paths into a sorted list of files with a known extension.
// Files named explicitly are kept whatever their extension.
func (in *Ingester) Collect(paths []string) ([]string, error) {
	seen := map[string]struct{}{}
	var files []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if in.wanted(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (in *Ingester) wanted(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range in.cfg.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Documents chunks one file's content. IDs are stable for the same source
// and chunk position, so re-ingesting a file overwrites its chunks.
func (in *Ingester) Documents(source, content string) []retrieval.Document {
	chunks := in.chunker.ChunkText(content)
	docs := make([]retrieval.Document, 0, len(chunks))
	for _, ch := range chunks {
		docs = append(docs, retrieval.Document{
			ID:     DocumentID(source, ch.Index),
			Text:   ch.Text,
			Source: source,
			Metadata: map[string]string{
				"chunk_index": strconv.Itoa(ch.Index),
				"chunk_count": strconv.Itoa(len(chunks)),
				"start_line":  strconv.Itoa(ch.StartLine),
				"end_line":    strconv.Itoa(ch.EndLine),
			},
		})
	}
	return docs
}

// DocumentID derives a chunk ID from its source and position.
func DocumentID(source string, index int) string {
	sum := sha256.Sum256([]byte(source + "#" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:16])
}

// Run ingests every file under paths.
func (in *Ingester) Run(ctx context.Context, paths []string) (Stats, error) {
	start := time.Now()
	var stats Stats

	files, err := in.Collect(paths)
	if err != nil {
		return stats, err
	}

	batch := make([]retrieval.Document, 0, in.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.indexer.Index(ctx, batch); err != nil {
			return fmt.Errorf("index batch: %w", err)
		}
		stats.Chunks += len(batch)
		batch = make([]retrieval.Document, 0, in.cfg.BatchSize)
		return nil
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		raw, err := os.ReadFile(f)
		if err != nil {
			return stats, fmt.Errorf("read %s: %w", f, err)
		}
		docs := in.Documents(filepath.ToSlash(f), string(raw))
		if len(docs) == 0 {
			stats.Skipped++
			in.logger.Debug("Skipping empty file", zap.String("file", f))
			continue
		}
		stats.Files++
		for _, d := range docs {
			batch = append(batch, d)
			if len(batch) >= in.cfg.BatchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
		in.logger.Debug("File chunked", zap.String("file", f), zap.Int("chunks", len(docs)))
	}
	if err := flush(); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	in.logger.Info("Ingestion completed",
		zap.Int("files", stats.Files),
		zap.Int("chunks", stats.Chunks),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}
