package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

func wordCount(s string) int { return len(strings.Fields(s)) }

func newWordChunker(size, overlap int) *Chunker {
	c := NewChunker(ChunkerConfig{ChunkSize: size, ChunkOverlap: overlap})
	c.count = wordCount
	return c
}

func TestChunkTextRespectsBudget(t *testing.T) {
	c := newWordChunker(6, 0)
	text := "one two three\nfour five six\nseven eight nine\nten"

	chunks := c.ChunkText(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, "one two three\nfour five six", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartLine)
	assert.Equal(t, 1, chunks[0].EndLine)
	assert.Equal(t, "seven eight nine\nten", chunks[1].Text)
	assert.Equal(t, 2, chunks[1].StartLine)
	assert.Equal(t, 3, chunks[1].EndLine)
	assert.Equal(t, 1, chunks[1].Index)
}

func TestChunkTextOverlap(t *testing.T) {
	c := newWordChunker(6, 3)
	text := "a b c\nd e f\ng h i"

	chunks := c.ChunkText(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a b c\nd e f", chunks[0].Text)
	assert.Equal(t, "d e f\ng h i", chunks[1].Text)
	assert.Equal(t, 1, chunks[1].StartLine)
}

func TestChunkTextLongLine(t *testing.T) {
	c := newWordChunker(2, 0)
	long := strings.Repeat("x", 10) + " y z"
	chunks := c.ChunkText("short\n" + long)
	require.Len(t, chunks, 3)
	assert.Equal(t, "short", chunks[0].Text)
	assert.Equal(t, strings.Repeat("x", 8), chunks[1].Text)
	assert.Equal(t, 1, chunks[1].StartLine)
	assert.Equal(t, "xx y z", chunks[2].Text)
}

func TestChunkTextBlank(t *testing.T) {
	assert.Empty(t, newWordChunker(10, 2).ChunkText(" \n\n "))
}

func TestNewChunkerClampsOverlap(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 8, ChunkOverlap: 20})
	assert.Equal(t, 2, c.cfg.ChunkOverlap)
	assert.Equal(t, 512, NewChunker(ChunkerConfig{}).cfg.ChunkSize)
}

type recordingIndexer struct {
	batches [][]retrieval.Document
	err     error
}

func (r *recordingIndexer) Index(_ context.Context, docs []retrieval.Document) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, docs)
	return nil
}

func (r *recordingIndexer) Count(context.Context) (int, error) {
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIngesterRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "alpha beta\ngamma delta\nepsilon")
	writeFile(t, filepath.Join(dir, "nested", "b.txt"), "zeta eta theta")
	writeFile(t, filepath.Join(dir, "empty.md"), "\n")
	writeFile(t, filepath.Join(dir, "image.png"), "binary")
	writeFile(t, filepath.Join(dir, ".git", "c.md"), "hidden")

	idx := &recordingIndexer{}
	in := NewIngester(idx, Config{Chunker: ChunkerConfig{ChunkSize: 4}, BatchSize: 2}, zaptest.NewLogger(t))
	in.chunker.count = wordCount

	stats, err := in.Run(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 3, stats.Chunks)
	require.Len(t, idx.batches, 2)
	assert.Len(t, idx.batches[0], 2)

	first := idx.batches[0][0]
	assert.True(t, strings.HasSuffix(first.Source, "a.md"))
	assert.Equal(t, "alpha beta\ngamma delta", first.Text)
	assert.Equal(t, "0", first.Metadata["chunk_index"])
	assert.Equal(t, "2", first.Metadata["chunk_count"])
	assert.Equal(t, DocumentID(first.Source, 0), first.ID)
	assert.NotEqual(t, DocumentID(first.Source, 1), first.ID)
}

func TestIngesterExplicitFileAndErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.rst")
	writeFile(t, path, "one two")

	idx := &recordingIndexer{}
	in := NewIngester(idx, Config{}, zaptest.NewLogger(t))
	in.chunker.count = wordCount
	files, err := in.Collect([]string{path, path})
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)

	_, err = in.Collect([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)

	idx.err = errors.New("bulk rejected")
	_, err = in.Run(context.Background(), []string{path})
	assert.ErrorContains(t, err, "bulk rejected")
}
