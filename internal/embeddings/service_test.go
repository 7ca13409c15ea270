package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap/zaptest"
)

type fakeClient struct {
	calls  int
	inputs [][]string
	err    error
}

func (f *fakeClient) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.calls++
	if f.err != nil {
		return openai.EmbeddingResponse{}, f.err
	}
	req := conv.Convert()
	texts := req.Input.([]string)
	f.inputs = append(f.inputs, texts)
	resp := openai.EmbeddingResponse{}
	// reverse order to make sure results are placed by index
	for i := len(texts) - 1; i >= 0; i-- {
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: []float32{float32(len(texts[i])), 1}})
	}
	return resp, nil
}

func TestEmbedBatchUsesLocalCache(t *testing.T) {
	fc := &fakeClient{}
	svc := NewService(Config{}, fc, nil, zaptest.NewLogger(t))

	out, err := svc.EmbedBatch(context.Background(), []string{"a", "bbb"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if out[0][0] != 1 || out[1][0] != 3 {
		t.Fatalf("vectors out of order: %v", out)
	}

	out, err = svc.EmbedBatch(context.Background(), []string{"bbb", "cc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if fc.calls != 2 || len(fc.inputs[1]) != 1 || fc.inputs[1][0] != "cc" {
		t.Fatalf("expected only the uncached text to be fetched, got %v", fc.inputs)
	}
	if out[0][0] != 3 || out[1][0] != 2 {
		t.Fatalf("unexpected vectors: %v", out)
	}
	if svc.Model() != DefaultModel {
		t.Fatalf("default model = %q", svc.Model())
	}
}

func TestEmbedSharedRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	shared, err := NewRedisCache(mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer shared.Close()

	first := &fakeClient{}
	if _, err := NewService(Config{}, first, shared, zaptest.NewLogger(t)).Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed: %v", err)
	}

	// A second replica with an empty local cache reads from redis.
	second := &fakeClient{}
	v, err := NewService(Config{}, second, shared, zaptest.NewLogger(t)).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if second.calls != 0 {
		t.Fatalf("expected redis hit, provider called %d times", second.calls)
	}
	if len(v) != 2 || v[0] != 5 {
		t.Fatalf("unexpected vector %v", v)
	}
}

func TestEmbedProviderError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(Config{}, &fakeClient{err: boom}, nil, zaptest.NewLogger(t))
	if _, err := svc.Embed(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestMakeKeyStable(t *testing.T) {
	if MakeKey("m", "t") != MakeKey("m", "t") {
		t.Fatal("key must be deterministic")
	}
	if MakeKey("m1", "t") == MakeKey("m2", "t") {
		t.Fatal("key must depend on model")
	}
}
