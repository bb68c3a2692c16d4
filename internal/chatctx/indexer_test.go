package chatctx_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/chatctx"
	embmock "github.com/cadenza-ai/cadenza/pkg/provider/embeddings/mock"
)

type fakeEmbeddingWriter struct {
	mu     sync.Mutex
	ids    []string
	vecs   [][]float32
	err    error
	wrote  chan struct{}
	closed bool
}

func newFakeEmbeddingWriter() *fakeEmbeddingWriter {
	return &fakeEmbeddingWriter{wrote: make(chan struct{})}
}

func (f *fakeEmbeddingWriter) UpdateInteractionEmbedding(_ context.Context, id string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	f.vecs = append(f.vecs, vec)
	if !f.closed {
		f.closed = true
		close(f.wrote)
	}
	return f.err
}

func TestIndexDetached_WritesEmbedding(t *testing.T) {
	t.Parallel()

	w := newFakeEmbeddingWriter()
	embedder := &embmock.Provider{EmbedResult: []float32{0.1, 0.2}}
	ix := chatctx.NewIndexer(w, embedder)

	ix.IndexDetached(context.Background(), "it-1", "keep practicing daily")

	select {
	case <-w.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("embedding was never written")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ids) != 1 || w.ids[0] != "it-1" {
		t.Errorf("indexed ids = %v", w.ids)
	}
	if len(w.vecs[0]) != 2 {
		t.Errorf("vector = %v", w.vecs[0])
	}
	if got := embedder.EmbeddedTexts(); len(got) != 1 || got[0] != "keep practicing daily" {
		t.Errorf("embedded texts = %v", got)
	}
}

func TestIndexDetached_SurvivesCanceledContext(t *testing.T) {
	t.Parallel()

	w := newFakeEmbeddingWriter()
	ix := chatctx.NewIndexer(w, &embmock.Provider{EmbedResult: []float32{0.5}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix.IndexDetached(ctx, "it-2", "hello")

	select {
	case <-w.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("indexing did not survive request cancellation")
	}
}

func TestIndexDetached_NilAndEmptyAreNoOps(t *testing.T) {
	t.Parallel()

	w := newFakeEmbeddingWriter()

	var nilIx *chatctx.Indexer
	nilIx.IndexDetached(context.Background(), "it-3", "text")

	chatctx.NewIndexer(w, nil).IndexDetached(context.Background(), "it-3", "text")
	chatctx.NewIndexer(w, &embmock.Provider{}).IndexDetached(context.Background(), "", "text")
	chatctx.NewIndexer(w, &embmock.Provider{}).IndexDetached(context.Background(), "it-3", "")

	select {
	case <-w.wrote:
		t.Fatal("no-op cases wrote an embedding")
	case <-time.After(100 * time.Millisecond):
	}
}
