package chatctx

import (
	"context"
	"log/slog"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/provider/embeddings"
)

// EmbeddingWriter is the store slice the indexer writes.
type EmbeddingWriter interface {
	UpdateInteractionEmbedding(ctx context.Context, id string, embedding []float32) error
}

// indexTimeout bounds one detached embed-and-write cycle.
const indexTimeout = 30 * time.Second

// Indexer embeds persisted interactions in the background so the recall
// enricher can similarity-search them in later sessions. A nil Indexer is
// valid and does nothing; recall then only sees rows indexed elsewhere.
type Indexer struct {
	store    EmbeddingWriter
	embedder embeddings.Provider
}

// NewIndexer wires the indexer. embedder may be nil, which disables indexing.
func NewIndexer(st EmbeddingWriter, embedder embeddings.Provider) *Indexer {
	return &Indexer{store: st, embedder: embedder}
}

// IndexDetached embeds content and stamps the vector onto the interaction row
// without blocking the caller. The work survives cancellation of ctx; the
// turn is already persisted by the time indexing starts.
func (ix *Indexer) IndexDetached(ctx context.Context, interactionID, content string) {
	if ix == nil || ix.embedder == nil || interactionID == "" || content == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), indexTimeout)
		defer cancel()

		vec, err := ix.embedder.Embed(ctx, content)
		if err != nil {
			slog.Warn("interaction embedding failed", "interaction_id", interactionID, "error", err)
			return
		}
		if err := ix.store.UpdateInteractionEmbedding(ctx, interactionID, vec); err != nil {
			slog.Warn("interaction embedding write failed", "interaction_id", interactionID, "error", err)
		}
	}()
}
