// Package embeddings abstracts the text-to-vector backends behind semantic
// recall. Interactions are embedded once, in the background, right after they
// are persisted; the user's new turn is embedded again at context-assembly
// time to query pgvector for similar past coaching moments.
package embeddings

import "context"

// Provider turns one text into a dense vector.
//
// Every vector a Provider returns must have Dimensions() elements. The
// interactions table's vector column is created with that width and pgvector
// rejects rows that do not match, so the configured provider and the database
// schema have to agree.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for text. The text is passed to the backend
	// verbatim; any model-specific prefixing is the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the fixed vector width this provider produces.
	Dimensions() int

	// ModelID identifies the embedding model, for logging and for detecting
	// a model change that would invalidate stored vectors.
	ModelID() string
}
