package provider

import "context"

// Message represents one turn in a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the LLM boundary the pipeline and memory layers depend on.
type Provider interface {
	// Complete sends a chat completion request and returns the raw text reply.
	Complete(ctx context.Context, messages []Message) (string, error)

	// CreateEmbedding generates embedding vectors for the given texts.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)

	// EmbeddingModel reports the embedding model name, used for cache keys.
	EmbeddingModel() string
}
