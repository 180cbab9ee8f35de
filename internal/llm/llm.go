// Package llm defines the narrow client interfaces the scheduler uses to
// reach language models, embedders, and rerankers, plus tolerant parsing
// of model output.
package llm

import "context"

// ChatMessage is a single turn sent to a language model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client generates a completion for a chat transcript.
type Client interface {
	Generate(ctx context.Context, messages []ChatMessage) (string, error)
}

// Embedder maps texts to embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// RankedIndex is one entry of a reranker result.
type RankedIndex struct {
	Index int
	Score float64
}

// Reranker scores candidate texts against a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]RankedIndex, error)
}

// UserMessage wraps a prompt as a single-user-turn transcript.
func UserMessage(prompt string) []ChatMessage {
	return []ChatMessage{{Role: "user", Content: prompt}}
}
