package types

import (
	"context"

	"github.com/tmc/langchaingo/schema"
)

// Core interfaces shared by the CLI and WebSocket front ends.

// Retriever returns the numDocuments stored documents nearest to the query.
type Retriever interface {
	SimilaritySearch(ctx context.Context, query string, numDocuments int) ([]schema.Document, error)
}

// Chatter generates an answer grounded on retrieved documents and a
// per-session message history.
type Chatter interface {
	Chat(ctx context.Context, query string, docs []schema.Document, history schema.ChatMessageHistory) (string, error)
	ChatStream(ctx context.Context, query string, docs []schema.Document, history schema.ChatMessageHistory, fn func(chunk []byte)) (string, error)
}
