package llm

import (
	"context"
	"time"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output. Partial is false only on the
// terminal chunk.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend. Generate calls consumer for
// every streamed chunk, in arrival order, and returns after the stream ends.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
