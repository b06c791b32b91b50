package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

// Generate streams a canned reply word by word so downstream segmentation is
// exercised the same way a real model would.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	reply := "Copy that. Processing: " + strings.TrimSpace(req.Prompt) + ". Done."
	words := strings.SplitAfter(reply, " ")
	start := time.Now()
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   i < len(words)-1,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
