package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openaiGenerator streams chat completions from OpenAI or any compatible
// endpoint (set baseURL for self-hosted gateways).
type openaiGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(apiKey, baseURL, model string) Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openaiGenerator{client: openai.NewClientWithConfig(cfg), model: model}
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	oReq := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   true,
	}
	if req.Temperature > 0 {
		oReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		oReq.MaxTokens = req.MaxTokens
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, oReq)
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	start := time.Now()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return consumer(Chunk{
				SessionID: req.SessionID,
				Partial:   false,
				Latency:   time.Since(start),
			})
		}
		if err != nil {
			return fmt.Errorf("openai stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   content,
			Partial:   true,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
}
