package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string
	BaseURL         string // Ollama server URL
}

// ChatEngine is an engine that uses an LLM to generate chat responses
// grounded on retrieved documents and the persisted session history.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant with access to the following documents. Answer questions based on this context."
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = "\nRelevant documents:\n%s"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{
		config: config,
		llm:    llm,
	}, nil
}

// Chat generates a response based on the query, the retrieved documents and
// the prior turns in history. Both the query and the response are appended
// to history. A nil history makes the exchange stateless.
func (ce *ChatEngine) Chat(ctx context.Context, query string, docs []schema.Document, history schema.ChatMessageHistory) (string, error) {
	return ce.generate(ctx, query, docs, history, nil)
}

// ChatStream is Chat with each response chunk handed to fn as it arrives.
func (ce *ChatEngine) ChatStream(ctx context.Context, query string, docs []schema.Document, history schema.ChatMessageHistory, fn func(chunk []byte)) (string, error) {
	return ce.generate(ctx, query, docs, history, fn)
}

func (ce *ChatEngine) generate(ctx context.Context, query string, docs []schema.Document, history schema.ChatMessageHistory, fn func(chunk []byte)) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate),
	}

	if len(docs) > 0 {
		content = append(content,
			llms.TextParts(llms.ChatMessageTypeSystem,
				fmt.Sprintf(ce.config.ContextTemplate, formatContext(docs))))
	}

	if history != nil {
		previous, err := history.Messages(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to load history: %w", err)
		}
		for _, message := range previous {
			content = append(content, llms.TextParts(message.GetType(), message.GetContent()))
		}
	}

	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, query))

	opts := []llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}
	if fn != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			fn(chunk)
			return nil
		}))
	}

	response, err := ce.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("chat error: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response from LLM")
	}
	answer := response.Choices[0].Content

	if history != nil {
		if err := history.AddUserMessage(ctx, query); err != nil {
			return "", err
		}
		if err := history.AddAIMessage(ctx, answer); err != nil {
			return "", err
		}
	}

	return answer, nil
}

func formatContext(docs []schema.Document) string {
	var builder strings.Builder
	for _, doc := range docs {
		if source, ok := doc.Metadata["source"]; ok {
			builder.WriteString(fmt.Sprintf("Source: %v\n", source))
		}
		builder.WriteString(doc.PageContent)
		builder.WriteString("\n\n")
	}
	return builder.String()
}
