package tools

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/research"
)

// Generator is the language-model capability backing the toolkit. Failures
// surface as GenerationError so the executor applies its single-retry rule.
type Generator struct {
	client *openai.Client
	model  string
}

// NewGenerator builds the generation capability. baseURL overrides the API
// endpoint for OpenAI-compatible local servers; empty keeps the default.
func NewGenerator(apiKey, baseURL, model string) *Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Generator{client: openai.NewClientWithConfig(cfg), model: model}
}

func (t *Generator) Name() string       { return NameGenerate }
func (t *Generator) Kind() gateway.Kind { return gateway.KindGenerate }

func (t *Generator) Invoke(ctx context.Context, args gateway.Args) (any, error) {
	prompt := args.String("prompt")
	if prompt == "" {
		return nil, &research.ToolFatalError{Tool: t.Name(), Err: fmt.Errorf("missing prompt argument")}
	}

	messages := []openai.ChatCompletionMessage{}
	if system := args.String("system"); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    t.model,
		Messages: messages,
	})
	if err != nil {
		return nil, &research.GenerationError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &research.GenerationError{Err: fmt.Errorf("empty completion")}
	}
	return resp.Choices[0].Message.Content, nil
}
