package llm

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"medchat/internal/metrics"
)

// Message is a minimal chat message used by the core chat service.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Chat roles accepted by Chat.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// ErrEmptyEmbedding is returned when the embeddings endpoint answers without data.
var ErrEmptyEmbedding = errors.New("llm: empty embedding response")

// Client defines the methods required by the chat service and the context engine.
// Chat accepts the full message history (system + prior turns + latest user).
// Complete runs a single instruction/prompt pair and is used for structured
// extraction. Embed returns the vector representation of text.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Complete(ctx context.Context, instruction, prompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options configures an OpenAIClient.  Empty fields fall back to defaults.
type Options struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	CompleteModel  string
	EmbeddingModel string
	Timeout        time.Duration
}

// OpenAIClient calls the OpenAI API for chat, completion and embedding requests.
type OpenAIClient struct {
	client         *openai.Client
	chatModel      string
	completeModel  string
	embeddingModel string
	timeout        time.Duration
}

// NewOpenAIClient constructs an OpenAI-backed LLM client.
func NewOpenAIClient(opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	chatModel := opts.ChatModel
	if chatModel == "" {
		// default to a modern small model; can be overridden via config
		chatModel = "gpt-4o-mini"
	}
	completeModel := opts.CompleteModel
	if completeModel == "" {
		completeModel = chatModel
	}
	embeddingModel := opts.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		chatModel:      chatModel,
		completeModel:  completeModel,
		embeddingModel: embeddingModel,
		timeout:        timeout,
	}
}

// Chat sends the message history to the OpenAI chat completion API and returns
// the assistant's response.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	defer observe("chat", time.Now())

	// Convert to OpenAI message type
	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != RoleSystem && role != RoleUser && role != RoleAssistant {
			// coerce anything unknown to user
			role = RoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return c.complete(ctx, c.chatModel, oaMsgs, 0.2)
}

// Complete runs a single-shot instruction against the completion model.  A low
// temperature keeps structured output stable.
func (c *OpenAIClient) Complete(ctx context.Context, instruction, prompt string) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	defer observe("complete", time.Now())
	msgs := []openai.ChatCompletionMessage{
		{Role: RoleSystem, Content: instruction},
		{Role: RoleUser, Content: prompt},
	}
	return c.complete(ctx, c.completeModel, msgs, 0.1)
}

// Embed returns the embedding vector for text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.client == nil {
		return nil, errors.New("openai client not initialized")
	}
	defer observe("embed", time.Now())
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenAIClient) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessage, temperature float32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func observe(operation string, start time.Time) {
	metrics.LLMLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
