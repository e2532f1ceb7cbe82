// Package openai adapts the hosted OpenAI chat and embeddings APIs to
// the neutral provider contract.
package openai

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/enterprise-email/mailplane/internal/llm"
)

// ProviderName identifies this adapter in router chains and responses.
const ProviderName = "openai"

// Defaults when the request does not name a model.
const (
	DefaultChatModel = openai.GPT4TurboPreview
)

// Config holds adapter configuration.
type Config struct {
	APIKey    string
	BaseURL   string // optional, for proxies
	ChatModel string
}

// Provider implements llm.Provider over the OpenAI API.
type Provider struct {
	client    *openai.Client
	chatModel string
}

// New creates a Provider.
func New(cfg Config) *Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	return &Provider{
		client:    openai.NewClientWithConfig(clientCfg),
		chatModel: chatModel,
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return ProviderName }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Chat: true, Embeddings: true}
}

// Available probes the API with a bounded-latency model listing.
func (p *Provider) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, llm.DefaultAvailabilityTimeout)
	defer cancel()
	_, err := p.client.ListModels(probeCtx)
	return err == nil
}

func (p *Provider) chatRequest(req *llm.CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.chatModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		User:        req.Metadata.UserID,
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewError(ProviderName, llm.CodeServerError, "response carried no choices")
	}

	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Provider:  ProviderName,
		Model:     resp.Model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream implements llm.Provider.
func (p *Provider) CompleteStream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(req))
	if err != nil {
		return nil, classify(err)
	}
	return &chatStream{inner: stream}, nil
}

// chatStream adapts the vendor SSE stream. The vendor signals the final
// chunk with a finish reason and then io.EOF; this build of the API does
// not report streamed usage.
type chatStream struct {
	inner    *openai.ChatCompletionStream
	finished bool
}

func (s *chatStream) Recv() (*llm.Chunk, error) {
	if s.finished {
		return nil, io.EOF
	}
	for {
		resp, err := s.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finished = true
				return nil, io.EOF
			}
			return nil, classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		chunk := &llm.Chunk{Content: choice.Delta.Content}
		if choice.FinishReason != "" {
			chunk.IsFinal = true
			chunk.FinishReason = string(choice.FinishReason)
			s.finished = true
		}
		return chunk, nil
	}
}

func (s *chatStream) Close() error {
	s.inner.Close()
	return nil
}

// Embed implements llm.Provider.
func (p *Provider) Embed(ctx context.Context, text, model string) (*llm.EmbeddingResponse, error) {
	batch, err := p.EmbedBatch(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return &llm.EmbeddingResponse{
		Embedding: batch.Embeddings[0],
		Model:     batch.Model,
		Provider:  ProviderName,
		LatencyMs: batch.LatencyMs,
	}, nil
}

// EmbedBatch implements llm.Provider. The vendor embeds batches
// natively, one vector per input in input order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, _ string) (*llm.EmbeddingBatchResponse, error) {
	start := time.Now()
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.AdaEmbeddingV2,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, llm.NewError(ProviderName, llm.CodeServerError, "embedding count does not match input count")
	}

	embeddings := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, llm.NewError(ProviderName, llm.CodeServerError, "embedding index out of range")
		}
		embeddings[d.Index] = d.Embedding
	}
	return &llm.EmbeddingBatchResponse{
		Embeddings: embeddings,
		Model:      "text-embedding-ada-002",
		Provider:   ProviderName,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// classify maps vendor errors onto the neutral taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.NewHTTPError(ProviderName, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.NewHTTPError(ProviderName, reqErr.HTTPStatusCode, reqErr.Error())
	}
	// Transport-level failure: connection refused, DNS, etc.
	return llm.NewError(ProviderName, llm.CodeServiceUnavailable, err.Error())
}
