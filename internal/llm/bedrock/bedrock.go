// Package bedrock adapts Anthropic Claude chat on AWS Bedrock to the
// neutral provider contract. Embeddings are not served here; callers
// that need them are routed to an embedding-capable provider.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/enterprise-email/mailplane/internal/llm"
)

// ProviderName identifies this adapter in router chains and responses.
const ProviderName = "bedrock"

// Model identifiers.
const (
	ModelClaudeSonnet = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	anthropicVersion  = "bedrock-2023-05-31"
	contentTypeJSON   = "application/json"
	defaultMaxTokens  = 1024
)

// Invoker is the subset of the Bedrock runtime API this package uses.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput,
		optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput,
		optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// Provider implements llm.Provider over the Bedrock runtime.
type Provider struct {
	client    Invoker
	chatModel string
}

// New creates a Provider. An empty model ID falls back to the default.
func New(client Invoker, chatModel string) *Provider {
	if chatModel == "" {
		chatModel = ModelClaudeSonnet
	}
	return &Provider{client: client, chatModel: chatModel}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return ProviderName }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Chat: true}
}

// Available probes the runtime with a single-token completion.
func (p *Provider) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, llm.DefaultAvailabilityTimeout)
	defer cancel()
	_, err := p.Complete(probeCtx, &llm.CompletionRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err == nil
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      float32         `json:"temperature,omitempty"`
	TopP             float32         `json:"top_p,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      claudeUsage `json:"usage"`
}

func (p *Provider) claudeBody(req *llm.CompletionRequest) ([]byte, string, error) {
	model := req.Model
	if model == "" {
		model = p.chatModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	messages := make([]claudeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, claudeMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           req.System,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.Stop,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, model, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, model, err := p.claudeBody(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &model,
		ContentType: strPtr(contentTypeJSON),
		Body:        body,
	})
	if err != nil {
		return nil, classify(err)
	}

	var parsed claudeResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, llm.NewError(ProviderName, llm.CodeServerError, "failed to parse model response")
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return &llm.CompletionResponse{
		Content:      content,
		FinishReason: parsed.StopReason,
		Usage: llm.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Provider:  ProviderName,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream implements llm.Provider.
func (p *Provider) CompleteStream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	body, model, err := p.claudeBody(req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     &model,
		ContentType: strPtr(contentTypeJSON),
		Body:        body,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &claudeStream{inner: output.GetStream()}, nil
}

// streamEvent is the superset of the Anthropic stream event shapes this
// adapter reads. Unknown event types are skipped.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage claudeUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *claudeUsage `json:"usage,omitempty"`
}

type claudeStream struct {
	inner      *bedrockruntime.InvokeModelWithResponseStreamEventStream
	usage      llm.Usage
	stopReason string
	finished   bool
}

func (s *claudeStream) Recv() (*llm.Chunk, error) {
	if s.finished {
		return nil, io.EOF
	}
	for event := range s.inner.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var parsed streamEvent
		if err := json.Unmarshal(chunk.Value.Bytes, &parsed); err != nil {
			continue
		}
		switch parsed.Type {
		case "message_start":
			if parsed.Message != nil {
				s.usage.PromptTokens = parsed.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if parsed.Delta != nil && parsed.Delta.Text != "" {
				return &llm.Chunk{Content: parsed.Delta.Text}, nil
			}
		case "message_delta":
			if parsed.Delta != nil && parsed.Delta.StopReason != "" {
				s.stopReason = parsed.Delta.StopReason
			}
			if parsed.Usage != nil {
				s.usage.CompletionTokens = parsed.Usage.OutputTokens
			}
		case "message_stop":
			s.finished = true
			s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
			usage := s.usage
			return &llm.Chunk{IsFinal: true, FinishReason: s.stopReason, Usage: &usage}, nil
		}
	}
	s.finished = true
	if err := s.inner.Err(); err != nil {
		return nil, classify(err)
	}
	return nil, io.EOF
}

func (s *claudeStream) Close() error {
	return s.inner.Close()
}

// Embed implements llm.Provider. This provider does not serve
// embeddings.
func (p *Provider) Embed(ctx context.Context, text, model string) (*llm.EmbeddingResponse, error) {
	return nil, llm.Unsupported(ProviderName, "embeddings")
}

// EmbedBatch implements llm.Provider. This provider does not serve
// embeddings.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, model string) (*llm.EmbeddingBatchResponse, error) {
	return nil, llm.Unsupported(ProviderName, "embeddings")
}

// classify maps Bedrock runtime errors onto the neutral taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return llm.NewError(ProviderName, llm.CodeRateLimited, errMsg(throttled.ErrorMessage()))
	}
	var quota *types.ServiceQuotaExceededException
	if errors.As(err, &quota) {
		return llm.NewError(ProviderName, llm.CodeRateLimited, errMsg(quota.ErrorMessage()))
	}
	var invalid *types.ValidationException
	if errors.As(err, &invalid) {
		return llm.NewError(ProviderName, llm.CodeInvalidRequest, errMsg(invalid.ErrorMessage()))
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return llm.NewError(ProviderName, llm.CodeAuthentication, errMsg(denied.ErrorMessage()))
	}
	var timeout *types.ModelTimeoutException
	if errors.As(err, &timeout) {
		return llm.NewError(ProviderName, llm.CodeTimeout, errMsg(timeout.ErrorMessage()))
	}
	var notReady *types.ModelNotReadyException
	if errors.As(err, &notReady) {
		return llm.NewError(ProviderName, llm.CodeServiceUnavailable, errMsg(notReady.ErrorMessage()))
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return llm.NewError(ProviderName, llm.CodeInvalidRequest, errMsg(notFound.ErrorMessage()))
	}
	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return llm.NewError(ProviderName, llm.CodeServerError, errMsg(internal.ErrorMessage()))
	}
	return llm.NewError(ProviderName, llm.CodeServiceUnavailable, err.Error())
}

func errMsg(msg string) string {
	if msg == "" {
		return "bedrock runtime error"
	}
	return msg
}

func strPtr(s string) *string { return &s }
