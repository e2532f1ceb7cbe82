// Package ollama adapts a local Ollama runtime to the neutral provider
// contract over its JSON HTTP API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/enterprise-email/mailplane/internal/llm"
)

// ProviderName identifies this adapter in router chains and responses.
const ProviderName = "ollama"

// Local models are slower than hosted ones, so chat gets a longer
// default deadline than llm.DefaultChatTimeout.
const DefaultChatTimeout = 60 * time.Second

// Defaults when the request does not name a model.
const (
	DefaultBaseURL    = "http://localhost:11434"
	DefaultChatModel  = "llama3.1"
	DefaultEmbedModel = "nomic-embed-text"
)

const headerTraceID = "X-Trace-Id"

// HTTPDoer is the subset of http.Client this package uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider over the Ollama HTTP API.
type Provider struct {
	client     HTTPDoer
	baseURL    string
	chatModel  string
	embedModel string
}

// Config holds adapter configuration.
type Config struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

// New creates a Provider. A nil client falls back to a default
// http.Client with the chat timeout.
func New(client HTTPDoer, cfg Config) *Provider {
	if client == nil {
		client = &http.Client{Timeout: DefaultChatTimeout}
	}
	p := &Provider{
		client:     client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
	}
	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}
	if p.chatModel == "" {
		p.chatModel = DefaultChatModel
	}
	if p.embedModel == "" {
		p.embedModel = DefaultEmbedModel
	}
	return p
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return ProviderName }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Chat: true, Embeddings: true}
}

// Available probes the runtime's model listing endpoint.
func (p *Provider) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, llm.DefaultAvailabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
}

// chatResponse is one response object. In stream mode the runtime emits
// one JSON object per line; the terminal object has done=true and
// carries the token counts.
type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *Provider) chatBody(req *llm.CompletionRequest, stream bool) ([]byte, string, error) {
	model := req.Model
	if model == "" {
		model = p.chatModel
	}
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: llm.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options: chatOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, model, nil
}

func (p *Provider) post(ctx context.Context, path string, body []byte, traceID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID != "" {
		req.Header.Set(headerTraceID, traceID)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, llm.NewError(ProviderName, llm.CodeServiceUnavailable, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg := readErrorBody(resp.Body)
		return nil, llm.NewHTTPError(ProviderName, resp.StatusCode, msg)
	}
	return resp, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, model, err := p.chatBody(req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.post(ctx, "/api/chat", body, req.Metadata.TraceID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, llm.NewError(ProviderName, llm.CodeServerError, "failed to parse chat response")
	}
	return &llm.CompletionResponse{
		Content:      parsed.Message.Content,
		FinishReason: parsed.DoneReason,
		Usage: llm.Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
		Provider:  ProviderName,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream implements llm.Provider.
func (p *Provider) CompleteStream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	body, _, err := p.chatBody(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, "/api/chat", body, req.Metadata.TraceID)
	if err != nil {
		return nil, err
	}
	return &chatStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

type chatStream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	finished bool
}

func (s *chatStream) Recv() (*llm.Chunk, error) {
	if s.finished {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed chatResponse
		if err := json.Unmarshal(line, &parsed); err != nil {
			// Malformed line, keep reading.
			continue
		}
		if parsed.Done {
			s.finished = true
			return &llm.Chunk{
				Content:      parsed.Message.Content,
				IsFinal:      true,
				FinishReason: parsed.DoneReason,
				Usage: &llm.Usage{
					PromptTokens:     parsed.PromptEvalCount,
					CompletionTokens: parsed.EvalCount,
					TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
				},
			}, nil
		}
		return &llm.Chunk{Content: parsed.Message.Content}, nil
	}
	s.finished = true
	if err := s.scanner.Err(); err != nil {
		return nil, llm.NewError(ProviderName, llm.CodeServerError, err.Error())
	}
	return nil, io.EOF
}

func (s *chatStream) Close() error {
	return s.body.Close()
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements llm.Provider.
func (p *Provider) Embed(ctx context.Context, text, model string) (*llm.EmbeddingResponse, error) {
	if model == "" {
		model = p.embedModel
	}
	body, err := json.Marshal(embedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	resp, err := p.post(ctx, "/api/embeddings", body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, llm.NewError(ProviderName, llm.CodeServerError, "failed to parse embedding response")
	}
	if len(parsed.Embedding) == 0 {
		return nil, llm.NewError(ProviderName, llm.CodeServerError, "embedding response is empty")
	}

	embedding := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		embedding[i] = float32(v)
	}
	return &llm.EmbeddingResponse{
		Embedding: embedding,
		Model:     model,
		Provider:  ProviderName,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// EmbedBatch implements llm.Provider. The runtime embeds one prompt per
// call, so the batch runs sequentially and fails on the first error.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, model string) (*llm.EmbeddingBatchResponse, error) {
	start := time.Now()
	embeddings := make([][]float32, 0, len(texts))
	usedModel := model
	for _, text := range texts {
		resp, err := p.Embed(ctx, text, model)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, resp.Embedding)
		usedModel = resp.Model
	}
	return &llm.EmbeddingBatchResponse{
		Embeddings: embeddings,
		Model:      usedModel,
		Provider:   ProviderName,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

type apiError struct {
	Error string `json:"error"`
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed apiError
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(bytes.TrimSpace(data))
}
