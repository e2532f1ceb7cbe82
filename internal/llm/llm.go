// Package llm defines the neutral provider contract for the completion
// and embedding plane: one request shape, one streaming shape, one error
// taxonomy, regardless of which vendor serves the call.
package llm

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Default per-request timeouts. The local-runtime adapter overrides the
// chat timeout with its own, longer default.
const (
	DefaultChatTimeout         = 30 * time.Second
	DefaultEmbedTimeout        = 30 * time.Second
	DefaultAvailabilityTimeout = 5 * time.Second
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metadata travels with every request for attribution and tracing. The
// Feature field drives router provider selection.
type Metadata struct {
	OrgID   string `json:"orgId,omitempty"`
	UserID  string `json:"userId,omitempty"`
	EmailID string `json:"emailId,omitempty"`
	Feature string `json:"feature,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

// CompletionRequest is the neutral chat request.
type CompletionRequest struct {
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"topP,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Metadata    Metadata  `json:"metadata"`
}

// Usage is token accounting as reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionResponse is a full, non-streamed completion.
type CompletionResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        Usage  `json:"usage"`
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	LatencyMs    int64  `json:"latencyMs"`
}

// Chunk is one streamed completion fragment. The final chunk carries the
// cumulative usage when the provider reports it.
type Chunk struct {
	Content      string `json:"content"`
	IsFinal      bool   `json:"isFinal"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Stream yields completion chunks in provider emission order. Recv
// returns io.EOF after the final chunk. Close releases the underlying
// connection and is safe to call more than once.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// EmbeddingResponse is one embedding vector.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model,omitempty"`
	Provider  string    `json:"provider"`
	LatencyMs int64     `json:"latencyMs"`
}

// EmbeddingBatchResponse carries one vector per input text, in input
// order.
type EmbeddingBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model,omitempty"`
	Provider   string      `json:"provider"`
	LatencyMs  int64       `json:"latencyMs"`
}

// Capabilities is the explicit feature set of a provider.
type Capabilities struct {
	Chat       bool
	Embeddings bool
}

// Provider is the uniform vendor adapter contract. Available must return
// within its own bounded timeout; the router treats a slow probe as
// unhealthy.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Available(ctx context.Context) bool
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	CompleteStream(ctx context.Context, req *CompletionRequest) (Stream, error)
	Embed(ctx context.Context, text, model string) (*EmbeddingResponse, error)
	EmbedBatch(ctx context.Context, texts []string, model string) (*EmbeddingBatchResponse, error)
}
