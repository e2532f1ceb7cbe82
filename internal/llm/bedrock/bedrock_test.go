package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/enterprise-email/mailplane/internal/llm"
)

type mockInvoker struct {
	invokeModelFunc func(ctx context.Context, params *bedrockruntime.InvokeModelInput,
		optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	invokeStreamFunc func(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput,
		optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

func (m *mockInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput,
	optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	return m.invokeModelFunc(ctx, params, optFns...)
}

func (m *mockInvoker) InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput,
	optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error) {
	return m.invokeStreamFunc(ctx, params, optFns...)
}

func TestComplete_MarshalsRequestAndParsesResponse(t *testing.T) {
	var gotModel string
	var gotBody claudeRequest
	mock := &mockInvoker{invokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput,
		optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
		gotModel = *params.ModelId
		if err := json.Unmarshal(params.Body, &gotBody); err != nil {
			t.Fatalf("unmarshal request body: %v", err)
		}
		return &bedrockruntime.InvokeModelOutput{
			Body: []byte(`{"content":[{"type":"text","text":"Summary: "},{"type":"text","text":"ok"}],` +
				`"stop_reason":"end_turn","usage":{"input_tokens":40,"output_tokens":5}}`),
		}, nil
	}}

	p := New(mock, "")
	resp, err := p.Complete(context.Background(), &llm.CompletionRequest{
		System:      "You are terse.",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Summarize"}},
		MaxTokens:   256,
		Temperature: 0.2,
		Stop:        []string{"\n\n"},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotModel != ModelClaudeSonnet {
		t.Errorf("model = %q, want default %q", gotModel, ModelClaudeSonnet)
	}
	if gotBody.AnthropicVersion != anthropicVersion {
		t.Errorf("anthropic_version = %q, want %q", gotBody.AnthropicVersion, anthropicVersion)
	}
	if gotBody.System != "You are terse." {
		t.Errorf("system = %q, want system prompt", gotBody.System)
	}
	if gotBody.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want 256", gotBody.MaxTokens)
	}
	if len(gotBody.StopSequences) != 1 {
		t.Errorf("stop_sequences = %v, want one entry", gotBody.StopSequences)
	}

	if resp.Content != "Summary: ok" {
		t.Errorf("Content = %q, want concatenated text blocks", resp.Content)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, "end_turn")
	}
	if resp.Usage.TotalTokens != 45 {
		t.Errorf("TotalTokens = %d, want 45", resp.Usage.TotalTokens)
	}
	if resp.Provider != ProviderName {
		t.Errorf("Provider = %q, want %q", resp.Provider, ProviderName)
	}
}

func TestComplete_DefaultsMaxTokens(t *testing.T) {
	mock := &mockInvoker{invokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput,
		optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
		var body claudeRequest
		if err := json.Unmarshal(params.Body, &body); err != nil {
			t.Fatalf("unmarshal request body: %v", err)
		}
		if body.MaxTokens != defaultMaxTokens {
			t.Errorf("max_tokens = %d, want %d", body.MaxTokens, defaultMaxTokens)
		}
		return &bedrockruntime.InvokeModelOutput{
			Body: []byte(`{"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{}}`),
		}, nil
	}}
	p := New(mock, "")
	if _, err := p.Complete(context.Background(), &llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
}

func TestClassify_MapsRuntimeErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{"throttled", &types.ThrottlingException{}, llm.CodeRateLimited, true},
		{"quota", &types.ServiceQuotaExceededException{}, llm.CodeRateLimited, true},
		{"validation", &types.ValidationException{}, llm.CodeInvalidRequest, false},
		{"denied", &types.AccessDeniedException{}, llm.CodeAuthentication, false},
		{"model timeout", &types.ModelTimeoutException{}, llm.CodeTimeout, true},
		{"not ready", &types.ModelNotReadyException{}, llm.CodeServiceUnavailable, true},
		{"internal", &types.InternalServerException{}, llm.CodeServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockInvoker{invokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput,
				optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
				return nil, tt.err
			}}
			p := New(mock, "")
			_, err := p.Complete(context.Background(), &llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatalf("Complete() error = nil, want error")
			}
			if got := llm.CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf(err) = %q, want %q", got, tt.wantCode)
			}
			if got := llm.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable(err) = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestEmbed_IsUnsupportedAndTerminal(t *testing.T) {
	p := New(&mockInvoker{}, "")
	_, err := p.Embed(context.Background(), "text", "")
	if err == nil {
		t.Fatalf("Embed() error = nil, want error")
	}
	if got := llm.CodeOf(err); got != llm.CodeUnsupported {
		t.Errorf("CodeOf(err) = %q, want %q", got, llm.CodeUnsupported)
	}
	if llm.IsRetryable(err) {
		t.Errorf("IsRetryable(err) = true, want false")
	}
	if p.Capabilities().Embeddings {
		t.Errorf("Capabilities().Embeddings = true, want false")
	}
}
