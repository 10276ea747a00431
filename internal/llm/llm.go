// Package llm is the model-invocation client used by the strategy
// classifier and model-backed executors.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (u Usage) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

type Response struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Model      string     `json:"model"`
	Usage      Usage      `json:"usage"`
}

// Invoker sends one conversation to a model and waits for the reply.
type Invoker interface {
	Invoke(ctx context.Context, messages []Message, opts ...Option) (*Response, error)
}

type callOptions struct {
	system    string
	tools     []Tool
	maxTokens int
}

type Option func(*callOptions)

func WithSystem(s string) Option { return func(o *callOptions) { o.system = s } }
func WithTools(tools ...Tool) Option { return func(o *callOptions) { o.tools = tools } }
func WithMaxTokens(n int) Option { return func(o *callOptions) { o.maxTokens = n } }

// ProviderError is a non-2xx response from a model API.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode == 529 || e.StatusCode >= 500
}
