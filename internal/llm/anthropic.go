package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	defaultModel        = "claude-sonnet-4-20250514"
	defaultMaxTokens    = 1024
)

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	// MaxTokens applies when a call does not pass WithMaxTokens.
	MaxTokens int
	// Prices in USD per million tokens, used to fill Usage.CostUSD.
	InputPricePerMTok  float64
	OutputPricePerMTok float64
	// MaxRetryElapsed bounds retries of 429/5xx responses. Zero disables
	// retries.
	MaxRetryElapsed time.Duration
}

type Anthropic struct {
	cfg    AnthropicConfig
	logger *zap.Logger
}

func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm/anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.InputPricePerMTok == 0 && cfg.OutputPricePerMTok == 0 {
		cfg.InputPricePerMTok, cfg.OutputPricePerMTok = 3, 15
	}
	return &Anthropic{cfg: cfg, logger: logger}, nil
}

func (a *Anthropic) Invoke(ctx context.Context, messages []Message, opts ...Option) (*Response, error) {
	o := callOptions{maxTokens: a.cfg.MaxTokens}
	for _, opt := range opts {
		opt(&o)
	}
	if len(messages) == 0 {
		return nil, errors.New("llm/anthropic: at least one message is required")
	}

	body, err := json.Marshal(a.buildRequest(messages, o))
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: marshaling request: %w", err)
	}

	var resp *Response
	op := func() error {
		r, err := a.send(ctx, body)
		if err != nil {
			var pe *ProviderError
			if errors.As(err, &pe) && pe.Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	if a.cfg.MaxRetryElapsed <= 0 {
		err = op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxElapsedTime = a.cfg.MaxRetryElapsed
		err = backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			a.logger.Warn("anthropic request failed, retrying", zap.Error(err), zap.Duration("backoff", d))
		})
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *Anthropic) send(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, readProviderError(httpResp)
	}
	var wire anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("llm/anthropic: decoding response: %w", err)
	}
	return a.toResponse(wire), nil
}

func (a *Anthropic) buildRequest(messages []Message, o callOptions) anthropicRequest {
	req := anthropicRequest{
		Model:     a.cfg.Model,
		MaxTokens: o.maxTokens,
		System:    o.system,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
		})
	}
	for _, t := range o.tools {
		req.Tools = append(req.Tools, anthropicTool(t))
	}
	return req
}

func (a *Anthropic) toResponse(w anthropicResponse) *Response {
	r := &Response{StopReason: w.StopReason, Model: w.Model}
	var text strings.Builder
	for _, block := range w.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			r.ToolCalls = append(r.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	r.Text = text.String()
	r.Usage = Usage{
		InputTokens:  w.Usage.InputTokens,
		OutputTokens: w.Usage.OutputTokens,
		CostUSD: (float64(w.Usage.InputTokens)*a.cfg.InputPricePerMTok +
			float64(w.Usage.OutputTokens)*a.cfg.OutputPricePerMTok) / 1e6,
	}
	return r
}

func readProviderError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Type: "http_error", Message: strings.TrimSpace(string(body))}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}
