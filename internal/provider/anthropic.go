package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// AnthropicProvider is a cloud inference backend for the Claude Messages API.
// It never runs offline.
type AnthropicProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultClientTimeout
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout * 2},
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

type anthropicRequest struct {
	Model         string         `json:"model"`
	Messages      []anthropicMsg `json:"messages"`
	System        string         `json:"system,omitempty"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   float64        `json:"temperature,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Infer sends a single-turn Messages request.
func (p *AnthropicProvider) Infer(ctx context.Context, req *InferRequest) (string, error) {
	ar := anthropicRequest{
		Model:         req.Config.Model,
		Messages:      []anthropicMsg{{Role: "user", Content: req.Prompt}},
		System:        req.SystemContext,
		MaxTokens:     req.Config.MaxTokens,
		Temperature:   req.Config.Temperature,
		StopSequences: req.Config.Stop,
	}
	if ar.Model == "" {
		ar.Model = p.config.Model("claude-3-5-haiku-20241022")
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 1024
	}
	resp, err := p.send(ctx, ar)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	p.logger.Debug("inference complete",
		zap.String("provider", p.config.ID),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.Usage.InputTokens+resp.Usage.OutputTokens))
	return sb.String(), nil
}

func (p *AnthropicProvider) send(ctx context.Context, ar anthropicRequest) (*anthropicResponse, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classify(p.config.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, statusError(p.config.ID, resp.StatusCode, respBody)
	}

	var claudeResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, fmt.Errorf("%s: %w: decode response: %v", p.config.ID, ErrProviderUnavailable, err)
	}
	return &claudeResp, nil
}

// HealthCheck sends a one-token request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.send(ctx, anthropicRequest{
		Model:     p.config.Model("claude-3-5-haiku-20241022"),
		Messages:  []anthropicMsg{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
