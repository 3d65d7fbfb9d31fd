package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"
)

// OpenAIProvider speaks the OpenAI-compatible HTTP API. Local servers
// (llama.cpp, Ollama, faster-whisper, piper bridges) expose the same routes,
// so one type covers both offline backends and the cloud.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	// Per-call timeouts come from the caller's context; the client timeout
	// is only a backstop.
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultClientTimeout
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout * 2},
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// chatURL builds the chat completions URL. If Extra["path_model"] is "true",
// the model name is inserted into the URL path.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Infer sends a non-streaming chat completion.
func (p *OpenAIProvider) Infer(ctx context.Context, req *InferRequest) (string, error) {
	model := req.Config.Model
	if model == "" {
		model = p.config.Model("gpt-4o-mini")
	}
	var msgs []Message
	if req.SystemContext != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemContext})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(openAIChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Config.Temperature,
		MaxTokens:   req.Config.MaxTokens,
		Stop:        req.Config.Stop,
		Tools:       req.Tools,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL(model), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", classify(p.config.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", statusError(p.config.ID, resp.StatusCode, respBody)
	}

	var oaiResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return "", fmt.Errorf("%s: %w: decode response: %v", p.config.ID, ErrProviderUnavailable, err)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w: empty response", p.config.ID, ErrProviderRejected)
	}
	p.logger.Debug("inference complete",
		zap.String("provider", p.config.ID),
		zap.String("model", oaiResp.Model),
		zap.Int("tokens", oaiResp.Usage.TotalTokens))
	return oaiResp.Choices[0].Message.Content, nil
}

// Transcribe posts audio to /audio/transcriptions.
func (p *OpenAIProvider) Transcribe(ctx context.Context, audio Audio) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	format := audio.Format
	if format == "" {
		format = "wav"
	}
	fw, err := mw.CreateFormFile("file", "input."+format)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := mw.WriteField("model", p.config.Model("whisper-1")); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", classify(p.config.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", statusError(p.config.ID, resp.StatusCode, respBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%s: %w: decode transcription: %v", p.config.ID, ErrProviderUnavailable, err)
	}
	return result.Text, nil
}

// Synthesize posts text to /audio/speech and returns the encoded audio.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text string, voice VoiceConfig) (Audio, error) {
	model := voice.Model
	if model == "" {
		model = p.config.Model("tts-1")
	}
	v := voice.Voice
	if v == "" {
		v = "alloy"
	}
	payload := map[string]interface{}{
		"model":           model,
		"input":           text,
		"voice":           v,
		"response_format": "wav",
	}
	if voice.Speed > 0 {
		payload["speed"] = voice.Speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Audio{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Audio{}, classify(p.config.ID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, classify(p.config.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Audio{}, statusError(p.config.ID, resp.StatusCode, data)
	}
	return Audio{Data: data, Format: "wav"}, nil
}

// HealthCheck verifies the provider is reachable by listing models.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/models", nil)
	if err != nil {
		return err
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classify(p.config.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return statusError(p.config.ID, resp.StatusCode, respBody)
	}
	return nil
}

func (p *OpenAIProvider) authorize(r *http.Request) {
	if p.config.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
}
