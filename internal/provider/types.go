package provider

import (
	"context"
	"time"
)

// Capability is one kind of backend service.
type Capability string

const (
	CapInference Capability = "inference"
	CapSTT       Capability = "stt"
	CapTTS       Capability = "tts"
)

// Capabilities lists every capability in a stable order.
var Capabilities = []Capability{CapInference, CapSTT, CapTTS}

// Availability is the last observed health of a backend.
type Availability string

const (
	Online   Availability = "online"
	Offline  Availability = "offline" // unreachable
	Degraded Availability = "degraded"
)

// Descriptor is capability metadata for one registered backend.
type Descriptor struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Capability     Capability   `json:"capability"`
	Availability   Availability `json:"availability"`
	OfflineCapable bool         `json:"offline_capable"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Provider is the part every backend shares.
type Provider interface {
	ID() string
	Name() string
	HealthCheck(ctx context.Context) error
}

// Inferencer answers prompts.
type Inferencer interface {
	Provider
	Infer(ctx context.Context, req *InferRequest) (string, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Provider
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Provider
	Synthesize(ctx context.Context, text string, voice VoiceConfig) (Audio, error)
}

// InferRequest is the backend-neutral inference call.
type InferRequest struct {
	Prompt        string      `json:"prompt"`
	SystemContext string      `json:"system_context,omitempty"`
	Tools         []Tool      `json:"tools,omitempty"`
	Config        InferConfig `json:"config"`
}

// InferConfig carries sampling parameters.
type InferConfig struct {
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Audio is an encoded audio clip.
type Audio struct {
	Data   []byte `json:"data"`
	Format string `json:"format"` // wav, mp3, pcm16
}

// VoiceConfig selects a synthesis voice.
type VoiceConfig struct {
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
	Model string  `json:"model,omitempty"`
}

// Message represents a chat message on OpenAI-style wire formats.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool defines a tool offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`

	Capabilities   []Capability `json:"capabilities,omitempty"`
	OfflineCapable bool         `json:"offline_capable"`
}

// Model returns the first configured model, or fallback.
func (c ProviderConfig) Model(fallback string) string {
	if len(c.Models) > 0 {
		return c.Models[0]
	}
	return fallback
}

// Supports reports whether p implements capability c.
func Supports(p Provider, c Capability) bool {
	switch c {
	case CapInference:
		_, ok := p.(Inferencer)
		return ok
	case CapSTT:
		_, ok := p.(Transcriber)
		return ok
	case CapTTS:
		_, ok := p.(Synthesizer)
		return ok
	}
	return false
}
