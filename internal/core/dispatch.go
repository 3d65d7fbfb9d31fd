package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/provider"
)

// Infer runs an inference call on the first eligible backend.
func (m *Manager) Infer(ctx context.Context, req *provider.InferRequest) (string, error) {
	var out string
	err := m.dispatch(ctx, provider.CapInference, func(ctx context.Context, p provider.Provider) error {
		inf, ok := p.(provider.Inferencer)
		if !ok {
			return fmt.Errorf("%s: %w: no inference support", p.ID(), provider.ErrProviderRejected)
		}
		text, err := inf.Infer(ctx, req)
		out = text
		return err
	})
	return out, err
}

// Transcribe runs speech-to-text on the first eligible backend.
func (m *Manager) Transcribe(ctx context.Context, audio provider.Audio) (string, error) {
	var out string
	err := m.dispatch(ctx, provider.CapSTT, func(ctx context.Context, p provider.Provider) error {
		stt, ok := p.(provider.Transcriber)
		if !ok {
			return fmt.Errorf("%s: %w: no stt support", p.ID(), provider.ErrProviderRejected)
		}
		text, err := stt.Transcribe(ctx, audio)
		out = text
		return err
	})
	return out, err
}

// Synthesize runs text-to-speech on the first eligible backend.
func (m *Manager) Synthesize(ctx context.Context, text string, voice provider.VoiceConfig) (provider.Audio, error) {
	var out provider.Audio
	err := m.dispatch(ctx, provider.CapTTS, func(ctx context.Context, p provider.Provider) error {
		tts, ok := p.(provider.Synthesizer)
		if !ok {
			return fmt.Errorf("%s: %w: no tts support", p.ID(), provider.ErrProviderRejected)
		}
		audio, err := tts.Synthesize(ctx, text, voice)
		out = audio
		return err
	})
	return out, err
}

// eligible reports whether a backend may be called under mode. Cloud
// backends are never contacted in offline_only; unreachable ones are
// skipped until the health monitor sees them again.
func eligible(d provider.Descriptor, mode config.Mode) bool {
	if mode == config.ModeOfflineOnly && !d.OfflineCapable {
		return false
	}
	return d.Availability != provider.Offline
}

// dispatch walks the preference list for c, falling back on backend
// failures. A full worker queue stops the walk with ErrCapabilityBusy;
// running out of backends yields ErrCapabilityUnavailable.
func (m *Manager) dispatch(ctx context.Context, c provider.Capability, call func(context.Context, provider.Provider) error) error {
	mode := m.Mode()
	pool := m.pools[c]
	var errs []error
	for _, cand := range m.registry.Candidates(c) {
		d := cand.Descriptor
		if !eligible(d, mode) {
			continue
		}
		start := time.Now()
		err := pool.Do(ctx, m.timeout(d.ID), func(ctx context.Context) error {
			return call(ctx, cand.Provider)
		})
		if m.observer != nil {
			m.observer.ProviderCall(string(c), d.ID, time.Since(start), err)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, provider.ErrCapabilityBusy) {
			return &provider.CapabilityError{Capability: c, Mode: string(mode), Err: err}
		}
		if ctx.Err() != nil {
			return err
		}
		m.logger.Warn("provider call failed, falling back",
			zap.String("capability", string(c)),
			zap.String("provider", d.ID),
			zap.Error(err))
		if errors.Is(err, provider.ErrProviderUnavailable) {
			m.markHealth(d.ID, err)
			m.refreshCapabilities()
		}
		errs = append(errs, err)
	}

	cause := errors.New("no eligible provider")
	if len(errs) > 0 {
		cause = errors.Join(errs...)
	}
	return &provider.CapabilityError{
		Capability: c,
		Mode:       string(mode),
		Err:        fmt.Errorf("%w: %w", provider.ErrCapabilityUnavailable, cause),
	}
}
