package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/provider"
)

const (
	healthTimeout     = 5 * time.Second
	healthConcurrency = 4
)

func providerComponent(id string) string { return "provider:" + id }

// monitor health-checks every backend on the configured interval until shutdown.
func (m *Manager) monitor() {
	ticker := time.NewTicker(m.cfg.Health.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(m.ctx)
		}
	}
}

// checkHealth health-checks all backends in parallel, then applies the results
// in one pass so status transitions are published in a stable order.
func (m *Manager) checkHealth(ctx context.Context) {
	provs := m.registry.Providers()
	results := make([]error, len(provs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthConcurrency)
	for i, p := range provs {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, healthTimeout)
			defer cancel()
			results[i] = p.HealthCheck(pctx)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	for i, p := range provs {
		m.markHealth(p.ID(), results[i])
	}
	m.refreshCapabilities()
}

func (m *Manager) checkOne(ctx context.Context, id string) {
	p, ok := m.registry.Get(id)
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	err := p.HealthCheck(pctx)
	if ctx.Err() != nil {
		return
	}
	m.markHealth(id, err)
	m.refreshCapabilities()
}

// markHealth records one health check or call outcome for provider id.
func (m *Manager) markHealth(id string, err error) {
	avail := provider.Online
	if err != nil {
		avail = provider.Offline
	}
	if m.registry.SetAvailability(id, avail) {
		m.logger.Info("provider availability changed",
			zap.String("provider", id),
			zap.String("availability", string(avail)),
			zap.Error(err))
	}
	if err != nil {
		m.setStatus(providerComponent(id), Down, fmt.Sprintf("Provider %s is unreachable.", id), true)
		return
	}
	m.setStatus(providerComponent(id), Up, "", true)
}

// refreshCapabilities derives per-capability status from the registry and
// the current mode. A capability is Down only when no backend may serve it.
func (m *Manager) refreshCapabilities() {
	mode := m.Mode()
	cloudRegistered, cloudOnline := false, false

	for _, c := range provider.Capabilities {
		cands := m.registry.Candidates(c)
		allowed, online := 0, 0
		for _, cand := range cands {
			d := cand.Descriptor
			if !d.OfflineCapable {
				cloudRegistered = true
				cloudOnline = cloudOnline || d.Availability != provider.Offline
			}
			if mode == config.ModeOfflineOnly && !d.OfflineCapable {
				continue
			}
			allowed++
			if eligible(d, mode) {
				online++
			}
		}
		name := string(c)
		switch {
		case len(cands) == 0:
			m.setStatus(name, Down, fmt.Sprintf("No %s provider is registered.", c), true)
		case allowed == 0:
			m.setStatus(name, Down, fmt.Sprintf("Offline-only mode rules out every registered %s provider.", c), true)
		case online == 0:
			m.setStatus(name, Down, fmt.Sprintf("No %s provider is reachable.", c), true)
		case online < allowed:
			m.setStatus(name, Degraded, fmt.Sprintf("%d of %d %s providers are unreachable.", allowed-online, allowed, c), true)
		default:
			m.setStatus(name, Up, "", true)
		}
	}

	if !cloudRegistered {
		return
	}
	switch {
	case mode == config.ModeOfflineOnly:
		m.setStatus(ComponentCloud, Down, "Cloud providers are disabled in offline-only mode.", true)
	case !cloudOnline:
		m.setStatus(ComponentCloud, Down, "No cloud provider is reachable.", true)
	default:
		m.setStatus(ComponentCloud, Up, "", true)
	}
}
