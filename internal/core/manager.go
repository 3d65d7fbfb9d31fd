// Package core supervises the process: it owns the operating mode and the
// provider worker pools, dispatches capability calls by preference, watches
// backend health and feeds user input into the reasoning loop.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/command"
	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/reasoning"
	"github.com/nidhogg/copartner/internal/safety"
	"github.com/nidhogg/copartner/internal/skill"
)

// Observer receives provider call outcomes, component transitions and
// everything the reasoning loop reports.
type Observer interface {
	reasoning.Observer
	ProviderCall(capability, providerID string, d time.Duration, err error)
	ComponentChanged(component, status string)
}

// Subsystem is an optional attachment run for the lifetime of the manager,
// such as the Redis bridge to worker nodes.
type Subsystem interface {
	Name() string
	Run(ctx context.Context) error
	Close() error
}

// Deps are the components the manager supervises. Registry, Bus and Memory
// are required.
type Deps struct {
	Registry *provider.Registry
	Bus      *event.Bus
	Memory   *memory.Manager
	Rules    *safety.RuleSource
	Skills   *skill.Manager
	Archiver reasoning.Archiver
	Observer Observer
}

// Manager is the Core Manager.
type Manager struct {
	cfg      *config.Config
	mode     atomic.Value // config.Mode
	registry *provider.Registry
	bus      *event.Bus
	memory   *memory.Manager
	rules    *safety.RuleSource
	skills   *skill.Manager
	pools    map[provider.Capability]*provider.Pool
	router   *intent.Router
	chat     *intent.ChatGate
	loop     *reasoning.Loop
	commands *command.Registry
	observer Observer
	logger   *zap.Logger

	timeoutMu sync.RWMutex
	timeouts  map[string]time.Duration

	// announceMu orders status transitions together with their events;
	// statusMu only guards the map so readers never wait on the bus.
	announceMu sync.Mutex
	statusMu   sync.Mutex
	status     map[string]ComponentState

	subsystems []Subsystem

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	intakeWG sync.WaitGroup
	intake   *event.Subscription
	started  atomic.Bool
	stopped  atomic.Bool
}

// New wires the router, reasoning loop and command registry around deps and
// registers every provider named in cfg.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	if deps.Registry == nil || deps.Bus == nil || deps.Memory == nil {
		return nil, errors.New("core: registry, bus and memory are required")
	}
	if deps.Rules == nil {
		rs, err := safety.NewRuleSource(safety.Builtin(), "default", logger)
		if err != nil {
			return nil, fmt.Errorf("core: builtin safety rules: %w", err)
		}
		deps.Rules = rs
	}
	if deps.Skills == nil {
		deps.Skills = skill.NewManager()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		registry: deps.Registry,
		bus:      deps.Bus,
		memory:   deps.Memory,
		rules:    deps.Rules,
		skills:   deps.Skills,
		pools:    make(map[provider.Capability]*provider.Pool),
		observer: deps.Observer,
		logger:   logger,
		timeouts: make(map[string]time.Duration),
		status:   make(map[string]ComponentState),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.mode.Store(cfg.Mode)

	for _, c := range provider.Capabilities {
		pc, ok := cfg.Pools[string(c)]
		if !ok {
			pc = config.PoolConfig{Workers: 1, Queue: 4}
		}
		m.pools[c] = provider.NewPool(c, pc.Workers, pc.Queue, logger)
	}
	for capability, ids := range cfg.Preferences {
		m.registry.SetPreference(provider.Capability(capability), ids)
	}
	for _, pc := range cfg.Providers {
		if err := m.RegisterProvider(ProviderConfig(pc)); err != nil {
			logger.Warn("provider not registered", zap.String("id", pc.ID), zap.Error(err))
		}
	}

	m.router = intent.NewRouter(m, m.skills, m.memory, cfg.Reasoning.ConfidenceFloor, logger)
	m.chat = intent.NewChatGate(cfg.Chat.GatedSources, cfg.Chat.AutoReply)
	m.loop = reasoning.New(reasoning.Deps{
		Capabilities: m,
		Mode:         m,
		Rules:        m.rules,
		Memory:       m.memory,
		Bus:          m.bus,
		Skills:       m.skills,
		Archiver:     deps.Archiver,
		Topics:       m.router,
		Profiles:     m.rules,
		Observer:     loopHooks{m},
	}, reasoning.OptionsFrom(cfg), logger)

	m.commands = command.NewRegistry()
	command.RegisterBuiltins(m.commands, command.Deps{
		Status:   m,
		Mode:     m,
		Topics:   m.memory,
		Sessions: m,
		Skills:   m.skills,
		Profiles: m.rules,
		Chat:     m.chat,
	})
	command.RegisterMemoryCommands(m.commands, m.memory)
	command.RegisterProviderCommands(m.commands, m.registry)
	if cfg.Commands.Path != "" {
		names, err := command.LoadCustom(m.commands, cfg.Commands.Path)
		if err != nil {
			logger.Warn("custom commands not loaded", zap.String("path", cfg.Commands.Path), zap.Error(err))
		} else if len(names) > 0 {
			logger.Info("custom commands loaded", zap.Strings("names", names))
		}
	}
	return m, nil
}

// loopHooks releases the router's chain state when a session ends and
// forwards loop outcomes to the observer.
type loopHooks struct{ m *Manager }

func (h loopHooks) GateDecision(action string, v safety.Verdict) {
	if h.m.observer != nil {
		h.m.observer.GateDecision(action, v)
	}
}

func (h loopHooks) SessionFinished(s reasoning.Session) {
	h.m.router.EndChain(s.CorrelationID)
	if h.m.observer != nil {
		h.m.observer.SessionFinished(s)
	}
}

// ProviderConfig converts a config file entry into a backend config.
func ProviderConfig(pc config.ProviderConfig) provider.ProviderConfig {
	caps := make([]provider.Capability, 0, len(pc.Capabilities))
	for _, c := range pc.Capabilities {
		caps = append(caps, provider.Capability(c))
	}
	return provider.ProviderConfig{
		ID:             pc.ID,
		Type:           pc.Type,
		Name:           pc.Name,
		Endpoint:       pc.Endpoint,
		APIKey:         pc.APIKey,
		Models:         pc.Models,
		Extra:          pc.Extra,
		Timeout:        pc.Timeout(),
		Capabilities:   caps,
		OfflineCapable: pc.OfflineCapable,
	}
}

// Loop returns the reasoning loop.
func (m *Manager) Loop() *reasoning.Loop { return m.loop }

// Router returns the intent router.
func (m *Manager) Router() *intent.Router { return m.router }

// Chat returns the gate deciding which audience chat gets answered.
func (m *Manager) Chat() *intent.ChatGate { return m.chat }

// Commands returns the slash command registry.
func (m *Manager) Commands() *command.Registry { return m.commands }

// Bus returns the event bus.
func (m *Manager) Bus() *event.Bus { return m.bus }

// Registry returns the provider registry.
func (m *Manager) Registry() *provider.Registry { return m.registry }

// Memory returns the memory manager.
func (m *Manager) Memory() *memory.Manager { return m.memory }

// Rules returns the safety rule source.
func (m *Manager) Rules() *safety.RuleSource { return m.rules }

// Attach adds an optional subsystem. It must be called before Start.
func (m *Manager) Attach(s Subsystem) {
	m.subsystems = append(m.subsystems, s)
}

// Mode returns the operating mode in force right now.
func (m *Manager) Mode() config.Mode {
	return m.mode.Load().(config.Mode)
}

// SetMode switches between offline_only and hybrid. The next provider call
// and the next safety evaluation see the new mode.
func (m *Manager) SetMode(mode config.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}
	prev := m.mode.Swap(mode).(config.Mode)
	if prev != mode {
		m.logger.Info("mode switched", zap.String("from", string(prev)), zap.String("to", string(mode)))
		m.refreshCapabilities()
	}
	return nil
}

// ClearSession drops session-tier memory and routing state for sessionKey.
// Clearing an empty session is a no-op.
func (m *Manager) ClearSession(sessionKey string) {
	m.memory.ClearSession(sessionKey)
	m.router.Forget(sessionKey)
}

// RegisterProvider adds or hot-swaps a backend from its config.
func (m *Manager) RegisterProvider(cfg provider.ProviderConfig) error {
	if err := m.registry.RegisterConfig(cfg); err != nil {
		return err
	}
	m.timeoutMu.Lock()
	m.timeouts[cfg.ID] = cfg.Timeout
	m.timeoutMu.Unlock()
	if m.started.Load() {
		m.wg.Go(func() { m.checkOne(m.ctx, cfg.ID) })
	}
	return nil
}

// RemoveProvider unregisters a backend.
func (m *Manager) RemoveProvider(id string) {
	m.registry.Remove(id)
	m.timeoutMu.Lock()
	delete(m.timeouts, id)
	m.timeoutMu.Unlock()
	m.statusMu.Lock()
	delete(m.status, providerComponent(id))
	m.statusMu.Unlock()
	m.refreshCapabilities()
}

func (m *Manager) timeout(id string) time.Duration {
	m.timeoutMu.RLock()
	defer m.timeoutMu.RUnlock()
	return m.timeouts[id]
}

// Start brings up the reasoning loop, input intake, health monitor and
// attached subsystems.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("core: already started")
	}
	m.setStatus(ComponentBus, Up, "", false)
	m.setStatus(ComponentMemory, Up, "", false)
	m.setStatus(ComponentReasoning, Up, "", false)

	m.loop.Start()
	if m.cfg.MachineRole == "" || m.cfg.MachineRole == "main" {
		m.startIntake()
	} else {
		m.logger.Info("intake disabled for machine role", zap.String("role", m.cfg.MachineRole))
	}

	m.checkHealth(ctx)
	m.wg.Go(m.monitor)

	for _, s := range m.subsystems {
		m.wg.Go(func() {
			m.SetUp(s.Name())
			if err := s.Run(m.ctx); err != nil && m.ctx.Err() == nil {
				m.SetDown(s.Name(), fmt.Sprintf("The %s subsystem stopped: %v.", s.Name(), err))
			}
		})
	}

	m.logger.Info("core started",
		zap.String("mode", string(m.Mode())),
		zap.String("role", m.cfg.MachineRole),
		zap.Int("providers", len(m.registry.Providers())),
		zap.Int("subsystems", len(m.subsystems)))
	return nil
}

// Shutdown stops intake, drains in-flight sessions, then halts the health
// monitor, subsystems, provider pools and finally the bus. When ctx expires
// before the drain completes, remaining sessions are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error

	if m.intake != nil {
		m.bus.Unsubscribe(m.intake)
	}
	intakeDone := make(chan struct{})
	go func() {
		m.intakeWG.Wait()
		close(intakeDone)
	}()
	select {
	case <-intakeDone:
	case <-ctx.Done():
		m.cancel()
		<-intakeDone
	}

	if err := m.loop.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain sessions: %w", err))
	}
	m.loop.Close()

	m.cancel()
	for _, s := range m.subsystems {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	m.wg.Wait()

	for _, p := range m.pools {
		p.Close()
	}
	if err := m.bus.Close(); err != nil && !errors.Is(err, event.ErrClosed) {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	m.logger.Info("core stopped")
	return errors.Join(errs...)
}
