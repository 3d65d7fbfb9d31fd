package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/api"
	"github.com/nidhogg/copartner/internal/bridge"
	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/core"
	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/metrics"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/reasoning"
	"github.com/nidhogg/copartner/internal/safety"
	"github.com/nidhogg/copartner/internal/skill"
	"github.com/nidhogg/copartner/internal/store"
)

const shutdownGrace = 15 * time.Second

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant core and its HTTP control surface",
		RunE:  runServe,
	}
	cmd.Flags().Bool("ephemeral", false, "Keep memory in process only; nothing is written to disk")
	cmd.Flags().String("skills", "skills", "Directory of skill plugins")
	cmd.Flags().Int("port", 0, "Override server.port")
	rootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ephemeral, _ := cmd.Flags().GetBool("ephemeral")
	skillsDir, _ := cmd.Flags().GetString("skills")
	port, _ := cmd.Flags().GetInt("port")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting copartner",
		zap.String("mode", string(cfg.Mode)),
		zap.String("role", cfg.MachineRole),
		zap.Bool("ephemeral", ephemeral))

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(metrics.DefaultConfig())
	}

	bus := event.NewBus(event.Config{
		QueueSize: cfg.Bus.QueueSize,
		Overflow:  event.Overflow(cfg.Bus.Overflow),
	}, logger)
	if collector != nil {
		bus.SetObserver(collector)
	}

	// Memory: SQLite log unless ephemeral
	var (
		st       *store.Store
		memLog   memory.Log = memory.NewMemLog()
		archiver reasoning.Archiver
	)
	if !ephemeral {
		st, err = store.Open(ctx, cfg.Memory.Path, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		memLog, archiver = st.MemoryLog(), st
	}
	mem := memory.NewManager(memLog, nil, logger)
	if err := mem.Load(ctx); err != nil {
		return fmt.Errorf("replay memory: %w", err)
	}

	rules, err := loadRules(cfg.Safety, logger)
	if err != nil {
		return err
	}

	skills := skill.NewManager()
	skill.RegisterBuiltins(skills)
	loaded, err := skills.LoadDir(skillsDir)
	if err != nil {
		logger.Warn("some skill plugins were skipped", zap.String("dir", skillsDir), zap.Error(err))
	}
	if len(loaded) > 0 {
		logger.Info("skill plugins loaded", zap.Strings("ids", loaded))
	}

	deps := core.Deps{
		Registry: provider.NewRegistry(logger),
		Bus:      bus,
		Memory:   mem,
		Rules:    rules,
		Skills:   skills,
		Archiver: archiver,
	}
	if collector != nil {
		deps.Observer = collector
	}
	c, err := core.New(cfg, deps, logger)
	if err != nil {
		return err
	}

	// Providers saved through the API replace file entries with the same id.
	if st != nil {
		rows, err := st.ListProviders(ctx)
		if err != nil {
			logger.Warn("stored providers not loaded", zap.Error(err))
		}
		for _, r := range rows {
			if err := c.RegisterProvider(r.Config); err != nil {
				logger.Warn("stored provider not registered", zap.String("id", r.Config.ID), zap.Error(err))
			}
		}
	}

	if cfg.Redis.URL != "" {
		b, err := bridge.New(cfg.Redis, bus, c, logger)
		if err != nil {
			logger.Warn("worker bridge disabled", zap.Error(err))
		} else {
			c.Attach(b)
		}
	}

	if err := c.Start(ctx); err != nil {
		return err
	}

	var metricsHandler http.Handler
	if collector != nil {
		metricsHandler = collector.Handler()
	}
	h := api.NewHandler(c, st, metricsHandler, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	return c.Shutdown(shutdownCtx)
}

// loadRules reads the configured rules file, or the built-in profiles when
// none is set.
func loadRules(sc config.SafetyConfig, logger *zap.Logger) (*safety.RuleSource, error) {
	profiles := safety.Builtin()
	if sc.RulesPath != "" {
		p, err := safety.Load(sc.RulesPath)
		if err != nil {
			return nil, err
		}
		profiles = p
	}
	profile := sc.Profile
	if profile == "" {
		profile = "default"
	}
	return safety.NewRuleSource(profiles, profile, logger)
}
