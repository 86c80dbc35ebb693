package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-governance/internal/governance"
	"github.com/polisai/polis-governance/internal/qps"
	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/logging"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governance admin server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringP("rules", "r", "", "Path to governance rules file (overrides governance.rules_file)")
	cmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	rulesPath, err := cmd.Flags().GetString("rules")
	if err != nil {
		return fmt.Errorf("failed to get rules flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if rulesPath != "" {
		cfg.Governance.RulesFile = rulesPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Governance.RulesFile == "" {
		return errors.New("no rules file configured, use --rules or governance.rules_file")
	}

	logger := logging.SetupLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:     "polis-governance",
		ServiceVersion:  cfg.Governance.ServiceVersion,
		Endpoint:        cfg.Telemetry.OTLPEndpoint,
		Insecure:        cfg.Telemetry.Insecure,
		GovernedService: cfg.Governance.ServiceName,
		RulesFile:       cfg.Governance.RulesFile,
		SampleRatio:     cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	source, err := config.NewFileSource(cfg.Governance.RulesFile, logger)
	if err != nil {
		return fmt.Errorf("failed to watch rules file: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Error("Failed to close rules source", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := newRuntime(cfg.Governance, source, registry, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           newAdminHandler(rt, registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Starting polis-governance",
		"admin_addr", cfg.Server.AdminAddress,
		"rules", cfg.Governance.RulesFile,
		"service", cfg.Governance.ServiceName,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runtime bundles the governance entry points served by the admin API.
type runtime struct {
	governor *governance.Governor
	provider *qps.FlowControlHandler
	consumer *qps.FlowControlHandler
}

func newRuntime(cfg config.GovernanceConfig, source domain.ConfigSource, reg prometheus.Registerer, logger *slog.Logger) (*runtime, error) {
	governor, err := governance.NewGovernor(governance.Options{
		Source:                           source,
		Service:                          domain.ServiceMeta{Name: cfg.ServiceName, Version: cfg.ServiceVersion},
		Registerer:                       reg,
		Logger:                           logger,
		InstanceIsolationDefaultFallback: cfg.InstanceIsolationDefaultFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build governor: %w", err)
	}

	rt := &runtime{governor: governor}
	for _, role := range []qps.Role{qps.Provider, qps.Consumer} {
		m, err := qps.NewManager(qps.Options{
			Role:           role,
			Source:         source,
			GlobalOverride: cfg.GlobalQPSOverride,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build %s qps manager: %w", role, err)
		}
		if role == qps.Provider {
			rt.provider = qps.NewFlowControlHandler(m)
		} else {
			rt.consumer = qps.NewFlowControlHandler(m)
		}
	}
	return rt, nil
}
