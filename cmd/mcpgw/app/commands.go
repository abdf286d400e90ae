// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the mcpgw command tree.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-gateway/pkg/gateway/api"
	"github.com/stacklok/mcp-gateway/pkg/gateway/authz"
	"github.com/stacklok/mcp-gateway/pkg/gateway/catalog"
	"github.com/stacklok/mcp-gateway/pkg/gateway/config"
	"github.com/stacklok/mcp-gateway/pkg/gateway/health"
	"github.com/stacklok/mcp-gateway/pkg/gateway/registry"
	"github.com/stacklok/mcp-gateway/pkg/gateway/server"
	"github.com/stacklok/mcp-gateway/pkg/gateway/session"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Exit codes: 0 clean shutdown, 1 unrecoverable startup failure, 2
// configuration error.
const (
	exitOK      = 0
	exitStartup = 1
	exitConfig  = 2
)

// configError marks failures that should exit with the config code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// Run executes the root command and maps errors to process exit codes.
func Run() int {
	if err := newRootCmd().Execute(); err != nil {
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return exitConfig
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitStartup
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcpgw",
		Short: "MCP gateway: one endpoint fronting many MCP servers",
		Long: `mcpgw is a reverse proxy for the Model Context Protocol. It aggregates
the tool catalogs of many backend MCP servers behind a single MCP endpoint,
supervises backend health, and forwards tool calls to the owning backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpgw %s\n", Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

// lazyInvalidator breaks the construction cycle between the supervisor and
// the catalog: the supervisor needs an invalidator before the catalog, which
// needs the supervisor's session and health views, exists.
type lazyInvalidator struct {
	catalog atomic.Pointer[catalog.Catalog]
}

func (l *lazyInvalidator) Invalidate() {
	if c := l.catalog.Load(); c != nil {
		c.Invalidate()
	}
}

// sessionProvider adapts the supervisor's concrete sessions to the
// catalog's lister interface.
type sessionProvider struct {
	monitor *health.Monitor
}

func (p sessionProvider) SessionFor(backendID string) (catalog.ToolLister, bool) {
	sess, ok := p.monitor.SessionFor(backendID)
	if !ok {
		return nil, false
	}
	return sess, true
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err: err}
	}

	auth := authz.NewOpen()
	if cfg.PolicyFile != "" {
		auth, err = authz.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return &configError{err: err}
		}
	}

	reg := registry.New()

	inv := &lazyInvalidator{}
	monitor := health.NewMonitor(reg, inv, health.Config{
		ProbeInterval: cfg.ProbeInterval,
		FailThreshold: cfg.FailThreshold,
		BackoffMin:    cfg.BackoffMin,
		BackoffMax:    cfg.BackoffMax,
		SessionConfig: session.Config{},
	})

	cat := catalog.New(reg, sessionProvider{monitor: monitor}, monitor,
		cfg.CollisionPolicy, cfg.CatalogTTL)
	inv.catalog.Store(cat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	defer monitor.Stop()

	// Seed the fleet after the supervisor subscribes so every seeded
	// backend gets a session and a prober.
	if cfg.BackendsFile != "" {
		if err := reg.LoadSeedFile(cfg.BackendsFile); err != nil {
			return &configError{err: err}
		}
	}

	adminAPI := api.New(reg, monitor, cat, cfg.AdminToken)
	srv := server.New(cfg, cat, monitor, auth, adminAPI.Router())

	logger.Infow("Starting MCP gateway", "version", Version, "bind", cfg.Bind)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}
	logger.Infof("Gateway shut down cleanly")
	return nil
}
