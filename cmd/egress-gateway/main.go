// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Egress-gateway is the sandbox egress proxy. It terminates outbound
// TLS from the sandbox with certificates signed by its own rotating
// authority, enforces a per-host allow/deny/inject policy, and attaches
// credentials the sandbox never sees before forwarding upstream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/egress/authority"
	"github.com/bureau-foundation/egress/credential"
	"github.com/bureau-foundation/egress/gateway"
	"github.com/bureau-foundation/egress/policy"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var policyPath string
	var stateDir string
	var credentialDir string
	var listenAddress string
	var logLevel string
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to gateway config file (YAML)")
	pflag.StringVar(&policyPath, "policy", "", "path to policy table (JSONC), overrides config")
	pflag.StringVar(&stateDir, "state-dir", "", "authority state directory, overrides config")
	pflag.StringVar(&credentialDir, "credential-dir", "", "credential token directory, overrides config")
	pflag.StringVar(&listenAddress, "listen", "", "sandbox-facing TCP address, overrides config")
	pflag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("egress-gateway %s\n", version)
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	config := gateway.DefaultConfig()
	if configPath != "" {
		loaded, err := gateway.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		config = loaded
	}
	if policyPath != "" {
		config.PolicyPath = policyPath
	}
	if stateDir != "" {
		config.StateDir = stateDir
	}
	if credentialDir != "" {
		config.CredentialDir = credentialDir
	}
	if listenAddress != "" {
		config.ListenAddress = listenAddress
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	table, err := policy.Load(config.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	logger.Info("loaded policy table",
		"path", config.PolicyPath,
		"rules", table.Len(),
	)
	if table.RequiresCredentials() && config.CredentialDir == "" {
		return fmt.Errorf("policy contains inject rules but no credential_dir is configured")
	}

	manager, err := authority.NewManager(authority.ManagerConfig{
		StateDir:       config.StateDir,
		Validity:       config.AuthorityValidity,
		RotationMargin: config.RotationMargin,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create authority manager: %w", err)
	}
	// No authority, no gateway: refusing to start beats starting a
	// proxy that rejects every CONNECT.
	if err := manager.Ensure(); err != nil {
		return fmt.Errorf("failed to establish signing authority: %w", err)
	}
	logger.Info("signing authority ready",
		"generation", manager.Active().Generation(),
		"cert_path", manager.CertPath(),
	)

	issuer, err := authority.NewIssuer(authority.IssuerConfig{
		Manager: manager,
		LeafTTL: config.LeafTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create leaf issuer: %w", err)
	}

	var injector *credential.Injector
	if config.CredentialDir != "" {
		source := credential.NewDir(config.CredentialDir, 0, nil)
		defer source.Close()
		injector = credential.NewInjector(source)
		logger.Info("using credential directory", "path", config.CredentialDir)
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		ListenAddress:      config.ListenAddress,
		Policy:             table,
		Manager:            manager,
		Issuer:             issuer,
		Injector:           injector,
		ConnectionDeadline: config.ConnectionDeadline,
		IdleTimeout:        config.IdleTimeout,
		Logger:             logger,
		AuditLogger:        logger.With("component", "audit"),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go manager.Run(ctx)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
