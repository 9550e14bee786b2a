// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aviamcp/token-proxy/pkg/config"
	"github.com/aviamcp/token-proxy/pkg/proxy"
	"github.com/aviamcp/token-proxy/pkg/server"
	"github.com/aviamcp/token-proxy/pkg/token"
	"github.com/aviamcp/token-proxy/pkg/tools"
)

type cliFlags struct {
	configFile    string
	listenAddr    string
	upstreamURL   string
	accountsFile  string
	blacklistFile string
	logLevel      string
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var flags cliFlags

	rootCmd := &cobra.Command{
		Use:   "token-proxy",
		Short: "Token-rotating reverse proxy for an upstream MCP server",
		Long: "token-proxy forwards MCP requests to a single upstream server while " +
			"rotating through a pool of API tokens, blacklisting tokens the upstream " +
			"rejects and retrying with the rest.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	rootCmd.Flags().StringVar(&flags.configFile, "config", "", "path to optional YAML config file")
	rootCmd.Flags().StringVar(&flags.listenAddr, "listen", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flags.upstreamURL, "upstream", "", "upstream MCP base URL")
	rootCmd.Flags().StringVar(&flags.accountsFile, "accounts-file", "", "path to the account file (username|password|token per line)")
	rootCmd.Flags().StringVar(&flags.blacklistFile, "blacklist-file", "", "path to the persisted token blacklist")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(flags cliFlags) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}
	applyFlagOverrides(&cfg, flags)

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Error().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
		return err
	}
	log.Logger = log.Level(level)

	tokens, err := token.NewManager(cfg.AccountsFile, cfg.BlacklistFile)
	if err != nil {
		log.Error().Err(err).Str("accounts_file", cfg.AccountsFile).Msg("failed to load token pool")
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewIPLookup(10 * time.Second))
	if err := registry.StartAll(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to start tools")
		return err
	}

	pipeline := proxy.NewPipeline(cfg, tokens)
	handler := server.New(pipeline, tokens, registry, cfg.Upstream.String())

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: cfg.ServerIdleTimeout,
		// No write timeout: streaming responses stay open for minutes.
	}

	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("upstream", cfg.Upstream.String()).
			Int("tokens", tokens.Stats().TotalLoaded).
			Msg("starting MCP token proxy")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("proxy server exited unexpectedly")
		}
	}()

	waitForShutdown(context.Background(), srv, registry, cfg.GracefulShutdownTimeout)
	return nil
}

// applyFlagOverrides lets explicit CLI flags win over environment and file
// configuration.
func applyFlagOverrides(cfg *config.Config, flags cliFlags) {
	if flags.listenAddr != "" {
		cfg.ListenAddr = flags.listenAddr
	}
	if flags.upstreamURL != "" {
		if parsed, err := url.Parse(flags.upstreamURL); err == nil && parsed.IsAbs() {
			cfg.Upstream = parsed
		} else {
			log.Warn().Str("upstream", flags.upstreamURL).Msg("ignoring invalid --upstream flag")
		}
	}
	if flags.accountsFile != "" {
		cfg.AccountsFile = flags.accountsFile
	}
	if flags.blacklistFile != "" {
		cfg.BlacklistFile = flags.blacklistFile
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
}

func waitForShutdown(ctx context.Context, srv *http.Server, registry *tools.Registry, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down MCP token proxy")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	registry.StopAll(shutdownCtx)

	log.Info().Msg("proxy stopped")
}
