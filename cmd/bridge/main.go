// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command bridge relays chat between Discord channels, IRC channels and XMPP
// multi-user chats, with per-user IRC puppets and MUC occupants.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/ptr"

	"github.com/aiku/atl-bridge/pkg/bridge"
	"github.com/aiku/atl-bridge/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func newRootCommand() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:           "bridge",
		Short:         "Discord, IRC and XMPP chat bridge",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.AddCommand(&cobra.Command{
		Use:   "generate-config",
		Short: "Print the example config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
			return err
		},
	})
	return cmd
}

// newLogger compiles the logging block and applies --verbose and LOG_LEVEL.
func newLogger(cfg *config.Config, verbose bool) (zerolog.Logger, error) {
	if verbose {
		cfg.Logging.MinLevel = ptr.Ptr(zerolog.DebugLevel)
	} else if cfg.Env.LogLevel != "" {
		level, err := zerolog.ParseLevel(cfg.Env.LogLevel)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Env.LogLevel, err)
		}
		cfg.Logging.MinLevel = &level
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to configure logging: %w", err)
	}
	return *log, nil
}

func run(ctx context.Context, configPath string, verbose bool) error {
	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg, err := config.Load(configPath, bootLog)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, verbose)
	if err != nil {
		return err
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Str("config", configPath).Msg("Starting bridge")

	b := bridge.New(log, cfg, func() (*config.Config, error) {
		return config.Load(configPath, log)
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Info().Msg("SIGHUP received, reloading config")
				_, _ = b.Reload()
			}
		}
	}()

	return b.Run(ctx)
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
