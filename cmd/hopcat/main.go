// SPDX-License-Identifier: GPL-3.0-or-later

// Command hopcat moves bytes over a hops chain.
//
// The serve subcommand runs an echo server behind the configured transport
// and stages. The connect subcommand connects to it and copies the standard
// input to the tunnel and the tunnel to the standard output.
package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/bassosimone/hops"
	"github.com/bassosimone/hops/internal/appconfig"
	"github.com/bassosimone/runtimex"
	"github.com/spf13/cobra"
)

var (
	configFile    string
	logLevel      string
	transportKind string
	noCompression bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hopcat",
	Short: "Move bytes over a multi-hop tunnel",
	Long: `hopcat builds a chain of hops nodes (transport, compression and
instrumentation) from a YAML configuration file and command line flags.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	pf.StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	pf.StringVarP(&transportKind, "transport", "t", appconfig.KindTCP, "Wire transport (tcp, websocket)")
	pf.BoolVar(&noCompression, "no-compression", false, "Disable the compression stage")

	rootCmd.AddCommand(serveCmd, connectCmd)
}

// loadConfig merges the configuration file with the flags the user
// explicitly set on cmd.
func loadConfig(cmd *cobra.Command) (*appconfig.Config, error) {
	cfg := appconfig.Default()
	if configFile != "" {
		var err error
		if cfg, err = appconfig.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") || configFile == "" {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("transport") {
		cfg.Transport.Kind = transportKind
	}
	if noCompression {
		cfg.Compression.Enabled = false
	}
	applyCommandFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyCommandFlags applies the flags of the subcommands.
func applyCommandFlags(cmd *cobra.Command, cfg *appconfig.Config) {
	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Transport.Bind = bindFlag
	}
	if flags.Changed("port") {
		cfg.Transport.LocalPort = portFlag
	}
	if flags.Changed("host") {
		cfg.Transport.RemoteHost = hostFlag
	}
	if flags.Changed("remote-port") {
		cfg.Transport.RemotePort = remotePortFlag
	}
}

func setupLogger(level string) *slog.Logger {
	lvl, err := appconfig.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newHopsConfig returns the [*hops.Config] for cfg.
func newHopsConfig(cfg *appconfig.Config, logger *slog.Logger) *hops.Config {
	hcfg := hops.NewConfig()
	cfg.Apply(hcfg)
	if cfg.DNS.Server != "" {
		server := runtimex.PanicOnError1(netip.ParseAddrPort(cfg.DNS.Server)) // checked by Validate
		hcfg.Resolver = hops.NewDNSOverUDPResolver(hcfg, server, logger)
	}
	return hcfg
}

// newCompressionStages returns the stages implementing compression, or
// nothing when compression is disabled.
func newCompressionStages(cfg *appconfig.Config, hcfg *hops.Config,
	role hops.Role, logger *slog.Logger) ([]hops.Node, error) {
	if !cfg.Compression.Enabled {
		return nil, nil
	}
	factories, err := cfg.Factories()
	if err != nil {
		return nil, err
	}
	var stages []hops.Node
	if cfg.Compression.MaxBlockSize > 0 {
		stages = append(stages, hops.SetBagNode(map[string]any{
			hops.KeyComprMaxBlockSize: cfg.Compression.MaxBlockSize,
		}))
	}
	ccfg := &hops.CompressionConfig{Algorithms: factories, BlockSize: cfg.Compression.BlockSize}
	return append(stages, hops.NewCompressionNode(hcfg, ccfg, role, logger)), nil
}
