// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/hops"
	"github.com/bassosimone/hops/internal/appconfig"
	"github.com/spf13/cobra"
)

var (
	bindFlag string
	portFlag int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server at the end of the chain",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&bindFlag, "bind", "b", "127.0.0.1", "Semicolon separated bind specifiers")
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 9000, "Default local port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel)
	hcfg := newHopsConfig(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var acceptor hops.Acceptor
	switch cfg.Transport.Kind {
	case appconfig.KindWebSocket:
		acceptor = hops.NewWebSocketAcceptor(hcfg, cfg.HopsTransportConfig(), logger)
	default:
		acceptor = hops.NewTCPAcceptor(hcfg, cfg.HopsTransportConfig(), logger)
	}

	stages, err := newCompressionStages(cfg, hcfg, hops.RoleServer, logger)
	if err != nil {
		return err
	}
	stages = append(stages, hops.NewObserveNode(hcfg, nil, logger))

	failed := make(chan hops.NodeFailure, 1)
	exit := hops.NewExit(hcfg, logger)
	exit.OnFailure(func(f hops.NodeFailure) { failed <- f })
	exit.OnTunnel(func(t hops.Tunnel, bag *hops.Bag) {
		go echo(t)
	})

	server := hops.NewServer(hcfg, acceptor, exit, logger, stages...)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("serving", slog.String("bind", cfg.Transport.Bind), slog.String("transport", cfg.Transport.Kind))

	var result error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case f := <-failed:
		result = fmt.Errorf("%s failed: %w", f.Node, f.Err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), hcfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(result, server.Shutdown(shutdownCtx))
}

// echo copies everything it reads from t back to t.
func echo(t hops.Tunnel) {
	rwc := hops.NewReadWriteCloser(t)
	defer rwc.Close()
	_, _ = io.Copy(rwc, rwc)
}
