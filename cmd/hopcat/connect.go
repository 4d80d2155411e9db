// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/hops"
	"github.com/bassosimone/hops/internal/appconfig"
	"github.com/spf13/cobra"
)

var (
	hostFlag       string
	remotePortFlag int
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Copy stdin to the chain and the chain to stdout",
	RunE:  runConnect,
}

func init() {
	connectCmd.Flags().StringVarP(&hostFlag, "host", "H", "127.0.0.1", "Remote host")
	connectCmd.Flags().IntVarP(&remotePortFlag, "remote-port", "r", 9000, "Remote port")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel)
	hcfg := newHopsConfig(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var transport hops.Func[*hops.Bag, *hops.Handoff]
	switch cfg.Transport.Kind {
	case appconfig.KindWebSocket:
		transport = hops.NewWebSocketConnectFunc(hcfg, cfg.HopsTransportConfig(), logger)
	default:
		transport = hops.NewTCPConnectFunc(hcfg, cfg.HopsTransportConfig(), logger)
	}

	stages, err := newCompressionStages(cfg, hcfg, hops.RoleClient, logger)
	if err != nil {
		return err
	}
	stages = append(stages, hops.NewCancelWatchNode(), hops.NewObserveNode(hcfg, nil, logger))

	entry := hops.NewEntry(hcfg, hops.ConnectChain(transport, stages...), logger)
	defer entry.Dispose()

	// the cancel watch stage ties the tunnel to ctx, so we cannot
	// bound the connect with a shorter lived context
	if err := entry.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	// stdin reaching EOF does not end the session: we keep reading
	// until the peer goes away or the user interrupts us
	rwc := hops.NewReadWriteCloser(entry)
	go func() {
		_, _ = io.Copy(rwc, os.Stdin)
	}()
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(os.Stdout, rwc)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}
