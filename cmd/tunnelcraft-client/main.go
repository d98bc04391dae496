// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunnelcraft/tunnelcraft/client"
	"github.com/tunnelcraft/tunnelcraft/client/config"
	"github.com/tunnelcraft/tunnelcraft/common"
)

func newRootCommand() *cobra.Command {
	var configFile string
	var connect bool

	cmd := &cobra.Command{
		Use:   "tunnelcraft-client",
		Short: "TunnelCraft client daemon",
		Long: `The TunnelCraft client daemon exposes the shard routing mesh to
local applications through two surfaces:

- A SOCKS5 (CONNECT only) proxy on loopback.
- A JSON-RPC 2.0 IPC socket for control: connect, disconnect, status,
  set_privacy_level, select_exit, send_http_request and
  subscribe_events.

Requests are erasure coded into shards and routed over the number of
relays the configured privacy level demands.`,
		Example: `  # Start the client daemon and connect immediately
  tunnelcraft-client --config ~/.tunnelcraft/client.toml --connect`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(configFile, connect)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "client.toml",
		"path to the client configuration file (TOML format)")
	cmd.Flags().BoolVarP(&connect, "connect", "c", false,
		"select an exit and connect on startup")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runClient(configFile string, connect bool) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	d, err := client.NewDaemon(cfg.DaemonConfig())
	if err != nil {
		return fmt.Errorf("failed to spawn client daemon: %v", err)
	}
	defer d.Shutdown()

	if connect {
		if err := d.Client().Connect(); err != nil {
			return fmt.Errorf("failed to connect: %v", err)
		}
	}

	go func() {
		<-haltCh
		d.Shutdown()
	}()

	d.Wait()
	return nil
}
