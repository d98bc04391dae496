// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunnelcraft/tunnelcraft/common"
	"github.com/tunnelcraft/tunnelcraft/server"
	"github.com/tunnelcraft/tunnelcraft/server/config"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "tunnelcraft-server",
		Short: "TunnelCraft node daemon",
		Long: `The TunnelCraft server runs a node in the shard routing mesh.

A node enables the relay role, the exit role, or both:
- A relay forwards erasure coded shards toward their destination and
  earns signed bandwidth receipts for every shard it carries.
- An exit reassembles request shards, dispatches the decoded HTTP
  request or tunnel burst to the open internet, and ships the response
  back as shards.`,
		Example: `  # Start a node with a configuration file
  tunnelcraft-server --config /etc/tunnelcraft/server.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "tunnelcraft.toml",
		"path to the server configuration file (TOML format)")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runServer(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}
