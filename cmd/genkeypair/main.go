// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunnelcraft/tunnelcraft/common"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/utils"
)

func newRootCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "genkeypair",
		Short: "Generate a TunnelCraft identity keypair",
		Long: `Generates an ed25519 identity keypair and persists the private key
as a raw key file, the format the node and client daemons load on
startup. The public key is printed in the hex form peer blocks in
configuration files expect.`,
		Example: `  # Generate a node identity
  genkeypair --out /var/lib/tunnelcraft/identity.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate(out)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "identity.key",
		"output path for the private key file")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func generate(out string) error {
	if utils.Exists(out) {
		return fmt.Errorf("key file '%v' already exists", out)
	}

	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %v", err)
	}
	if err := crypto.SaveKey(out, priv); err != nil {
		return fmt.Errorf("failed to write '%v': %v", out, err)
	}

	fmt.Printf("Wrote private key to %s\n", out)
	fmt.Printf("PublicKey = \"%x\"\n", pub.Bytes())
	return nil
}
