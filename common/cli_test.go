// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require := require.New(t)

	require.Equal(badInvocation, classify(errors.New("unknown flag: --frobnicate")))
	require.Equal(badInvocation, classify(errors.New("unknown shorthand flag: 'x' in -x")))
	require.Equal(badInvocation, classify(errors.New(`unknown command "star" for "tunnelcraft-server"`)))
	require.Equal(badInvocation, classify(errors.New("flag needs an argument: --config")))
	require.Equal(badInvocation, classify(errors.New("accepts 0 arg(s), received 2")))

	require.Equal(badConfig, classify(fmt.Errorf(
		"failed to load config file '%v': %v", "server.toml", errors.New("no such file"))))

	require.Equal(runtimeFailure, classify(errors.New("failed to spawn server instance: bind: address in use")))
	require.Equal(runtimeFailure, classify(errors.New("key file 'identity.key' already exists")))
}
