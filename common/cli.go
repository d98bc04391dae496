// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides the CLI entry glue shared by the
// tunnelcraft binaries.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ExecuteWithFang runs a daemon root command under fang so every
// binary shares the same version string and error presentation.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(daemonErrorHandler(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

type errorKind int

const (
	runtimeFailure errorKind = iota
	badInvocation
	badConfig
)

// daemonErrorHandler renders startup failures for the single purpose
// tunnelcraft daemons.  Flag and argument mistakes get the full usage
// text, config load failures point at the --config flag, anything
// else is the daemon's own failure and is printed as is.
func daemonErrorHandler(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		cw := colorprofile.NewWriter(w, os.Environ())
		fmt.Fprintln(cw, styles.ErrorHeader.String())
		fmt.Fprintln(cw, styles.ErrorText.Render(err.Error()+"."))
		fmt.Fprintln(cw)

		switch classify(err) {
		case badInvocation:
			fmt.Fprint(cw, cmd.UsageString())
		case badConfig:
			fmt.Fprintln(cw, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Check"),
				styles.Program.Flag.Render("--config"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("and the file it points at."),
			))
			fmt.Fprintln(cw)
		case runtimeFailure:
		}
	}
}

// classify buckets an error by what the operator should do about it.
// cobra reports invocation mistakes as plain strings, so matching on
// the message text is the only handle available.
func classify(err error) errorKind {
	s := err.Error()
	switch {
	case strings.Contains(s, "failed to load config file"):
		return badConfig
	case strings.HasPrefix(s, "unknown flag:"),
		strings.HasPrefix(s, "unknown shorthand flag:"),
		strings.HasPrefix(s, "unknown command"),
		strings.Contains(s, "flag needs an argument:"),
		strings.Contains(s, "invalid argument"),
		strings.Contains(s, "arg(s), received"):
		return badInvocation
	}
	return runtimeFailure
}
