// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build noprometheus
// +build noprometheus

package instrument

// Listener is inert in noprometheus builds.
type Listener struct{}

// StartMetricsListener does nothing.
func StartMetricsListener(addr string) *Listener { return nil }

// Shutdown does nothing.
func (l *Listener) Shutdown() {}
