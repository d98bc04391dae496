// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package epochtime implements tunnelcraft epoch related timekeeping.
// Forwarding receipts are bucketed by epoch for settlement, and relays
// rotate their duplicate suppression filters at epoch boundaries.
package epochtime

import "time"

// Period is the duration of a tunnelcraft epoch.
var Period = 20 * time.Minute

// WarpedEpoch is a flag that can be set at build time to shrink the epoch
// Period for integration testing.
var WarpedEpoch string

// Epoch is the tunnelcraft epoch expressed in UTC.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Now returns the current tunnelcraft epoch, time since the start of the
// current epoch, and time till the next epoch.
func Now() (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Now())
}

// IsInEpoch returns true iff the epoch e contains the time t, measured in
// the number of seconds since the UNIX epoch.
func IsInEpoch(e uint64, t uint64) bool {
	deltaStart := time.Duration(e) * Period
	deltaEnd := time.Duration(e+1) * Period

	startTime := Epoch.Add(deltaStart)
	endTime := Epoch.Add(deltaEnd)

	tt := time.Unix(int64(t), 0)

	if tt.Equal(startTime) {
		return true
	}
	return tt.After(startTime) && tt.Before(endTime)
}

// FromUnix returns the tunnelcraft epoch, time since the start of the
// current epoch, and time till the next epoch relative to a Unix time in
// seconds.
func FromUnix(t int64) (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Unix(t, 0))
}

func getEpoch(t time.Time) (current uint64, elapsed, till time.Duration) {
	fromEpoch := t.Sub(Epoch)
	if fromEpoch < 0 {
		panic("epochtime: BUG: time appears to predate the epoch")
	}

	current = uint64(fromEpoch / Period)

	base := Epoch.Add(time.Duration(current) * Period)
	elapsed = t.Sub(base)
	till = base.Add(Period).Sub(t)
	return
}

func init() {
	if WarpedEpoch == "true" {
		Period = 2 * time.Minute
	}
}
