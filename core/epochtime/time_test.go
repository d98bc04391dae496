// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package epochtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochTime(t *testing.T) {
	require := require.New(t)

	var now uint64
	var elapsed, till time.Duration
	require.NotPanics(func() { now, elapsed, till = Now() }, "Basic Now() sanity check")
	t.Logf("Epoch: %v, Elapsed: %v Till: %v", now, elapsed, till)
}

func TestIsInEpoch(t *testing.T) {
	assert := assert.New(t)
	e, _, _ := Now()
	now := uint64(time.Now().Unix())

	assert.True(IsInEpoch(e, now), "IsInEpoch(e, now)")

	nextNow := now + 3*60*60
	assert.False(IsInEpoch(e, nextNow), "IsInEpoch(e, now+3h)")

	prevNow := now - 3*60*60
	assert.False(IsInEpoch(e, prevNow), "IsInEpoch(e, now-3h)")
}

func TestFromUnix(t *testing.T) {
	require := require.New(t)

	e1, _, _ := FromUnix(Epoch.Unix())
	require.Equal(uint64(0), e1, "FromUnix(Epoch)")

	e2, elapsed, _ := FromUnix(Epoch.Add(Period + time.Minute).Unix())
	require.Equal(uint64(1), e2, "FromUnix(Epoch+Period+1m)")
	require.Equal(time.Minute, elapsed, "elapsed within epoch 1")
}
