// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package utils provides small filesystem helpers.
package utils

import (
	"errors"
	"os"
)

// Exists reports whether the file f exists.  Stat failures other than
// absence are treated as fatal since every caller is about to touch
// the file anyway.
func Exists(f string) bool {
	_, err := os.Stat(f)
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	panic(err)
}
