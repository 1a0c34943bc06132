// OpenSOC/Spyglass - Logging
// Copyright (C) 2024 The OpenSOC Developers; All Rights Reserved
// <dev (at) opensoc (dot) io>

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package spyglass

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Package-wide sugared logger. Subsystems log through this, the way
// everything else in this package shares the config struct.
var zlog *zap.SugaredLogger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		// Nowhere to report this, but we must not run silent.
		panic(err)
	}

	zlog = logger.Sugar()
}

// SetLogger swaps in a caller-provided logger (tests, embedding apps).
func SetLogger(l *zap.Logger) {
	zlog = l.Sugar()
}

// EOF
