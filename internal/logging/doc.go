// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package logging provides centralized zerolog-based structured logging.
//
// # Overview
//
// The package provides:
//   - A global zerolog logger with JSON (production) or console output
//   - Optional size-rotated file output via lumberjack
//   - Context-aware logging carrying request, subscriber and session ids
//   - An slog adapter for the suture supervisor (sutureslog)
//   - A watermill.LoggerAdapter for the relay router and NATS clients
//
// # Quick Start
//
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	logging.Info().Str("transport", "sse").Msg("Connection opened")
//	logging.Ctx(ctx).Warn().Err(err).Msg("Replay failed")
//
// # Tests
//
// Tests silence output with:
//
//	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
//
// Always terminate log chains with .Msg() or .Send(); an unterminated
// chain is never written.
package logging
