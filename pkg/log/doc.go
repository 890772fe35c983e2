/*
Package log provides structured logging for the storage engine using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("journal")                 │          │
	│  │  - With(base, "volume", "orders")           │          │
	│  │  - With(base, "tree", "accounts")           │          │
	│  │  - With(base, "txn", tx.ID())               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "checkpoint",               │          │
	│  │    "time": "2026-07-30T10:30:00Z",         │          │
	│  │    "message": "checkpoint durable"          │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-30T10:30:00Z INF checkpoint durable component=checkpoint │ │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all engine packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs (e.g. "journal", "bufferpool")
  - With: Add one further string field (volume name, tree name,
    transaction id) to an existing logger, chained off WithComponent

# Usage

Initializing the logger:

	import "github.com/cuemby/strata/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("engine opened")
	log.Debug("buffer pool warm")
	log.Warn("cleanup queue backpressure")
	log.Error("checkpoint write failed")
	log.Fatal("cannot start without a journal") // exits process

Component loggers:

	journalLog := log.WithComponent("journal")
	journalLog.Info().Int64("segment", seg).Msg("rolled over")

	txLog := log.With(log.WithComponent("txn"), "txn", tx.ID())
	txLog.Warn().Msg("blocked on wwDependency")

# Integration Points

pkg/bufferpool logs page allocation at debug level, pkg/journal logs
torn-tail truncation and segment retirement, pkg/checkpoint logs each
durable checkpoint and each copier batch, pkg/cleanup logs failed
actions it will retry, and pkg/volume logs volume create/open.
pkg/txn does not log.

# Security

Never log key or value bytes at Info level or above — a tree may hold
sensitive application data the engine itself cannot classify. Debug-level
dumps are opt-in and intended for local troubleshooting only.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
