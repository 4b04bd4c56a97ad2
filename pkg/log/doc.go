/*
Package log provides structured logging for the bus core using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for the bus domain's common logging contexts (topic, endpoint, broker).

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - zerolog instance, initialized via Init() │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("processor")                │          │
	│  │  - WithTopic("alerts")                       │          │
	│  │  - WithEndpoint("ep-1")                      │          │
	│  │  - WithBroker("b1")                          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │  {"level":"info","component":"bus.coordinator",│        │
	│  │   "time":"...","message":"bus coordinator started"}│   │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	procLog := log.WithComponent("processor")
	procLog.Info().Msg("processor started")

	topicLog := log.WithTopic("alerts")
	topicLog.Warn().Err(err).Msg("topic degraded")

# Design Patterns

Component loggers (`WithComponent`, `WithTopic`, `WithEndpoint`,
`WithBroker`) are child loggers carrying one context field, created once per
owning struct (e.g. `bus.New` calls `log.WithComponent("bus.coordinator")`)
rather than re-derived per call.

Do:
  - Use structured fields (.Str, .Err) over string concatenation.
  - Create one component logger per owning type, stored on the struct.

Don't:
  - Log payload bytes or decrypted message content.
  - Log in a per-message hot path at Info level; reserve that for Debug.
*/
package log
