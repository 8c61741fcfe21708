// Package logging provides structured logging for the orchsync client.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. The sync layer never surfaces transient failures to
// the user, so the log is the only record of dropped payloads, desyncs and
// failed reconciliations; every such entry carries the channel and entity it
// concerns.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/path/to/logs", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithChannel("agent.stats").WithAgent("a1").Warn("payload dropped", "error", err)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"payload dropped","channel":"agent.stats","agent_id":"a1","error":"..."}
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewLoggerWithWriter] with a
// bytes.Buffer to assert on entries.
package logging
