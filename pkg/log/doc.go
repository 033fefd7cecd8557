/*
Package log provides structured logging for Tangram using zerolog.

Initialize once at server startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then derive component loggers where needed:

	logger := log.WithComponent("process")
	logger.Info().Str("process_id", id).Msg("enqueued")

The process engine, runner, sync sessions, cleaner and HTTP server each
hold their own component logger as a field; the store and index backends
do not log. Ids that tie a line back to a specific object or process are
attached per call with Str.

# Log levels

  - Debug: verbose internals (chunk boundaries, cache single-flight waits)
  - Info: lifecycle transitions (process status changes, sync round summaries)
  - Warn: recoverable anomalies (heartbeat miss before reap, retryable HTTP failure)
  - Error: operation failures that propagate to the caller as a tgerror.Error
*/
package log
