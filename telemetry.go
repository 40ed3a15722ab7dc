package querygate

import "github.com/rs/zerolog"

// Telemetry receives one record per execution attempt, success or failure.
// Implementations must be safe for concurrent use and must not block.
type Telemetry interface {
	RecordExecution(sql string, runtimeMs float64, success bool, rowCount int, truncated bool, errMsg string)
}

// logTelemetry is the default sink: one structured log event per execution.
type logTelemetry struct {
	logger zerolog.Logger
}

func (t logTelemetry) RecordExecution(sql string, runtimeMs float64, success bool, rowCount int, truncated bool, errMsg string) {
	event := t.logger.Info()
	if !success {
		event = t.logger.Error().Str("error", errMsg)
	}
	event = event.
		Str("sql", truncateForLog(sql, 200)).
		Float64("runtime_ms", runtimeMs).
		Bool("success", success)
	if success {
		event = event.Int("row_count", rowCount).Bool("truncated", truncated)
	}
	event.Msg("query execution")
}

// NopTelemetry discards all records.
type NopTelemetry struct{}

// RecordExecution implements Telemetry.
func (NopTelemetry) RecordExecution(string, float64, bool, int, bool, string) {}
