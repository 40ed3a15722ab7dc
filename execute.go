package querygate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jfestrada/querygate/internal/cache"
	"github.com/jfestrada/querygate/internal/gate"
	"github.com/jfestrada/querygate/internal/timeout"
)

// Execute runs sql with the default (or rule-matched) timeout and no row
// cap. The returned error, if any, is one of the structured types in
// errors.go — callers never see a bare driver error.
func (e *Engine) Execute(ctx context.Context, sqlText string) (*QueryResult, error) {
	return e.execute(ctx, sqlText, 0, 0)
}

// ExecuteWithTimeout runs sql with an explicit wall-clock budget,
// overriding the configured timeout rules.
func (e *Engine) ExecuteWithTimeout(ctx context.Context, sqlText string, budget time.Duration) (*QueryResult, error) {
	return e.execute(ctx, sqlText, budget, 0)
}

// ExecuteWithLimits runs sql with the row count capped at maxRows (or the
// configured default when maxRows <= 0). One extra row is requested to
// detect truncation; Truncated is set when it was present.
func (e *Engine) ExecuteWithLimits(ctx context.Context, sqlText string, maxRows int) (*QueryResult, error) {
	if maxRows <= 0 {
		maxRows = e.config.Query.MaxRows
	}
	return e.execute(ctx, sqlText, 0, maxRows)
}

// execute is the shared pipeline: validate, cache lookup, admission,
// timers, scoped connection, execution with checkpoints, formatting,
// classification, cache population, release.
func (e *Engine) execute(ctx context.Context, sqlText string, budgetOverride time.Duration, maxRows int) (*QueryResult, error) {
	// 1. Validation. Nothing reaches the database without passing the
	// inspector; the classifier below still treats driver errors on their
	// own merits as defense-in-depth.
	validation := e.inspector.Validate(sqlText)
	if !validation.IsValid {
		return nil, e.fail(sqlText, 0, securityError(validation))
	}

	// 2. Row-cap rewrite. Requesting maxRows+1 makes truncation
	// detectable without counting the full result.
	runSQL := sqlText
	if maxRows > 0 {
		runSQL = applyRowLimit(sqlText, maxRows+1)
	}

	// 3. Cache lookup. The key is the caller-visible request: the original
	// SQL's fingerprint plus the effective row cap, so a capped and an
	// uncapped execution of the same text never collide. Only validated
	// queries are ever cached, so a hit is safe to return as-is.
	cacheKey := cache.Fingerprint(sqlText)
	if maxRows > 0 {
		cacheKey += "#" + strconv.Itoa(maxRows)
	}
	if e.cache != nil {
		if data, ok := e.cache.Get(ctx, cacheKey); ok {
			var cached QueryResult
			if err := json.Unmarshal(data, &cached); err == nil {
				cached.RuntimeMs = 0
				e.logger.Debug().Str("cache_key", cacheKey).Msg("result cache hit")
				return &cached, nil
			}
		}
	}

	// 4. Admission.
	taskID := e.taskSeq.Add(1)
	queueTimeout := time.Duration(e.config.Query.QueueTimeoutSeconds) * time.Second
	permit, err := e.gate.Acquire(ctx, taskID, queueTimeout)
	if err != nil {
		return nil, e.fail(sqlText, 0, admissionError(err))
	}
	defer permit.Release()

	// 5. Timers. The watch handles checkpoint refusal; the context
	// deadline is what actually interrupts an in-flight call.
	budget := budgetOverride
	matchedRule := ""
	if budget <= 0 {
		budget, matchedRule = e.timeouts.TimeoutFor(runSQL)
	}
	watch := timeout.NewWatch(budget)
	watch.Start()
	e.monitor.Start()

	queryCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// 6. Scoped connection: checked out for exactly one statement+fetch,
	// released on every path.
	conn, err := e.db.Conn(queryCtx)
	if err != nil {
		return nil, e.fail(sqlText, watch.ElapsedMs(), classifyDriverError(err))
	}
	defer conn.Close()

	if qerr := e.checkpoint(watch); qerr != nil {
		return nil, e.fail(sqlText, watch.ElapsedMs(), qerr)
	}

	rows, err := conn.QueryContext(queryCtx, runSQL)
	if err != nil {
		return nil, e.fail(sqlText, watch.ElapsedMs(), classifyDriverError(err))
	}

	if qerr := e.checkpoint(watch); qerr != nil {
		rows.Close()
		return nil, e.fail(sqlText, watch.ElapsedMs(), qerr)
	}

	columns, collected, err := collectRows(rows)
	if err != nil {
		return nil, e.fail(sqlText, watch.ElapsedMs(), classifyDriverError(err))
	}

	// Post-fetch checkpoint: an expired watch still fails the query, but a
	// tripped memory ceiling only warns — the rows are already materialized
	// and discarding them buys nothing back.
	if watch.Expired() {
		return nil, e.fail(sqlText, watch.ElapsedMs(), timeoutError(watch))
	}
	if usage := e.monitor.Check(); usage.Exceeded {
		e.logger.Warn().
			Float64("current_mb", usage.CurrentMB).
			Float64("limit_mb", usage.LimitMB).
			Msg("memory ceiling exceeded after fetch; returning rows anyway")
	}

	// 7. Truncation.
	truncated := false
	if maxRows > 0 && len(collected) > maxRows {
		if e.config.Query.TruncateIsError {
			return nil, e.fail(sqlText, watch.ElapsedMs(), &ResultSetTooLargeError{Limit: maxRows})
		}
		collected = collected[:maxRows]
		truncated = true
	}

	collected = e.sanitizer.SanitizeRows(collected)

	result := &QueryResult{
		Columns:   columns,
		Rows:      collected,
		RowCount:  len(collected),
		RuntimeMs: watch.ElapsedMs(),
		Truncated: truncated,
	}

	// 8. Cache population: only small, fast results, to keep pathological
	// result sets out of the cache.
	if e.cache != nil &&
		result.RowCount <= e.config.Cache.MaxRows &&
		result.RuntimeMs <= e.config.Cache.MaxRuntimeMs {
		if data, err := json.Marshal(result); err == nil {
			e.cache.Set(ctx, cacheKey, data, time.Duration(e.config.Cache.TTLSeconds)*time.Second)
		}
	}

	e.telemetry.RecordExecution(sqlText, result.RuntimeMs, true, result.RowCount, result.Truncated, "")

	logEvent := e.logger.Info().
		Str("sql", truncateForLog(sqlText, 200)).
		Uint64("task_id", taskID).
		Float64("runtime_ms", result.RuntimeMs).
		Int("row_count", result.RowCount)
	if matchedRule != "" {
		logEvent = logEvent.Str("timeout_rule", matchedRule)
	}
	if truncated {
		logEvent = logEvent.Bool("truncated", true)
	}
	logEvent.Msg("query executed")

	return result, nil
}

// checkpoint enforces the watch and memory ceiling between pipeline stages.
func (e *Engine) checkpoint(watch *timeout.Watch) error {
	if watch.Expired() {
		return timeoutError(watch)
	}
	if usage := e.monitor.Check(); usage.Exceeded {
		return &QueryError{
			Kind:     "execution",
			Type:     ErrTypeExecution,
			Message:  fmt.Sprintf("memory limit exceeded: %.1f MB used, %.1f MB allowed", usage.CurrentMB, usage.LimitMB),
			Position: -1,
		}
	}
	return nil
}

func timeoutError(watch *timeout.Watch) *QueryError {
	return &QueryError{
		Kind:     "timeout",
		Type:     ErrTypeTimeout,
		Message:  fmt.Sprintf("query timed out after %.0f ms (budget %s)", watch.ElapsedMs(), watch.Budget()),
		Position: -1,
	}
}

// fail attaches remediation suggestions, records telemetry, and logs the
// failure. Every error surfaced to callers goes through here.
func (e *Engine) fail(sqlText string, runtimeMs float64, err error) error {
	if qerr, ok := err.(*QueryError); ok && len(qerr.Suggestions) == 0 {
		qerr.Suggestions = e.suggester.Match(qerr.Message)
	}
	e.telemetry.RecordExecution(sqlText, runtimeMs, false, 0, false, err.Error())
	e.logger.Error().
		Err(err).
		Str("sql", truncateForLog(sqlText, 200)).
		Msg("query error")
	return err
}

// limitClauseRe matches a trailing LIMIT clause (with optional OFFSET and
// trailing semicolon) so only the outermost limit is rewritten — LIMITs
// inside subqueries are untouched.
var limitClauseRe = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)(\s+OFFSET\s+\d+)?\s*;?\s*$`)

// applyRowLimit caps the query's row count at n: an existing smaller LIMIT
// is kept, a larger one is replaced, and a missing one is appended.
func applyRowLimit(sqlText string, n int) string {
	if m := limitClauseRe.FindStringSubmatch(sqlText); m != nil {
		existing, err := strconv.Atoi(m[1])
		if err == nil && existing <= n {
			return sqlText
		}
		loc := limitClauseRe.FindStringSubmatchIndex(sqlText)
		// Replace just the numeric limit, keeping any OFFSET.
		return sqlText[:loc[2]] + strconv.Itoa(n) + sqlText[loc[3]:]
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sqlText), ";")
	return trimmed + " LIMIT " + strconv.Itoa(n)
}

// collectRows drains rows into formatted cells. Every cell passes through
// formatValue so the result holds only the closed scalar set.
func collectRows(rows *sql.Rows) ([]string, [][]any, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	collected := make([][]any, 0)
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]any, len(columns))
		for i, v := range raw {
			row[i] = formatValue(v)
		}
		collected = append(collected, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, collected, nil
}

// formatValue maps a driver value into the closed scalar set: nil, bool,
// int64, float64, or string. Timestamps become RFC 3339 text; byte data is
// decoded as UTF-8 with invalid sequences replaced, never rejected. Unknown
// driver types fall back to their text rendering rather than guessing.
func formatValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		if math.IsNaN(val) {
			return "NaN"
		}
		if math.IsInf(val, 1) {
			return "Infinity"
		}
		if math.IsInf(val, -1) {
			return "-Infinity"
		}
		return val
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return strings.ToValidUTF8(string(val), "�")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// admissionError maps gate failures onto the structured taxonomy.
func admissionError(err error) error {
	var lerr *gate.LimitError
	if errors.As(err, &lerr) {
		return &ConcurrentQueryLimitError{Max: lerr.Max, QueueTimeout: lerr.QueueTimeout}
	}
	return err
}

// truncateForLog truncates a string for log output to avoid oversized log
// entries, without splitting a UTF-8 sequence.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}
