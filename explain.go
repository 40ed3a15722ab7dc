package querygate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cost model constants. The absolute numbers are arbitrary; only their
// relative weights matter when comparing queries.
const (
	baseCostPerRow    = 0.01
	baseRuntimePerRow = 0.001 // ms

	joinCostMultiplier = 2.5
	aggCostMultiplier  = 1.8
	sortCostMultiplier = 1.4

	joinRuntimeMultiplier = 2.0
	aggRuntimeMultiplier  = 1.5
	sortRuntimeMultiplier = 1.3

	defaultRowEstimate = 1000
)

var (
	scanDetailRe   = regexp.MustCompile(`(?i)^SCAN\s+([A-Za-z_][A-Za-z0-9_]*)`)
	searchDetailRe = regexp.MustCompile(`(?i)^SEARCH\s+([A-Za-z_][A-Za-z0-9_]*)`)
	orderByRe      = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	selectStarRe   = regexp.MustCompile(`(?i)\bSELECT\s+\*`)

	// Row estimates appear in engine plan output in a few phrasings; the
	// first match wins, and 1000 is assumed when none is found.
	rowEstimateRes = []*regexp.Regexp{
		regexp.MustCompile(`~(\d+)\s+rows`),
		regexp.MustCompile(`(\d+)\s+rows`),
		regexp.MustCompile(`(?i)cardinality[:=]\s*(\d+)`),
	}
)

// Explain validates sql, retrieves the engine's query plan, and returns the
// parsed plan with a heuristic cost estimate and advisory suggestions. The
// query itself is never executed and no row data is materialized. Any
// failure is an *ExplainError (or *ValidationError / security *QueryError
// for rejected input) — a plan is never fabricated.
func (e *Engine) Explain(ctx context.Context, sqlText string) (*Explanation, error) {
	validation := e.inspector.Validate(sqlText)
	if !validation.IsValid {
		return nil, e.fail(sqlText, 0, securityError(validation))
	}

	taskID := e.taskSeq.Add(1)
	queueTimeout := time.Duration(e.config.Query.QueueTimeoutSeconds) * time.Second
	permit, err := e.gate.Acquire(ctx, taskID, queueTimeout)
	if err != nil {
		return nil, e.fail(sqlText, 0, admissionError(err))
	}
	defer permit.Release()

	budget, _ := e.timeouts.TimeoutFor(sqlText)
	queryCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	planText, err := e.fetchPlan(queryCtx, sqlText)
	if err != nil {
		return nil, e.fail(sqlText, 0, &ExplainError{Message: "could not retrieve execution plan", Cause: err})
	}

	plan := parsePlan(planText)
	// A substituted inspector may leave Parsed nil on valid results.
	complexity := 0
	if validation.Parsed != nil {
		complexity = validation.Parsed.ComplexityScore
	}
	estimate := estimateCost(plan, sqlText, complexity)
	suggestions := optimizationSuggestions(plan, estimate, sqlText)

	e.logger.Info().
		Str("sql", truncateForLog(sqlText, 200)).
		Int64("estimated_rows", estimate.EstimatedRows).
		Float64("estimated_cost", estimate.EstimatedCost).
		Msg("query explained")

	return &Explanation{Plan: plan, Estimate: estimate, Suggestions: suggestions}, nil
}

// fetchPlan runs EXPLAIN QUERY PLAN and joins the detail column into one
// plan text. Plan rows carry no user data.
func (e *Engine) fetchPlan(ctx context.Context, sqlText string) (string, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, "EXPLAIN QUERY PLAN "+sqlText)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}
	detailIdx := len(columns) - 1
	for i, c := range columns {
		if strings.EqualFold(c, "detail") {
			detailIdx = i
		}
	}

	var lines []string
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		switch d := raw[detailIdx].(type) {
		case string:
			lines = append(lines, d)
		case []byte:
			lines = append(lines, string(d))
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("engine returned an empty plan")
	}
	return strings.Join(lines, "\n"), nil
}

// parsePlan extracts operations, table scans, joins, and aggregations from
// the plan text. Heuristic: plan phrasing varies across engine versions, so
// unrecognized lines are kept as bare operations.
func parsePlan(planText string) ExecutionPlan {
	plan := ExecutionPlan{Raw: planText}

	var accessed []string
	for _, line := range strings.Split(planText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		plan.Operations = append(plan.Operations, line)

		if m := scanDetailRe.FindStringSubmatch(line); m != nil {
			plan.TableScans = append(plan.TableScans, m[1])
			accessed = append(accessed, m[1])
		} else if m := searchDetailRe.FindStringSubmatch(line); m != nil {
			accessed = append(accessed, m[1])
		}

		upper := strings.ToUpper(line)
		if strings.Contains(upper, "GROUP BY") {
			plan.Aggregations = append(plan.Aggregations, line)
		}
	}

	// The engine emits one access line per joined relation; more than one
	// means a (nested-loop) join.
	for i := 1; i < len(accessed); i++ {
		plan.Joins = append(plan.Joins, fmt.Sprintf("NESTED LOOP (%s, %s)", accessed[i-1], accessed[i]))
	}
	return plan
}

// estimateRows pulls a row-count estimate out of the plan text, defaulting
// to 1000 when the engine offers none.
func estimateRows(planText string) int64 {
	for _, re := range rowEstimateRes {
		if m := re.FindStringSubmatch(planText); m != nil {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				return n
			}
		}
	}
	return defaultRowEstimate
}

// estimateCost applies the stacking-multiplier model: the base per-row cost
// times a multiplier for each plan feature present (join, aggregation,
// sort/ORDER BY). Runtime follows the same stacking with its own constants.
func estimateCost(plan ExecutionPlan, sqlText string, complexity int) CostEstimate {
	rows := estimateRows(plan.Raw)
	hasSort := strings.Contains(strings.ToUpper(plan.Raw), "ORDER BY") || orderByRe.MatchString(sqlText)

	costMult := 1.0
	runtimeMult := 1.0
	if len(plan.Joins) > 0 {
		costMult *= joinCostMultiplier
		runtimeMult *= joinRuntimeMultiplier
	}
	if len(plan.Aggregations) > 0 {
		costMult *= aggCostMultiplier
		runtimeMult *= aggRuntimeMultiplier
	}
	if hasSort {
		costMult *= sortCostMultiplier
		runtimeMult *= sortRuntimeMultiplier
	}

	return CostEstimate{
		EstimatedCost:      float64(rows) * baseCostPerRow * costMult,
		EstimatedRows:      rows,
		EstimatedRuntimeMs: float64(rows) * baseRuntimePerRow * runtimeMult,
		ComplexityScore:    complexity,
	}
}

// optimizationSuggestions emits rule-based advisory hints. When nothing
// applies, a single all-clear message is returned so callers always get a
// non-empty list.
func optimizationSuggestions(plan ExecutionPlan, estimate CostEstimate, sqlText string) []string {
	var suggestions []string

	if estimate.EstimatedCost > 10000 {
		suggestions = append(suggestions, "Estimated cost is high; consider adding WHERE filters or indexes on the scanned tables.")
	}
	if estimate.EstimatedRows > 100000 {
		suggestions = append(suggestions, "The query may return a very large number of rows; add a LIMIT or tighter filters.")
	}
	if selectStarRe.MatchString(sqlText) {
		suggestions = append(suggestions, "SELECT * fetches every column; list only the columns you need.")
	}
	if len(plan.Joins) > 2 {
		suggestions = append(suggestions, fmt.Sprintf("The plan contains %d joins; verify join keys are indexed.", len(plan.Joins)))
	}
	if strings.Count(strings.ToUpper(sqlText), "(SELECT") > 1 {
		suggestions = append(suggestions, "Multiple nested subqueries detected; a CTE or join may be clearer and faster.")
	}
	if estimate.ComplexityScore >= 8 {
		suggestions = append(suggestions, "Query complexity is high; consider splitting it into simpler steps.")
	}

	if len(suggestions) == 0 {
		suggestions = append(suggestions, "Query looks well-optimized.")
	}
	return suggestions
}
