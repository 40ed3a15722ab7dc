package inspect

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// ViolationType classifies a security violation found by the checker.
type ViolationType string

const (
	NonSelectStatement ViolationType = "non_select_statement"
	DangerousPattern   ViolationType = "dangerous_pattern"
	DangerousFunction  ViolationType = "dangerous_function"
	SyntaxError        ViolationType = "syntax_error"
)

// Severity indicates whether a violation blocks the query or is advisory.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// SecurityViolation describes a single finding. Position is a byte offset
// into the original SQL text, or -1 when no position applies.
type SecurityViolation struct {
	Type        ViolationType `json:"violation_type"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	Position    int           `json:"position"`
}

// QueryType is the top-level statement shape of a validated query.
type QueryType string

const (
	QuerySelect  QueryType = "SELECT"
	QueryWith    QueryType = "WITH"
	QueryUnknown QueryType = "UNKNOWN"
)

// ParsedQuery holds best-effort metadata extracted from the query text.
// Extraction is regex-based and never fails; fields may be incomplete for
// unusual SQL.
type ParsedQuery struct {
	Type            QueryType `json:"query_type"`
	Tables          []string  `json:"tables"`
	Columns         []string  `json:"columns"`
	HasJoins        bool      `json:"has_joins"`
	HasAggregations bool      `json:"has_aggregations"`
	ComplexityScore int       `json:"complexity_score"`
}

// Result is the outcome of validating one SQL string. It is produced fresh
// per call and never shared.
type Result struct {
	IsValid    bool                `json:"is_valid"`
	Errors     []string            `json:"errors"`
	Warnings   []string            `json:"warnings"`
	Parsed     *ParsedQuery        `json:"parsed_query,omitempty"`
	Violations []SecurityViolation `json:"violations"`
}

// ValidationError is the fail-fast form of a rejection, carrying the first
// error message from a Result.
type ValidationError struct {
	Message    string
	Violations []SecurityViolation
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Err returns nil for a valid result, or a *ValidationError carrying the
// first error message. Convenience for callers that want fail-fast semantics
// instead of inspecting the Result.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	msg := "query validation failed"
	if len(r.Errors) > 0 {
		msg = r.Errors[0]
	}
	return &ValidationError{Message: msg, Violations: r.Violations}
}

// Inspector validates SQL text before it is allowed anywhere near the
// database. Implementations must be pure: no I/O, no shared mutable state
// visible to callers. The heuristic Checker below is the default; a
// grammar-based implementation can be substituted without touching callers.
type Inspector interface {
	Validate(sql string) Result
}

// Config is the checker's own config type.
type Config struct {
	// MaxSQLLength is the maximum accepted query length in bytes.
	// Zero means the default of 100000.
	MaxSQLLength int
}

// Checker is a heuristic, pattern-based SQL inspector that admits only
// read-only SELECT/WITH statements. It is defense-in-depth, not a provable
// guarantee — pair it with least-privilege database credentials.
type Checker struct {
	maxSQLLength int
	rejections   atomic.Int64
}

// NewChecker creates a new Checker with the given config.
func NewChecker(config Config) *Checker {
	maxLen := config.MaxSQLLength
	if maxLen == 0 {
		maxLen = 100000
	}
	if maxLen < 0 {
		panic("inspect: max_sql_length must be > 0")
	}
	return &Checker{maxSQLLength: maxLen}
}

// Rejections returns the number of queries this checker has rejected.
func (c *Checker) Rejections() int64 {
	return c.rejections.Load()
}

// Keyword blocklists. Matched whole-word, case-insensitive, against the
// literal-stripped text so keywords inside string literals never trigger.
var (
	ddlKeywords   = []string{"CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME"}
	dmlKeywords   = []string{"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT"}
	adminKeywords = []string{
		"PRAGMA", "ATTACH", "DETACH", "EXEC", "EXECUTE", "CALL",
		"GRANT", "REVOKE", "COMMIT", "ROLLBACK", "SAVEPOINT",
		"VACUUM", "REINDEX",
	}

	dangerousFunctions = []string{
		"system", "exec", "eval", "read_file", "write_file",
		"readfile", "writefile", "load_extension", "edit",
	}

	dangerousFunctionRes = compileFunctionRegexps()

	keywordRegexps = compileKeywordRegexps()

	commaBeforeFromRe = regexp.MustCompile(`(?i),\s*FROM\b`)
	whereStartsBoolRe = regexp.MustCompile(`(?i)\bWHERE\s+(?:AND|OR)\b`)

	tableNameRe  = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	selectListRe = regexp.MustCompile(`(?is)\bSELECT\s+(?:DISTINCT\s+)?(.*?)\s+FROM\b`)
	funcWrapRe   = regexp.MustCompile(`(?is)^[A-Za-z_][A-Za-z0-9_]*\s*\((.*)\)$`)

	joinRe      = regexp.MustCompile(`(?i)\bJOIN\b`)
	aggregateRe = regexp.MustCompile(`(?i)\b(?:COUNT|SUM|AVG|MIN|MAX)\s*\(|\bGROUP\s+BY\b`)
	subqueryRe  = regexp.MustCompile(`(?i)\(\s*SELECT\b`)
	windowRe    = regexp.MustCompile(`(?i)\bOVER\s*\(`)
	unionRe     = regexp.MustCompile(`(?i)\bUNION\b`)
)

func compileFunctionRegexps() map[string]*regexp.Regexp {
	all := make(map[string]*regexp.Regexp)
	for _, fn := range dangerousFunctions {
		all[fn] = regexp.MustCompile(`(?i)\b` + fn + `\s*\(`)
	}
	return all
}

func compileKeywordRegexps() map[string]*regexp.Regexp {
	all := make(map[string]*regexp.Regexp)
	for _, kw := range ddlKeywords {
		all[kw] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
	}
	for _, kw := range dmlKeywords {
		all[kw] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
	}
	for _, kw := range adminKeywords {
		all[kw] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
	}
	return all
}

// Validate inspects sql and returns a Result. It never panics and performs
// no I/O. All findings are collected — validation does not stop at the first
// violation.
func (c *Checker) Validate(sql string) Result {
	result := Result{IsValid: true}

	if strings.TrimSpace(sql) == "" {
		result.addError("query is empty")
		c.rejections.Add(1)
		return result
	}
	if len(sql) > c.maxSQLLength {
		result.addError(fmt.Sprintf("query too long: %d bytes exceeds maximum of %d bytes", len(sql), c.maxSQLLength))
		c.rejections.Add(1)
		return result
	}

	// Literal-stripped view: string literal contents are replaced with a
	// placeholder so keywords inside literals never trigger the blocklists.
	// Byte offsets are preserved for violation positions.
	stripped := stripLiterals(sql)

	c.checkSyntax(sql, &result)
	c.checkStatementType(stripped, &result)
	c.checkDangerousPatterns(stripped, &result)

	result.Parsed = extractMetadata(stripped)

	if !result.IsValid {
		c.rejections.Add(1)
	}
	return result
}

func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

func (r *Result) addViolation(v SecurityViolation) {
	r.Violations = append(r.Violations, v)
	if v.Severity == SeverityError {
		r.addError(v.Description)
	} else {
		r.Warnings = append(r.Warnings, v.Description)
	}
}

// stripLiterals replaces the contents of single-quoted string literals with
// '?' characters, preserving byte offsets. Doubled quotes ('') inside a
// literal are handled as escapes. An unterminated literal is left stripped
// to the end of the input; the syntax check reports it separately.
func stripLiterals(sql string) string {
	out := []byte(sql)
	inLiteral := false
	for i := 0; i < len(out); i++ {
		if out[i] == '\'' {
			if inLiteral && i+1 < len(out) && out[i+1] == '\'' {
				out[i+1] = '?'
				i++
				continue
			}
			inLiteral = !inLiteral
			continue
		}
		if inLiteral {
			out[i] = '?'
		}
	}
	return string(out)
}

// checkSyntax runs the lightweight syntax pre-checks on the original text:
// unmatched parentheses and quotes with exact positions, plus a small set of
// malformed-clause patterns.
func (c *Checker) checkSyntax(sql string, result *Result) {
	// Unmatched parentheses, skipping literal spans.
	var openStack []int
	inLiteral := false
	for i := 0; i < len(sql); i++ {
		switch sql[i] {
		case '\'':
			if inLiteral && i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			inLiteral = !inLiteral
		case '(':
			if !inLiteral {
				openStack = append(openStack, i)
			}
		case ')':
			if !inLiteral {
				if len(openStack) == 0 {
					result.addViolation(SecurityViolation{
						Type:        SyntaxError,
						Description: fmt.Sprintf("unmatched closing parenthesis at position %d", i),
						Severity:    SeverityError,
						Position:    i,
					})
				} else {
					openStack = openStack[:len(openStack)-1]
				}
			}
		}
	}
	for _, pos := range openStack {
		result.addViolation(SecurityViolation{
			Type:        SyntaxError,
			Description: fmt.Sprintf("unmatched opening parenthesis at position %d", pos),
			Severity:    SeverityError,
			Position:    pos,
		})
	}

	// Unmatched single quote: re-scan tracking the opening quote position.
	inLiteral = false
	openQuote := -1
	for i := 0; i < len(sql); i++ {
		if sql[i] != '\'' {
			continue
		}
		if inLiteral && i+1 < len(sql) && sql[i+1] == '\'' {
			i++
			continue
		}
		if inLiteral {
			inLiteral = false
			openQuote = -1
		} else {
			inLiteral = true
			openQuote = i
		}
	}
	if inLiteral {
		result.addViolation(SecurityViolation{
			Type:        SyntaxError,
			Description: fmt.Sprintf("unterminated string literal at position %d", openQuote),
			Severity:    SeverityError,
			Position:    openQuote,
		})
	}

	stripped := stripLiterals(sql)
	if loc := commaBeforeFromRe.FindStringIndex(stripped); loc != nil {
		result.addViolation(SecurityViolation{
			Type:        SyntaxError,
			Description: "malformed select list: comma immediately before FROM",
			Severity:    SeverityError,
			Position:    loc[0],
		})
	}
	if loc := whereStartsBoolRe.FindStringIndex(stripped); loc != nil {
		result.addViolation(SecurityViolation{
			Type:        SyntaxError,
			Description: "malformed WHERE clause: starts with AND/OR",
			Severity:    SeverityError,
			Position:    loc[0],
		})
	}
}

// checkStatementType enforces SELECT-only execution: the literal-stripped
// text must start with SELECT or WITH and contain none of the DDL, DML, or
// administrative keywords.
func (c *Checker) checkStatementType(stripped string, result *Result) {
	trimmed := strings.TrimSpace(stripped)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		result.addViolation(SecurityViolation{
			Type:        NonSelectStatement,
			Description: "only SELECT and WITH statements are allowed",
			Severity:    SeverityError,
			Position:    0,
		})
	}

	check := func(keywords []string, class string) {
		for _, kw := range keywords {
			if loc := keywordRegexps[kw].FindStringIndex(stripped); loc != nil {
				result.addViolation(SecurityViolation{
					Type:        NonSelectStatement,
					Description: fmt.Sprintf("%s keyword %s is not allowed in read-only queries", class, kw),
					Severity:    SeverityError,
					Position:    loc[0],
				})
			}
		}
	}
	check(ddlKeywords, "DDL")
	check(dmlKeywords, "DML")
	check(adminKeywords, "administrative")
}

// checkDangerousPatterns scans the literal-stripped text for statement
// stacking, comment smuggling, and dangerous function calls.
func (c *Checker) checkDangerousPatterns(stripped string, result *Result) {
	// Multiple statements: a semicolon followed by anything non-whitespace.
	if idx := strings.IndexByte(stripped, ';'); idx >= 0 {
		rest := strings.TrimSpace(stripped[idx+1:])
		if rest != "" {
			result.addViolation(SecurityViolation{
				Type:        DangerousPattern,
				Description: "multiple statements are not allowed",
				Severity:    SeverityError,
				Position:    idx,
			})
		} else {
			result.addViolation(SecurityViolation{
				Type:        DangerousPattern,
				Description: "trailing semicolon",
				Severity:    SeverityWarning,
				Position:    idx,
			})
		}
	}

	if idx := strings.Index(stripped, "--"); idx >= 0 {
		result.addViolation(SecurityViolation{
			Type:        DangerousPattern,
			Description: "inline comments are not allowed",
			Severity:    SeverityError,
			Position:    idx,
		})
	}
	if idx := strings.Index(stripped, "/*"); idx >= 0 {
		result.addViolation(SecurityViolation{
			Type:        DangerousPattern,
			Description: "block comments are not allowed",
			Severity:    SeverityError,
			Position:    idx,
		})
	}

	for _, fn := range dangerousFunctions {
		if loc := dangerousFunctionRes[fn].FindStringIndex(stripped); loc != nil {
			result.addViolation(SecurityViolation{
				Type:        DangerousFunction,
				Description: fmt.Sprintf("dangerous function call %s() is not allowed", fn),
				Severity:    SeverityError,
				Position:    loc[0],
			})
		}
	}
}

// extractMetadata pulls best-effort query metadata from the literal-stripped
// text. It never fails; on odd input it returns whatever it could find.
func extractMetadata(stripped string) *ParsedQuery {
	normalized := strings.Join(strings.Fields(stripped), " ")
	upper := strings.ToUpper(strings.TrimSpace(normalized))

	parsed := &ParsedQuery{Type: QueryUnknown}
	switch {
	case strings.HasPrefix(upper, "SELECT"):
		parsed.Type = QuerySelect
	case strings.HasPrefix(upper, "WITH"):
		parsed.Type = QueryWith
	}

	seen := make(map[string]bool)
	for _, m := range tableNameRe.FindAllStringSubmatch(normalized, -1) {
		name := m[1]
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			parsed.Tables = append(parsed.Tables, name)
		}
	}

	parsed.Columns = extractColumns(normalized)
	parsed.HasJoins = joinRe.MatchString(normalized)
	parsed.HasAggregations = aggregateRe.MatchString(normalized)
	parsed.ComplexityScore = complexityScore(normalized, parsed)
	return parsed
}

// extractColumns naively splits the SELECT...FROM span on top-level commas
// and strips aliases and function wrappers. Best-effort only.
func extractColumns(normalized string) []string {
	m := selectListRe.FindStringSubmatch(normalized)
	if m == nil {
		return nil
	}
	var columns []string
	for _, part := range splitTopLevel(m[1]) {
		col := strings.TrimSpace(part)
		if col == "" {
			continue
		}
		// Strip "expr AS alias" and bare trailing aliases are left alone —
		// distinguishing "a b" from "a" reliably needs a parser.
		if idx := indexFold(col, " AS "); idx >= 0 {
			col = strings.TrimSpace(col[:idx])
		}
		if inner := funcWrapRe.FindStringSubmatch(col); inner != nil {
			col = strings.TrimSpace(inner[1])
		}
		columns = append(columns, col)
	}
	return columns
}

// splitTopLevel splits on commas that are not nested inside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func indexFold(s, sub string) int {
	return strings.Index(strings.ToUpper(s), strings.ToUpper(sub))
}

// complexityScore computes 1 + min(2·joins, 4) + min(subqueries, 2)
// + 1 for aggregation + 2 for window functions + 1 for a CTE + 1 for UNION,
// capped at 10.
func complexityScore(normalized string, parsed *ParsedQuery) int {
	score := 1

	joins := len(joinRe.FindAllString(normalized, -1))
	if j := 2 * joins; j > 4 {
		score += 4
	} else {
		score += j
	}

	subs := len(subqueryRe.FindAllString(normalized, -1))
	if subs > 2 {
		subs = 2
	}
	score += subs

	if parsed.HasAggregations {
		score++
	}
	if windowRe.MatchString(normalized) {
		score += 2
	}
	if parsed.Type == QueryWith {
		score++
	}
	if unionRe.MatchString(normalized) {
		score++
	}

	if score > 10 {
		score = 10
	}
	return score
}
