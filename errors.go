package querygate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jfestrada/querygate/internal/inspect"
)

// SQLErrorType partitions every failure the executor can surface.
type SQLErrorType string

const (
	ErrTypeSyntax    SQLErrorType = "syntax"
	ErrTypeSecurity  SQLErrorType = "security"
	ErrTypeExecution SQLErrorType = "execution"
	ErrTypeTimeout   SQLErrorType = "timeout"
	ErrTypeSchema    SQLErrorType = "schema"
)

// QueryError is the structured form of any runtime query failure. Every
// instance carries a non-empty human-readable message; Position is -1 when
// no character position applies. MissingObject and ObjectType are filled
// best-effort for schema errors only.
type QueryError struct {
	Kind          string       `json:"errorKind"`
	Type          SQLErrorType `json:"sqlErrorType"`
	Message       string       `json:"message"`
	Position      int          `json:"position,omitempty"`
	MissingObject string       `json:"missing_object,omitempty"`
	ObjectType    string       `json:"object_type,omitempty"`
	Suggestions   []string     `json:"suggestions,omitempty"`
}

func (e *QueryError) Error() string {
	return e.Message
}

// ValidationError reports input that was rejected before touching the
// database: empty, oversized, or malformed SQL.
type ValidationError = inspect.ValidationError

// ConcurrentQueryLimitError is returned when the admission gate's queue
// timeout elapsed before a slot freed up. The query never ran.
type ConcurrentQueryLimitError struct {
	Max          int           `json:"max_concurrent"`
	QueueTimeout time.Duration `json:"-"`
}

func (e *ConcurrentQueryLimitError) Error() string {
	return fmt.Sprintf("concurrent query limit reached: all %d slots busy after waiting %s", e.Max, e.QueueTimeout)
}

// ResultSetTooLargeError is returned by ExecuteWithLimits when the result
// exceeded the row cap and Config.Query.TruncateIsError is set. The default
// policy truncates and flags instead.
type ResultSetTooLargeError struct {
	Limit int `json:"limit"`
}

func (e *ResultSetTooLargeError) Error() string {
	return fmt.Sprintf("result set exceeds the maximum of %d rows", e.Limit)
}

// ExplainError wraps any failure inside Explain. Explain never falls back
// to a fabricated plan.
type ExplainError struct {
	Message string
	Cause   error
}

func (e *ExplainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("explain failed: %s: %v", e.Message, e.Cause)
	}
	return "explain failed: " + e.Message
}

func (e *ExplainError) Unwrap() error {
	return e.Cause
}

// The embedded engine surfaces most failures as free-text messages, so
// runtime errors are classified by keyword matching. The patterns below are
// the driver's actual phrasing; extraction of the offending identifier is
// best-effort and may miss on non-standard wording.
var (
	missingTableRe  = regexp.MustCompile(`no such table:?\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	missingColumnRe = regexp.MustCompile(`no such column:?\s+([A-Za-z_][A-Za-z0-9_.]*)`)
)

// classifyDriverError is the single place driver errors are mapped into the
// SQLErrorType taxonomy. Anything unrecognized becomes a generic execution
// error; nothing is retried here.
func classifyDriverError(err error) *QueryError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(lower, "interrupted") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "timeout") {
		return &QueryError{
			Kind:     "timeout",
			Type:     ErrTypeTimeout,
			Message:  "query timed out: " + msg,
			Position: -1,
		}
	}

	if m := missingTableRe.FindStringSubmatch(msg); m != nil {
		return &QueryError{
			Kind:          "schema",
			Type:          ErrTypeSchema,
			Message:       msg,
			Position:      -1,
			MissingObject: m[1],
			ObjectType:    "table",
		}
	}
	if m := missingColumnRe.FindStringSubmatch(msg); m != nil {
		return &QueryError{
			Kind:          "schema",
			Type:          ErrTypeSchema,
			Message:       msg,
			Position:      -1,
			MissingObject: m[1],
			ObjectType:    "column",
		}
	}
	if (strings.Contains(lower, "table") || strings.Contains(lower, "column")) &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")) {
		return &QueryError{
			Kind:     "schema",
			Type:     ErrTypeSchema,
			Message:  msg,
			Position: -1,
		}
	}

	if strings.Contains(lower, "syntax") || strings.Contains(lower, "parse") {
		return &QueryError{
			Kind:     "syntax",
			Type:     ErrTypeSyntax,
			Message:  msg,
			Position: -1,
		}
	}

	return &QueryError{
		Kind:     "execution",
		Type:     ErrTypeExecution,
		Message:  msg,
		Position: -1,
	}
}

// securityError converts an invalid inspection result into the structured
// error surfaced to callers: a security QueryError when a blocklist or
// dangerous-pattern rule fired, otherwise the plain ValidationError.
func securityError(result inspect.Result) error {
	for _, v := range result.Violations {
		if v.Severity != inspect.SeverityError {
			continue
		}
		switch v.Type {
		case inspect.NonSelectStatement, inspect.DangerousPattern, inspect.DangerousFunction:
			return &QueryError{
				Kind:     "security",
				Type:     ErrTypeSecurity,
				Message:  v.Description,
				Position: v.Position,
			}
		}
	}
	return result.Err()
}
